// Command mztransport shares a file with, or fetches a file from, a peer.
// Peers meet through a relay and then move the content directly over UDP.
//
// Share a file and print its URL:
//
//	mztransport -role send -path report.pdf -secret hunter2 -relay relay.example.org
//
// Fetch it on another machine:
//
//	mztransport -role recv -path report.pdf -relay relay.example.org -url mzt://<token>/hunter2/report.pdf
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport"
	"github.com/opd-ai/mztransport/packet"
	"github.com/opd-ai/mztransport/transfer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := mztransport.NewOptions()

	role := flag.String("role", "send", "Role: send, recv or sync")
	flag.StringVar(&opts.Path, "path", "", "Local file to share or to write into")
	flag.StringVar(&opts.Secret, "secret", "", "Secret requesters must present")
	flag.StringVar(&opts.Name, "name", opts.Name, "Name announced to peers")
	relays := flag.String("relay", strings.Join(opts.Relays, ","), "Comma separated relay endpoints")
	url := flag.String("url", "", "Share URL to fetch (recv and sync roles)")
	flag.IntVar(&opts.BufferSize, "buffer", opts.BufferSize, "Datagram size in bytes")
	flag.StringVar(&opts.Rendezvous.STUNServer, "stun", "", "STUN server used to learn the public address")
	flag.StringVar(&opts.Rendezvous.AdvertiseHost, "advertise", "", "Host advertised to peers instead of the observed one")
	flag.StringVar(&opts.Rendezvous.ListenAddr, "listen", opts.Rendezvous.ListenAddr, "Local UDP address for transfers")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.WarnLevel)
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
		pterm.EnableDebugMessages()
	}

	r, err := transfer.ParseRole(*role)
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(2)
	}
	opts.Role = r
	opts.Relays = splitList(*relays)

	if opts.Role != transfer.RoleSend && *url == "" {
		pterm.Error.Println("missing -url for the", opts.Role, "role")
		os.Exit(2)
	}

	ep, err := mztransport.New(opts)
	if err != nil {
		pterm.Error.Printfln("cannot start: %v", err)
		os.Exit(1)
	}
	defer ep.Close()

	if *url != "" {
		rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := ep.Request(rctx, *url)
		cancel()
		if err != nil {
			pterm.Error.Printfln("request failed: %v", err)
			os.Exit(1)
		}
		pterm.Info.Printfln("Requested %s", *url)
	}

	ui := newProgressUI(opts.Role == transfer.RoleRecv)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = ep.Run(runCtx, func(ev transfer.Event) {
		if ui.handle(ev) {
			cancel()
		}
	})
	ui.stop()
	if err != nil && err != context.Canceled {
		pterm.Error.Println(err)
		os.Exit(1)
	}
	if ui.failed {
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// progressUI renders session events as pterm progress bars.
type progressUI struct {
	exitWhenDone bool
	bars         map[packet.Session]*pterm.ProgressbarPrinter
	failed       bool
}

func newProgressUI(exitWhenDone bool) *progressUI {
	return &progressUI{exitWhenDone: exitWhenDone, bars: make(map[packet.Session]*pterm.ProgressbarPrinter)}
}

// handle renders ev and reports whether the program should stop.
func (u *progressUI) handle(ev transfer.Event) bool {
	switch ev.Kind {
	case transfer.EventSetShare:
		pterm.Info.Printfln("Share URL: %s", ev.Text)
	case transfer.EventSetStatus:
		if ev.Session.IsZero() {
			pterm.Info.Println(ev.Text)
		} else if ev.Text == transfer.StatusFinished {
			pterm.Success.Printfln("%s: finished", ev.Name)
		}
	case transfer.EventNew:
		bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle(ev.Name).Start()
		if err == nil {
			u.bars[ev.Session] = bar
		}
		pterm.Info.Printfln("Connected to %s (%s)", ev.Name, ev.PeerAddr)
	case transfer.EventSetProgress:
		if bar := u.bars[ev.Session]; bar != nil {
			if delta := int(ev.Progress*100) - bar.Current; delta > 0 {
				bar.Add(delta)
			}
		}
	case transfer.EventDestroy:
		if bar := u.bars[ev.Session]; bar != nil {
			_, _ = bar.Stop()
			delete(u.bars, ev.Session)
		}
		pterm.Debug.Printfln("%s closed: %s", ev.Name, ev.Text)
		return u.exitWhenDone
	case transfer.EventError:
		u.failed = true
		pterm.Error.Println(ev.Err)
		return u.exitWhenDone
	}
	return false
}

func (u *progressUI) stop() {
	for _, bar := range u.bars {
		_, _ = bar.Stop()
	}
}
