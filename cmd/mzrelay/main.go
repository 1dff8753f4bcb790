// Command mzrelay runs a rendezvous relay for mztransport endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/relay"
)

func main() {
	addr := flag.String("listen", fmt.Sprintf(":%d", relay.DefaultPort), "Address to listen on")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	srv := relay.NewServer()
	mux := http.NewServeMux()
	mux.Handle(relay.Path, srv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "ok %d\n", srv.Peers())
	})

	hs := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down relay")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("Relay shutdown incomplete")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"addr": *addr,
		"path": relay.Path,
	}).Info("Relay listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatal("Relay stopped")
	}
}
