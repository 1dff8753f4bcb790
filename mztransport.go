package mztransport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mztransport/relay"
	"github.com/opd-ai/mztransport/rendezvous"
	"github.com/opd-ai/mztransport/sink"
	"github.com/opd-ai/mztransport/transfer"
)

// DefaultIterationInterval is the pause between two steps of Run.
const DefaultIterationInterval = 10 * time.Millisecond

// Options configures a transfer endpoint.
type Options struct {
	transfer.Config

	// Rendezvous tunes port allocation, STUN discovery and timeouts.
	Rendezvous rendezvous.Options
	// DialTimeout bounds the registration with the relays.
	DialTimeout time.Duration
	// IterationInterval is the pause between two steps of Run.
	IterationInterval time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Config:            transfer.DefaultConfig(),
		Rendezvous:        rendezvous.DefaultOptions(),
		DialTimeout:       10 * time.Second,
		IterationInterval: DefaultIterationInterval,
	}
}

// Bind returns a transfer.BindFunc that registers with real relays and
// wraps the relay client in a rendezvous adapter.
func Bind(dialTimeout time.Duration, opts rendezvous.Options) transfer.BindFunc {
	return func(info rendezvous.Info, relays []string) (transfer.Rendezvous, error) {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		client, err := relay.Dial(ctx, info, relays)
		if err != nil {
			return nil, err
		}
		return rendezvous.NewAdapter(client, opts), nil
	}
}

// Endpoint is a transfer session backed by a local file.
type Endpoint struct {
	*transfer.Manager

	file     *sink.File
	interval time.Duration
}

// New opens the local file for the configured role and binds the session
// to the relays.
func New(options *Options) (*Endpoint, error) {
	if options == nil {
		options = NewOptions()
	}
	return open(options, Bind(options.DialTimeout, options.Rendezvous))
}

func open(options *Options, bind transfer.BindFunc) (*Endpoint, error) {
	cfg := options.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	mode := sink.ModeRead
	switch cfg.Role {
	case transfer.RoleRecv:
		mode = sink.ModeWrite
	case transfer.RoleSync:
		mode = sink.ModeReadWrite
	}
	file, err := sink.Open(cfg.Path, mode)
	if err != nil {
		return nil, &transfer.Error{Kind: transfer.KindInvalidFilePath, Op: "open file", Err: err}
	}

	m, err := transfer.Open(cfg, file, bind)
	if err != nil {
		file.Close()
		return nil, err
	}

	interval := options.IterationInterval
	if interval <= 0 {
		interval = DefaultIterationInterval
	}
	return &Endpoint{Manager: m, file: file, interval: interval}, nil
}

// Iterate performs one step and returns the events it produced.
func (e *Endpoint) Iterate() []transfer.Event {
	e.Step()
	return e.Events()
}

// IterationInterval returns the pause Run keeps between steps.
func (e *Endpoint) IterationInterval() time.Duration {
	return e.interval
}

// Run steps the session until ctx ends, handing every event to handle.
func (e *Endpoint) Run(ctx context.Context, handle func(transfer.Event)) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		for _, ev := range e.Iterate() {
			if handle != nil {
				handle(ev)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close ends the session and closes the local file.
func (e *Endpoint) Close() error {
	err := e.Manager.Close()
	if ferr := e.file.Close(); ferr != nil && err == nil {
		err = ferr
	}
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.Close",
		"path":     e.file.Path(),
	}).Debug("Endpoint closed")
	return err
}
