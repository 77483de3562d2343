// Package supervisor arranges the long-running services in a suture tree.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long each service gets to stop. It must
	// exceed the writers' drain timeout.
	// Default: 10s
	ShutdownTimeout time.Duration
}

// Tree has three layers:
//   - data: event log writer and chat log writer
//   - messaging: pipeline loop, sender, chat connection, EventSub, token refresh
//   - api: HTTP server and control socket
type Tree struct {
	root      *suture.Supervisor
	data      *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
	fatal     chan error
}

// New creates a tree logging supervisor events through logger.
func New(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:      suture.New("chatrelay", rootSpec),
		data:      suture.New("data-layer", childSpec),
		messaging: suture.New("messaging-layer", childSpec),
		api:       suture.New("api-layer", childSpec),
		fatal:     make(chan error, 1),
	}
	t.root.Add(t.data)
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	return t
}

// AddData adds a service to the data layer.
func (t *Tree) AddData(svc suture.Service) suture.ServiceToken { return t.data.Add(svc) }

// AddMessaging adds a service to the messaging layer.
func (t *Tree) AddMessaging(svc suture.Service) suture.ServiceToken { return t.messaging.Add(svc) }

// AddAPI adds a service to the API layer.
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Fatal reports the first error a Guard classified as fatal.
func (t *Tree) Fatal() <-chan error { return t.fatal }

// Guard wraps svc so errors matching isFatal stop it for good and are
// reported on Fatal instead of being retried.
func (t *Tree) Guard(svc suture.Service, isFatal func(error) bool) suture.Service {
	return &guarded{Service: svc, isFatal: isFatal, fatal: t.fatal}
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

// ServeBackground runs the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that overran the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

type guarded struct {
	suture.Service
	isFatal func(error) bool
	fatal   chan error
}

func (g *guarded) Serve(ctx context.Context) error {
	err := g.Service.Serve(ctx)
	if err != nil && ctx.Err() == nil && g.isFatal != nil && g.isFatal(err) {
		select {
		case g.fatal <- err:
		default:
		}
		return suture.ErrDoNotRestart
	}
	return err
}

func (g *guarded) String() string { return serviceName(g.Service) }
