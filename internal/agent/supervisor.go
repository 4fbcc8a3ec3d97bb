// Package agent runs the connectivity supervisor: it watches the cloud
// channel and drives the registered lifecycle hooks through connect and
// disconnect transitions. Retry policy lives here; the lifecycle manager
// itself never retries.
package agent

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

const reconnectInitialDelay = 2 * time.Second
const reconnectMaxDelay = 1 * time.Minute
const defaultProbeTimeout = 5 * time.Second

// Hook is a lifecycle callback invoked on connectivity transitions.
type Hook func(ctx context.Context) error

// Probe checks reachability of the cloud channel.
type Probe func(ctx context.Context) error

// Supervisor invokes on-connect hooks once the cloud channel is reachable
// and on-disconnect hooks when it drops, with jittered exponential backoff
// between attempts. Any failing on-connect hook counts as "not connected"
// and the whole sequence is retried on the next attempt.
type Supervisor struct {
	probe        Probe
	interval     time.Duration
	probeTimeout time.Duration
	log          *slog.Logger

	onConnect    []Hook
	onDisconnect []Hook
}

// NewSupervisor creates a supervisor that probes connectivity every interval
// once connected.
func NewSupervisor(probe Probe, interval time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		probe:        probe,
		interval:     interval,
		probeTimeout: defaultProbeTimeout,
		log:          logger,
	}
}

// RegisterOnConnect adds a hook fired when connectivity is established.
func (s *Supervisor) RegisterOnConnect(h Hook) {
	s.onConnect = append(s.onConnect, h)
}

// RegisterOnDisconnect adds a hook fired when connectivity drops.
func (s *Supervisor) RegisterOnDisconnect(h Hook) {
	s.onDisconnect = append(s.onDisconnect, h)
}

// Run drives the connect/disconnect cycle until ctx is canceled. Hooks are
// fired from this goroutine only.
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := reconnectInitialDelay
	for {
		if err := s.probeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Debug("cloud channel unreachable", "err", err, "retry_in", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}

		if err := s.fireConnect(ctx); err != nil {
			s.log.Warn("connect sequence failed", "err", err, "retry_in", backoff.String())
			s.fireDisconnect()
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitialDelay
		s.log.Info("cloud channel connected")

		s.watch(ctx)
		s.fireDisconnect()
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("cloud channel lost; reconnecting", "retry_in", backoff.String())
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func (s *Supervisor) probeOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()
	return s.probe(probeCtx)
}

func (s *Supervisor) fireConnect(ctx context.Context) error {
	for _, h := range s.onConnect {
		if err := h(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fireDisconnect runs all disconnect hooks. Teardown hooks are forgiving by
// contract, but a failure here must not stop the remaining hooks.
func (s *Supervisor) fireDisconnect() {
	// Hooks still get a context for bounded teardown even when the run
	// context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()
	for _, h := range s.onDisconnect {
		if err := h(ctx); err != nil {
			s.log.Debug("disconnect hook failed", "err", err)
		}
	}
}

// watch blocks while the channel stays reachable, returning on the first
// failed probe or context cancellation.
func (s *Supervisor) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.probeOnce(ctx); err != nil {
				if ctx.Err() == nil {
					s.log.Debug("connectivity probe failed", "err", err)
				}
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		current = reconnectInitialDelay
	}
	next := min(current*2, reconnectMaxDelay)
	// Add ±25% jitter to avoid thundering herd on reconnect.
	jitter := 1.0 + (rand.Float64()-0.5)*0.5 // range [0.75, 1.25]
	return time.Duration(float64(next) * jitter)
}
