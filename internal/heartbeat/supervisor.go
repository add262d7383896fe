// Package heartbeat periodically probes every registered connection and
// evicts the ones that stayed silent for a full cycle.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/liudong-work/funnychatbackend/internal/registry"
	"github.com/liudong-work/funnychatbackend/pkg/protocol"
)

// ErrTimeout is the close reason handed to evicted connections.
var ErrTimeout = errors.New("heartbeat timeout")

type Supervisor struct {
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

func NewSupervisor(reg *registry.Registry, interval time.Duration, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		registry: reg,
		interval: interval,
		logger:   logger.With(slog.String("component", "heartbeat")),
	}
}

// Run sweeps on a fixed period until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Heartbeat supervisor started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Heartbeat supervisor stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one cycle: a connection that did not answer the previous probe
// is closed and unregistered; everyone else has their flag cleared and a new
// probe queued. Eviction is normal lifecycle cleanup, not an error.
func (s *Supervisor) Sweep() {
	ping := protocol.MustEncode(protocol.EventPing, struct{}{})

	for _, e := range s.registry.Entries() {
		if !e.Conn.ResetAlive() {
			s.logger.Info("Evicting unresponsive connection",
				slog.String("identity", e.Identity),
				slog.String("connID", e.Conn.ID().String()),
			)
			e.Conn.Close(ErrTimeout)
			s.registry.UnregisterConn(e.Identity, e.Conn.ID())
			continue
		}
		e.Conn.Send(ping)
	}
}
