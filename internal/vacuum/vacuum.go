// Package vacuum runs the periodic eviction loop: every tick it asks
// the switchboard to disconnect idle publishers and stale unused
// sessions. Errors are logged and never stop the loop.
package vacuum

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

// Config holds the tunables read from general.{vacuum_interval,
// sessions_ttl} and the fir_interval-derived publisher silence timeout.
type Config struct {
	Interval          time.Duration
	SessionsTTL       time.Duration
	PublisherTimeout  time.Duration
}

// Loop ties a Switchboard to a Config and runs until its context is
// canceled.
type Loop struct {
	sb  *switchboard.Switchboard
	cfg Config
	log *zap.Logger
}

// New creates a Loop. A nil logger is replaced with a no-op logger.
func New(sb *switchboard.Switchboard, cfg Config, log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{sb: sb, cfg: cfg, log: log}
}

// Run blocks, ticking every cfg.Interval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("vacuum loop stopping")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("vacuum tick panicked", zap.Any("recover", r))
		}
	}()
	l.sb.VacuumPublishers(ctx, l.cfg.PublisherTimeout)
	l.sb.VacuumSessions(ctx, l.cfg.SessionsTTL)
}
