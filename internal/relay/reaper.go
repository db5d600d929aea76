package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/bouncerd/internal/observability"
	"github.com/danmuck/bouncerd/internal/protocol/control"
)

// runReaper periodically reclaims sessions idle past the configured timeout.
// lastActive moves only on attach and on client control frames; a detached
// session accumulating upstream data is still reclaimed.
func (s *Server) runReaper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(time.Now())
		}
	}
}

// reapOnce closes and removes every session idle at now; returns the count.
func (s *Server) reapOnce(now time.Time) int {
	expired := s.registry.IdleBefore(now.Add(-s.cfg.IdleTimeout))
	for _, sess := range expired {
		log.Info().Str("token", sess.Token()).Msg("reaping idle session")
		sess.closeWithReason(control.ReasonConnectionLost)
		observability.RecordSessionReaped()
	}
	return len(expired)
}
