package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pinger checks whether the API is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunProbe pings on every tick and feeds the result to SetOnline until ctx ends.
func RunProbe(ctx context.Context, o *Orchestrator, p Pinger, every time.Duration, timeout time.Duration) {
	if every <= 0 {
		every = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.cfg.logger.Debug("sync.probe_failed", zap.Error(err))
		}
		o.SetOnline(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
