package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mailcrew-labs/mailcrew-go/internal/runs"
)

// sweepRuns prunes finished runs older than retention every interval until
// ctx is done.
func sweepRuns(ctx context.Context, logger *slog.Logger, registry *runs.Registry, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := registry.Prune(now.Add(-retention)); n > 0 {
				logger.Info("pruned finished runs", "count", n, "retention", retention.String())
			}
		}
	}
}

func sweepInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	switch {
	case interval < time.Second:
		return time.Second
	case interval > 10*time.Minute:
		return 10 * time.Minute
	}
	return interval
}
