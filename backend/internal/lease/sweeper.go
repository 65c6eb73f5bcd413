package lease

import (
	"context"
	"time"
)

type sweeper interface {
	Sweep() int
}

// RunSweeper 定期清理过期记录，直到 ctx 结束
func RunSweeper(ctx context.Context, interval time.Duration, tables ...sweeper) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range tables {
				t.Sweep()
			}
		}
	}
}
