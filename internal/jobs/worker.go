package jobs

import (
	"context"
	"errors"
	"log"
	"time"
)

type WorkerConfig struct {
	PollInterval time.Duration
	Burst        int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 2 * time.Second,
		Burst:        10,
	}
}

// RunWorker polls the queue until ctx is canceled. Each tick drains up
// to Burst due jobs before sleeping again; handler errors are logged
// and never stop the loop.
func (q *Queue) RunWorker(ctx context.Context, cfg WorkerConfig) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultWorkerConfig().Burst
	}
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		for i := 0; i < cfg.Burst; i++ {
			processed, err := q.ProcessOnce(ctx)
			if errors.Is(err, ErrNoWork) {
				break
			}
			if err != nil {
				log.Printf("worker: job failed: %v", err)
			}
			if !processed {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
