package bank

import (
	"context"
	"time"

	"golang.org/x/exp/slog"
)

// Restorer is the demo sweeper: one long-lived task that periodically
// tops drifted demo accounts back to their standard balance.
type Restorer struct {
	logger   *slog.Logger
	repo     *Repository
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRestorer(logger *slog.Logger, repo *Repository, interval time.Duration) *Restorer {
	return &Restorer{
		logger:   logger.With(slog.String("component", "account-restorer")),
		repo:     repo,
		interval: interval,
	}
}

func (r *Restorer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.repo.RestoreDemoAccounts(ctx)
				if err != nil {
					r.logger.Error("restoring demo accounts", "err", err)
					continue
				}
				if n > 0 {
					r.logger.Info("demo accounts restored", slog.Int("count", n))
				}
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it.
func (r *Restorer) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}
