package updates

import (
	"context"
	"log"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const (
	defaultTimeoutSweepInterval = 30 * time.Second
	defaultRetrySweepInterval   = 15 * time.Second
)

// Sweeper runs the engine's background maintenance loops: expiring
// updates that blew their deadline and re-queueing failed updates whose
// retry backoff has elapsed.
type Sweeper struct {
	engine          *Engine
	timeoutInterval time.Duration
	retryInterval   time.Duration
}

// NewSweeper creates a sweeper with default intervals.
func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{
		engine:          engine,
		timeoutInterval: defaultTimeoutSweepInterval,
		retryInterval:   defaultRetrySweepInterval,
	}
}

// Start runs both sweep loops until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go s.runTimeoutSweep(ctx)
	go s.runRetrySweep(ctx)
}

func (s *Sweeper) runTimeoutSweep(ctx context.Context) {
	ticker := time.NewTicker(s.timeoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepTimeouts(ctx); err != nil {
				log.Printf("Error during timeout sweep: %v", err)
			}
		}
	}
}

func (s *Sweeper) runRetrySweep(ctx context.Context) {
	ticker := time.NewTicker(s.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepRetries(ctx); err != nil {
				log.Printf("Error during retry sweep: %v", err)
			}
		}
	}
}

// SweepTimeouts fails every non-terminal update whose deadline passed.
// A device report racing the sweep is harmless: Fail on an
// already-terminal update is a no-op.
func (s *Sweeper) SweepTimeouts(ctx context.Context) error {
	expired, err := s.engine.store.ListExpiredUpdates(time.Now().UTC())
	if err != nil {
		return err
	}

	for _, u := range expired {
		if err := s.engine.Fail(ctx, u.ID, models.ErrCodeTimeout,
			"update exceeded its deadline"); err != nil {
			log.Printf("Error failing timed-out update %s: %v", u.ID, err)
		}
	}

	if len(expired) > 0 {
		log.Printf("Timeout sweep expired %d update(s)", len(expired))
	}

	return nil
}

// SweepRetries re-queues failed updates whose backoff has elapsed and
// whose retry budget remains, then restarts them. Without the restart a
// retried update would sit in SCHEDULED until its deadline failed it
// again.
func (s *Sweeper) SweepRetries(ctx context.Context) error {
	due, err := s.engine.store.ListDueRetries(time.Now().UTC())
	if err != nil {
		return err
	}

	for _, u := range due {
		if err := s.engine.Retry(ctx, u.ID); err != nil {
			log.Printf("Error retrying update %s: %v", u.ID, err)
			continue
		}

		if err := s.engine.Start(ctx, u.ID); err != nil {
			log.Printf("Error restarting retried update %s: %v", u.ID, err)
		}
	}

	return nil
}
