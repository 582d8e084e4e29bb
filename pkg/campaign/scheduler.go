package campaign

import (
	"context"
	"log"
	"time"

	"github.com/mfreeman451/fleetota/pkg/models"
)

const defaultSchedulerInterval = 15 * time.Second

// Scheduler launches SCHEDULED campaigns when their start time arrives
// and cancels running campaigns that overrun their scheduled end.
type Scheduler struct {
	orchestrator *Orchestrator
	interval     time.Duration
}

// NewScheduler creates a campaign scheduler with the default interval.
func NewScheduler(o *Orchestrator) *Scheduler {
	return &Scheduler{orchestrator: o, interval: defaultSchedulerInterval}
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Tick(ctx); err != nil {
					log.Printf("Error during campaign scheduler tick: %v", err)
				}
			}
		}
	}()
}

// Tick runs one scheduler pass.
func (s *Scheduler) Tick(ctx context.Context) error {
	campaigns, err := s.orchestrator.List()
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for i := range campaigns {
		c := campaigns[i]

		switch {
		case c.Status == models.CampaignScheduled &&
			c.ScheduledStart != nil && !c.ScheduledStart.After(now):
			if err := s.orchestrator.Start(ctx, c.ID); err != nil {
				log.Printf("Error starting scheduled campaign %s: %v", c.ID, err)
			}
		case c.Status == models.CampaignInProgress &&
			c.ScheduledEnd != nil && c.ScheduledEnd.Before(now):
			if err := s.orchestrator.Cancel(ctx, c.ID, "scheduled end reached"); err != nil {
				log.Printf("Error cancelling overrun campaign %s: %v", c.ID, err)
			}
		}
	}

	return nil
}
