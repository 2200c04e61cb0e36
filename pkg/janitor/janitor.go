// Package janitor periodically deletes expired sessions, tokens, codes and
// authorization requests. Housekeeping only: every read path compares expiry
// timestamps itself, so correctness never depends on the sweep.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plazahq/plaza/pkg/observability"
)

// DefaultSchedule sweeps every 15 minutes.
const DefaultSchedule = "*/15 * * * *"

// Sweeper is implemented by every store with expirable rows.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Janitor runs the cleanup schedule.
type Janitor struct {
	cron     *cron.Cron
	sweepers map[string]Sweeper
	logger   *observability.Logger
}

// New creates a janitor over the named sweepers.
func New(sweepers map[string]Sweeper, logger *observability.Logger) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		sweepers: sweepers,
		logger:   logger,
	}
}

// Start schedules the sweep and begins running it.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		j.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Sweep runs one pass over every registered store.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()
	for name, sweeper := range j.sweepers {
		deleted, err := sweeper.DeleteExpired(ctx, now)
		if err != nil {
			j.logger.WithError(err).WithField("store", name).Error("cleanup sweep failed")
			continue
		}
		if deleted > 0 {
			j.logger.WithFields(map[string]interface{}{
				"store":   name,
				"deleted": deleted,
			}).Info("cleaned up expired rows")
		}
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
