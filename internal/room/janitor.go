package room

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultRetention     = 2 * time.Hour
)

// Janitor periodically reclaims stale rooms from a Registry.
//
// It runs independently of connection activity; each sweep takes the same
// registry lock as connection-triggered mutations and holds it only for
// the duration of one pass over the room table.
type Janitor struct {
	Registry *Registry

	// Interval between sweeps. <= 0 selects DefaultSweepInterval.
	Interval time.Duration

	// Retention is how long an empty room may outlive its creation before
	// a sweep removes it. <= 0 selects DefaultRetention.
	Retention time.Duration

	Log *slog.Logger

	// OnSweep, when set, observes the number of rooms each sweep removed.
	OnSweep func(removed int)
}

// Run sweeps on a ticker until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	retention := j.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	log := j.Log
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := j.Registry.SweepStale(retention); removed > 0 {
				log.Info("swept stale rooms", "removed", removed)
				if j.OnSweep != nil {
					j.OnSweep(removed)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
