package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultReaperSchedule runs reclamation every five minutes
const DefaultReaperSchedule = "@every 5m"

const reclaimTimeout = 30 * time.Second

var reaperParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Reaper periodically completes RUNNING tasks that reached 100% but were
// never closed, such as after a crash between the last progress write and
// the final status. Age based reclamation happens only in Governor.Admit.
type Reaper struct {
	governor *Governor
	runs     ActiveRuns
	cron     *cron.Cron
	log      zerolog.Logger
}

// NewReaper registers reclamation on schedule. An empty schedule uses
// DefaultReaperSchedule. Tasks held by runs are skipped; runs may be nil.
func NewReaper(governor *Governor, runs ActiveRuns, schedule string, log zerolog.Logger) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultReaperSchedule
	}

	r := &Reaper{
		governor: governor,
		runs:     runs,
		cron: cron.New(
			cron.WithParser(reaperParser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: log.With().Str("component", "reaper").Logger(),
	}

	if _, err := r.cron.AddFunc(schedule, r.Sweep); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}

	return r, nil
}

// Sweep runs one reclamation pass
func (r *Reaper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()

	var held []int64
	if r.runs != nil {
		held = r.runs.Active()
	}

	reclaimed, err := r.governor.ReclaimFinished(ctx, held)
	if err != nil {
		r.log.Error().Err(err).Msg("reclamation failed")
		return
	}

	r.log.Debug().Int64("reclaimed", reclaimed).Ints64("held", held).Msg("reclamation pass done")
}

// Start begins the schedule
func (r *Reaper) Start() {
	r.cron.Start()
	r.log.Info().Msg("reaper started")
}

// Stop halts the schedule and waits for a running pass to return
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("reaper stopped")
}
