package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"kis-daytrader/internal/market"
)

// Job runs once per weekday at a wall-clock time in its own zone.
type Job struct {
	Name     string
	At       market.TimeOfDay
	Location *time.Location
	Run      func(ctx context.Context) error
}

// CronSpec renders the weekday cron expression for at in loc.
func CronSpec(at market.TimeOfDay, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * 1-5", loc.String(), at.Minute, at.Hour)
}

// Daily triggers wall-clock jobs on cron. Overlapping runs of one job are skipped.
type Daily struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ids    map[string]cron.EntryID
}

// NewDaily constructs an idle daily scheduler.
func NewDaily(logger zerolog.Logger) *Daily {
	l := logger.With().Str("component", "daily_scheduler").Logger()
	adapter := cronLogger{logger: l}
	return &Daily{
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger: l,
		ids:    make(map[string]cron.EntryID),
	}
}

// Register adds jobs bound to ctx; each job receives ctx when it fires.
func (d *Daily) Register(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		job := job
		spec := CronSpec(job.At, job.Location)
		id, err := d.cron.AddFunc(spec, func() {
			started := time.Now()
			d.logger.Info().Str("job", job.Name).Msg("daily job started")
			if err := job.Run(ctx); err != nil {
				d.logger.Error().Err(err).Str("job", job.Name).Msg("daily job failed")
				return
			}
			d.logger.Info().Str("job", job.Name).Dur("elapsed", time.Since(started)).Msg("daily job finished")
		})
		if err != nil {
			return fmt.Errorf("register %s (%s): %w", job.Name, spec, err)
		}
		d.ids[job.Name] = id
		d.logger.Info().Str("job", job.Name).Str("spec", spec).Msg("daily job registered")
	}
	return nil
}

// Next reports the next fire time of a registered job.
func (d *Daily) Next(name string) (time.Time, bool) {
	id, ok := d.ids[name]
	if !ok {
		return time.Time{}, false
	}
	entry := d.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if entry.Next.IsZero() {
		// not started yet
		return entry.Schedule.Next(time.Now()), true
	}
	return entry.Next, true
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for running jobs.
func (d *Daily) Run(ctx context.Context) error {
	d.cron.Start()
	<-ctx.Done()
	<-d.cron.Stop().Done()
	return ctx.Err()
}

type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
