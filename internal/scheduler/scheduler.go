package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/coinpilot/coinpilot/internal/observ"
)

// Scheduler runs the bot's periodic jobs on a cron with seconds resolution.
// Every job is wrapped in SkipIfStillRunning: a slow decision cycle delays
// the next tick instead of overlapping it, which is what keeps cycles
// strictly sequential.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

func New() *Scheduler {
	logger := observ.Component("scheduler")
	cl := cronLogger{log: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cl), cron.Recover(cl)),
		),
		log: logger,
	}
}

// AddEvery schedules fn at a fixed interval.
func (s *Scheduler) AddEvery(name string, interval time.Duration, fn func()) error {
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("schedule", spec).Msg("job scheduled")
	return nil
}

// AddCron schedules fn on a 6-field cron expression.
func (s *Scheduler) AddCron(name, expr string, fn func()) error {
	if _, err := s.cron.AddFunc(expr, fn); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Info().Str("job", name).Str("schedule", expr).Msg("job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and blocks until in-flight jobs finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger adapts zerolog to cron's logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.log.Error().Err(err).Fields(kv).Msg(msg)
}
