package trainer

import (
	"context"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs trigger checks on a standard 5-field cron schedule.
type Scheduler struct {
	trainer  *Trainer
	schedule string
	cron     *cron.Cron
}

// NewScheduler validates spec and prepares a scheduler. The schedule is a
// standard cron expression (minute hour day-of-month month day-of-week).
func NewScheduler(t *Trainer, spec string) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(spec); err != nil {
		return nil, eris.Wrapf(err, "trainer: invalid check schedule %q", spec)
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{trainer: t, schedule: spec, cron: c}, nil
}

// Start registers the trigger check and starts the cron runner. Checks run
// with ctx, so cancelling it interrupts an in-flight run.
func (s *Scheduler) Start(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "trainer.scheduler"))
	_, err := s.cron.AddFunc(s.schedule, func() {
		run, err := s.trainer.MaybeTrain(ctx)
		if err != nil {
			log.Error("scheduled trigger check failed", zap.Error(err))
			return
		}
		if run != nil {
			log.Info("scheduled training complete",
				zap.String("run_id", run.ID),
				zap.String("trigger", run.Trigger),
			)
		}
	})
	if err != nil {
		return eris.Wrap(err, "trainer: register trigger check")
	}
	s.cron.Start()
	log.Info("trigger checks scheduled", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the runner and waits for a running check to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
