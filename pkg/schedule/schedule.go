// Package schedule triggers scale-down and scale-up from cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/controller"
	"github.com/docent-net/cluster-hibernator/pkg/model"
)

// Runner is the part of the controller the scheduler drives.
type Runner interface {
	ScaleDown(ctx context.Context, id model.ClusterIdentity) model.ScaleOperationResult
	ScaleUp(ctx context.Context, id model.ClusterIdentity, ov controller.Overrides) model.ScaleOperationResult
}

type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	cluster model.ClusterIdentity
	ctx     context.Context
}

// New parses both expressions up front. An empty expression disables that direction; at
// least one must be set.
func New(runner Runner, id model.ClusterIdentity, cfg config.ScheduleConfig) (*Scheduler, error) {
	if cfg.ScaleDown == "" && cfg.ScaleUp == "" {
		return nil, fmt.Errorf("no schedule configured: set schedule.scaleDown or schedule.scaleUp")
	}

	log := cronLogger{}
	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(log), cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log))),
		runner:  runner,
		cluster: id,
		ctx:     context.Background(),
	}

	for _, e := range []struct {
		expr string
		dir  model.Direction
	}{
		{cfg.ScaleDown, model.DirectionDown},
		{cfg.ScaleUp, model.DirectionUp},
	} {
		if e.expr == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.expr, s.job(e.dir)); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", e.dir, e.expr, err)
		}
		slog.Info("Scheduled scale operation", "direction", e.dir, "schedule", e.expr)
	}
	return s, nil
}

func (s *Scheduler) job(dir model.Direction) func() {
	return func() {
		slog.Info("Scheduled scale operation starting", "direction", dir, "cluster", s.cluster.Key())
		var res model.ScaleOperationResult
		if dir == model.DirectionUp {
			res = s.runner.ScaleUp(s.ctx, s.cluster, controller.Overrides{})
		} else {
			res = s.runner.ScaleDown(s.ctx, s.cluster)
		}
		if !res.Success {
			slog.Error("Scheduled scale operation did not succeed",
				"direction", dir, "classification", res.Classification, "phase", res.FailedPhase, "err", res.Error)
			return
		}
		slog.Info("Scheduled scale operation finished", "direction", dir, "operation", res.Operation.ID)
	}
}

// Run starts the cron loop and blocks until ctx is done, then waits for a running job to
// reach its next phase boundary.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	slog.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
