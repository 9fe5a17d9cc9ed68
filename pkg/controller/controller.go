// Package controller runs scale-down and scale-up as persisted, resumable phase sequences.
//
// Scale-down: Init -> AutoscalerSuspended -> NodesDrained -> PoolsScaledDown -> Verified -> Done
// Scale-up:   Init -> WebhooksValidated -> PoolsScaledUp -> NodesReady -> BootstrapVerified ->
//
//	DependenciesStarted -> AutoscalerRestored -> Done
//
// Every completed phase is written to the state store before the next one starts. A run that
// finds an unfinished operation of the same direction continues after its last completed
// phase; phases whose post-condition already holds change nothing.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/kubernetes"

	"github.com/docent-net/cluster-hibernator/pkg/autoscaler"
	"github.com/docent-net/cluster-hibernator/pkg/cloud"
	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/dependency"
	"github.com/docent-net/cluster-hibernator/pkg/drain"
	"github.com/docent-net/cluster-hibernator/pkg/lock"
	"github.com/docent-net/cluster-hibernator/pkg/metrics"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/nodepool"
	"github.com/docent-net/cluster-hibernator/pkg/notify"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
	"github.com/docent-net/cluster-hibernator/pkg/tracing"
	"github.com/docent-net/cluster-hibernator/pkg/webhooks"
)

// Overrides adjust a scale-up.
type Overrides struct {
	// MinNodesPerPool restores every pool to this size instead of its snapshot.
	MinNodesPerPool *int
	// IgnoreBootstrapRisk skips the bootstrap floor check of MinNodesPerPool.
	IgnoreBootstrapRisk bool
}

type Controller struct {
	Client       kubernetes.Interface
	Store        statestore.Store
	Locker       lock.Locker
	Holder       string
	Notifier     notify.Notifier
	Pools        []string
	PoolLabelKey string
	DryRun       bool

	Scaler       *nodepool.Scaler
	Autoscaler   *autoscaler.Resolver
	Drain        *drain.Manager
	Webhooks     *webhooks.Validator
	Dependencies *dependency.Orchestrator
	Bootstrap    config.BootstrapConfig

	ReadyTimeout time.Duration
	PollInterval time.Duration
	Now          func() time.Time

	afterPhase func(model.Phase)
}

// New wires every component from cfg. The Locker defaults to an in-process lock and the
// Notifier to the one cfg selects.
func New(cfg *config.Config, client kubernetes.Interface, provider cloud.Provider, store statestore.Store, opts ...Option) *Controller {
	c := &Controller{
		Client:       client,
		Store:        store,
		Locker:       lock.NewMemory(),
		Holder:       defaultHolder(),
		Notifier:     notify.NewFromConfig(cfg),
		Pools:        cfg.NodePools,
		PoolLabelKey: cfg.PoolLabelKey,
		DryRun:       cfg.DryRun,
		Scaler:       nodepool.NewScaler(provider, cfg.NodePool, cfg.Retry),
		Autoscaler:   autoscaler.NewResolver(client, store, cfg.Autoscaler, cfg.DryRun),
		Drain:        drain.NewManager(client, cfg.Drain, cfg.DryRun),
		Webhooks:     webhooks.NewValidator(client, cfg.Webhooks, cfg.DryRun),
		Dependencies: dependency.NewOrchestrator(client, store, cfg.Dependencies, cfg.DryRun),
		Bootstrap:    cfg.Bootstrap,
		ReadyTimeout: cfg.NodePool.ReadyTimeout,
		PollInterval: cfg.NodePool.PollInterval,
		Now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Scaler.Now = c.Now
	c.Scaler.DryRun = c.DryRun
	c.Autoscaler.Now = c.Now
	c.Drain.Now = c.Now
	return c
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (c *Controller) ScaleDown(ctx context.Context, id model.ClusterIdentity) model.ScaleOperationResult {
	return c.run(ctx, id, model.DirectionDown, Overrides{})
}

func (c *Controller) ScaleUp(ctx context.Context, id model.ClusterIdentity, ov Overrides) model.ScaleOperationResult {
	return c.run(ctx, id, model.DirectionUp, ov)
}

// Status returns the phase of the last recorded operation, Idle when there is none.
func (c *Controller) Status(ctx context.Context, id model.ClusterIdentity) (model.Phase, *model.ScaleOperation, error) {
	op, err := statestore.Operation(ctx, c.Store, id)
	if err != nil {
		return "", nil, err
	}
	if op == nil {
		return model.PhaseIdle, nil, nil
	}
	return op.Phase, op, nil
}

// run holds the per-cluster lease and walks the phases of dir.
func (c *Controller) run(ctx context.Context, id model.ClusterIdentity, dir model.Direction, ov Overrides) model.ScaleOperationResult {
	res := model.ScaleOperationResult{}
	// Work and bookkeeping continue past cancellation; ctx is only consulted between phases.
	work := context.WithoutCancel(ctx)

	if err := id.Validate(); err != nil {
		return c.failEarly(res, scaleerrors.Wrap(scaleerrors.ConfigurationError, "cluster", err))
	}
	if len(c.Pools) == 0 {
		return c.failEarly(res, scaleerrors.New(scaleerrors.ConfigurationError, "cluster/"+id.Key(), "no node pools configured"))
	}

	lease, err := c.Locker.Acquire(work, id, c.Holder)
	if err != nil {
		return c.failEarly(res, scaleerrors.Wrap(scaleerrors.LockHeld, "lease/"+id.Key(), err))
	}
	defer func() {
		if err := lease.Release(work); err != nil {
			slog.Warn("Failed to release cluster lease", "cluster", id.Key(), "err", err)
		}
	}()

	inFlight := metrics.InFlight.WithLabelValues(id.Key(), string(dir))
	inFlight.Set(1)
	defer inFlight.Set(0)

	op, err := c.loadOrStart(work, id, dir)
	if err != nil {
		return c.failEarly(res, err)
	}
	res.Operation = op

	work, span := tracing.Tracer().Start(work, "operation/"+string(dir), trace.WithAttributes(
		attribute.String("cluster", id.Key()),
		attribute.String("operation.id", op.ID),
	))
	defer span.End()

	log := slog.With("cluster", id.Key(), "operation", op.ID, "direction", dir)
	log.Info("Running scale operation", "from", op.Phase)

	for !op.Phase.Terminal() {
		phase := op.Phase
		if ctx.Err() != nil {
			log.Warn("Operation cancelled between phases", "lastCompleted", op.LastCompleted, "next", phase)
			return c.finishCancelled(work, op, res)
		}

		started := c.Now()
		detail, err := c.runPhase(work, op, phase, ov, &res)
		metrics.PhaseDuration.WithLabelValues(string(dir), string(phase)).Observe(c.Now().Sub(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			log.Error("Phase failed", "phase", phase, "err", err)
			return c.finishFailed(work, op, phase, err, res)
		}

		op.Complete(model.PhaseResult{Phase: phase, StartedAt: started, FinishedAt: c.Now(), Detail: detail})
		if err := statestore.SaveOperation(work, c.Store, id, op); err != nil {
			return c.finishFailed(work, op, phase, err, res)
		}
		log.Info("Phase completed", "phase", phase, "detail", detail)
		c.publish(work, op, phase, true, detail, false)
		if c.afterPhase != nil {
			c.afterPhase(phase)
		}
	}

	res.FinalPhase = model.PhaseDone
	res.Success = true
	res.Classification = model.ClassSucceeded
	metrics.Operations.WithLabelValues(string(dir), string(res.Classification)).Inc()
	c.publish(work, op, model.PhaseDone, true, "operation completed", true)
	log.Info("Scale operation completed")
	return res
}

// loadOrStart resumes a stored unfinished operation of the same direction or starts a new one.
func (c *Controller) loadOrStart(ctx context.Context, id model.ClusterIdentity, dir model.Direction) (*model.ScaleOperation, error) {
	stored, err := statestore.Operation(ctx, c.Store, id)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Phase != model.PhaseDone {
		if stored.Direction == dir {
			stored.Phase = stored.NextPhase()
			slog.Info("Resuming scale operation", "operation", stored.ID, "lastCompleted", stored.LastCompleted, "next", stored.Phase)
			return stored, nil
		}
		slog.Warn("Superseding unfinished operation of the other direction",
			"operation", stored.ID, "direction", stored.Direction, "phase", stored.Phase, "lastCompleted", stored.LastCompleted)
	}

	op := model.NewScaleOperation(id, dir, c.Now())
	if err := statestore.SaveOperation(ctx, c.Store, id, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (c *Controller) failEarly(res model.ScaleOperationResult, err error) model.ScaleOperationResult {
	se := scaleerrors.WithPhase(err, "")
	res.FinalPhase = model.PhaseFailed
	res.Classification = model.ClassFailed
	res.Error = err.Error()
	res.ErrorType = string(se.Type)
	res.Resource = se.Resource
	res.RetrySafe = se.RetrySafe
	slog.Error("Scale operation rejected", "err", err)
	return res
}

func (c *Controller) finishFailed(ctx context.Context, op *model.ScaleOperation, phase model.Phase, err error, res model.ScaleOperationResult) model.ScaleOperationResult {
	se := scaleerrors.WithPhase(err, string(phase))
	op.Fail(phase, err, c.Now())
	if saveErr := statestore.SaveOperation(ctx, c.Store, op.Cluster, op); saveErr != nil {
		slog.Error("Failed to persist failed operation", "operation", op.ID, "err", saveErr)
	}

	res.FinalPhase = model.PhaseFailed
	res.FailedPhase = phase
	res.Classification = model.ClassFailed
	res.Error = se.Error()
	res.ErrorType = string(se.Type)
	res.Resource = se.Resource
	res.RetrySafe = se.RetrySafe
	metrics.Operations.WithLabelValues(string(op.Direction), string(res.Classification)).Inc()
	c.publish(ctx, op, phase, false, se.Error(), true)
	return res
}

func (c *Controller) finishCancelled(ctx context.Context, op *model.ScaleOperation, res model.ScaleOperationResult) model.ScaleOperationResult {
	op.UpdatedAt = c.Now()
	if err := statestore.SaveOperation(ctx, c.Store, op.Cluster, op); err != nil {
		slog.Error("Failed to persist cancelled operation", "operation", op.ID, "err", err)
	}
	res.FinalPhase = op.LastCompleted
	res.Classification = model.ClassCancelled
	res.Error = context.Canceled.Error()
	res.RetrySafe = true
	metrics.Operations.WithLabelValues(string(op.Direction), string(res.Classification)).Inc()
	c.publish(ctx, op, op.LastCompleted, false, "operation cancelled", true)
	return res
}

func (c *Controller) publish(ctx context.Context, op *model.ScaleOperation, phase model.Phase, ok bool, msg string, final bool) {
	if c.Notifier == nil {
		return
	}
	ev := notify.Event{
		Cluster:     op.Cluster.Key(),
		OperationID: op.ID,
		Direction:   op.Direction,
		Phase:       phase,
		Success:     ok,
		Final:       final,
		Message:     msg,
		Time:        c.Now(),
	}
	if err := c.Notifier.Publish(ctx, ev); err != nil {
		slog.Warn("Failed to publish notification", "phase", phase, "err", err)
	}
}

// runPhase runs one phase inside its own span and returns a short human-readable detail.
func (c *Controller) runPhase(ctx context.Context, op *model.ScaleOperation, phase model.Phase, ov Overrides, res *model.ScaleOperationResult) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "phase/"+string(phase))
	defer span.End()

	id := op.Cluster
	switch op.Direction {
	case model.DirectionDown:
		switch phase {
		case model.PhaseInit:
			return c.captureSnapshots(ctx, id)
		case model.PhaseAutoscalerSuspended:
			return c.suspendAutoscaler(ctx, id, res)
		case model.PhaseNodesDrained:
			return c.drainPools(ctx, id, res)
		case model.PhasePoolsScaledDown:
			return c.scalePoolsDown(ctx, id, res)
		case model.PhaseVerified:
			return c.verifyScaledDown(ctx)
		}
	case model.DirectionUp:
		switch phase {
		case model.PhaseInit:
			return c.validateScaleUp(ctx, id, ov, res)
		case model.PhaseWebhooksValidated:
			return c.validateWebhooks(ctx, res)
		case model.PhasePoolsScaledUp:
			return c.scalePoolsUp(ctx, id, ov, res)
		case model.PhaseNodesReady:
			return c.waitNodesReady(ctx)
		case model.PhaseBootstrapVerified:
			return c.verifyBootstrap(ctx)
		case model.PhaseDependenciesStarted:
			return c.startDependencies(ctx, id, res)
		case model.PhaseAutoscalerRestored:
			return c.restoreAutoscaler(ctx, id)
		}
	}
	return "", scaleerrors.New(scaleerrors.InternalError, "operation/"+op.ID, "no handler for phase %s of %s", phase, op.Direction)
}
