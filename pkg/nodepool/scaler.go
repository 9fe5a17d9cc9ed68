// Package nodepool issues resize requests to node pools and waits for them to converge.
package nodepool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docent-net/cluster-hibernator/pkg/cloud"
	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/metrics"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

// Target is the requested sizing of one pool.
type Target struct {
	Pool    string
	Min     int
	Max     int
	Desired int
	// OnlyFromZero skips the pool unless it currently reports desired=0.
	OnlyFromZero bool
}

type Scaler struct {
	Provider        cloud.Provider
	Policy          retry.Policy
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollFailures int
	Concurrency     int
	// DryRun skips waiting for convergence; the provider is expected to only log updates.
	DryRun bool
	Now    func() time.Time
}

func NewScaler(p cloud.Provider, cfg config.NodePoolConfig, policy retry.Policy) *Scaler {
	return &Scaler{
		Provider:        p,
		Policy:          policy,
		Timeout:         cfg.Timeout,
		PollInterval:    cfg.PollInterval,
		MaxPollFailures: cfg.MaxPollFailures,
		Concurrency:     cfg.Concurrency,
		Now:             time.Now,
	}
}

func resourceName(pool string) string {
	return "pool/" + pool
}

// CurrentState describes a pool, retrying transient errors.
func (s *Scaler) CurrentState(ctx context.Context, pool string) (model.NodePoolSnapshot, error) {
	st, err := s.describe(ctx, pool)
	if err != nil {
		return model.NodePoolSnapshot{}, err
	}
	return model.NodePoolSnapshot{
		Pool:        pool,
		MinSize:     st.MinSize,
		MaxSize:     st.MaxSize,
		DesiredSize: st.DesiredSize,
		CapturedAt:  s.Now(),
	}, nil
}

func (s *Scaler) describe(ctx context.Context, pool string) (cloud.PoolStatus, error) {
	var st cloud.PoolStatus
	err := retry.Do(ctx, s.Policy, retry.IsTransient, func(ctx context.Context) error {
		var err error
		st, err = s.Provider.Describe(ctx, pool)
		return err
	})
	return st, retry.Classify(resourceName(pool), err)
}

// ScaleTo requests the new sizing and blocks until the pool reports it stable.
func (s *Scaler) ScaleTo(ctx context.Context, pool string, desired, min, max int) error {
	if min > desired || desired > max {
		return scaleerrors.New(scaleerrors.ConfigurationError, resourceName(pool), "invalid sizing min=%d desired=%d max=%d", min, desired, max)
	}

	err := retry.Do(ctx, s.Policy, retry.IsTransient, func(ctx context.Context) error {
		return s.Provider.Update(ctx, pool, min, max, desired)
	})
	if err != nil {
		return retry.Classify(resourceName(pool), err)
	}
	slog.Info("Requested node pool resize", "pool", pool, "min", min, "max", max, "desired", desired)
	if s.DryRun {
		return nil
	}

	return s.WaitFor(ctx, pool, desired)
}

// WaitFor polls until the pool reports desired and a stable status. Consecutive describe
// failures beyond MaxPollFailures surface immediately.
func (s *Scaler) WaitFor(ctx context.Context, pool string, desired int) error {
	failures := 0
	return retry.Poll(ctx, s.PollInterval, s.Timeout, resourceName(pool), func(ctx context.Context) (bool, error) {
		st, err := s.Provider.Describe(ctx, pool)
		if err != nil {
			failures++
			slog.Warn("Failed to poll node pool", "pool", pool, "failures", failures, "err", err)
			if failures > s.MaxPollFailures {
				return false, retry.Classify(resourceName(pool), fmt.Errorf("poll failed %d times: %w", failures, err))
			}
			return false, nil
		}
		failures = 0
		if st.Status == cloud.StatusError {
			return false, scaleerrors.New(scaleerrors.InternalError, resourceName(pool), "pool entered error status %q", st.Raw)
		}
		slog.Debug("Polled node pool", "pool", st.String())
		return st.DesiredSize == desired && st.Stable(), nil
	})
}

// ScaleAll scales every target with bounded concurrency. It always returns one result per
// target, in target order, so callers can retry only the pools that failed. The returned
// error is the first failure in target order, nil when every pool succeeded or was skipped.
func (s *Scaler) ScaleAll(ctx context.Context, targets []Target) ([]model.PoolResult, error) {
	results := make([]model.PoolResult, len(targets))
	errs := make([]error, len(targets))

	g, ctx := errgroup.WithContext(ctx)
	if s.Concurrency > 0 {
		g.SetLimit(s.Concurrency)
	}
	for i, t := range targets {
		g.Go(func() error {
			results[i], errs[i] = s.scaleOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *Scaler) scaleOne(ctx context.Context, t Target) (model.PoolResult, error) {
	res := model.PoolResult{Pool: t.Pool, Desired: t.Desired, Min: t.Min, Max: t.Max}

	cur, err := s.describe(ctx, t.Pool)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	if cur.MinSize == t.Min && cur.MaxSize == t.Max && cur.DesiredSize == t.Desired && cur.Stable() {
		slog.Debug("Node pool already at target", "pool", t.Pool)
		res.Skipped = true
		res.Reason = "already at target"
		return res, nil
	}
	if t.OnlyFromZero && cur.DesiredSize != 0 {
		slog.Warn("Skipping node pool not in scaled-down state", "pool", t.Pool, "desired", cur.DesiredSize)
		res.Skipped = true
		res.Reason = fmt.Sprintf("current desired size is %d, expected 0", cur.DesiredSize)
		return res, nil
	}

	res.RequestedAt = s.Now()
	metrics.PoolScaleRequests.WithLabelValues(t.Pool).Inc()
	if err := s.ScaleTo(ctx, t.Pool, t.Desired, t.Min, t.Max); err != nil {
		metrics.PoolScaleFailures.WithLabelValues(t.Pool).Inc()
		slog.Error("Node pool scale failed", "pool", t.Pool, "err", err)
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}
