package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/docent-net/cluster-hibernator/pkg/bootstrap"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/nodeops"
	"github.com/docent-net/cluster-hibernator/pkg/nodepool"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

// captureSnapshots records the sizing of every pool that is still running. A pool already at
// zero keeps the snapshot an earlier scale-down took, so a repeated run never records zero
// as the size to restore.
func (c *Controller) captureSnapshots(ctx context.Context, id model.ClusterIdentity) (string, error) {
	if err := c.Dependencies.Validate(); err != nil {
		return "", err
	}
	snaps, err := statestore.NodePools(ctx, c.Store, id)
	if err != nil {
		return "", err
	}

	captured := 0
	for _, pool := range c.Pools {
		cur, err := c.Scaler.CurrentState(ctx, pool)
		if err != nil {
			return "", err
		}
		if cur.DesiredSize > 0 {
			snaps[pool] = cur
			captured++
			continue
		}
		if _, ok := snaps[pool]; !ok {
			slog.Warn("Node pool already at zero with no snapshot; scale-up will need an override", "pool", pool)
		}
	}

	if err := statestore.SaveNodePools(ctx, c.Store, id, snaps); err != nil {
		return "", err
	}
	return fmt.Sprintf("captured %d of %d pool snapshots", captured, len(c.Pools)), nil
}

func (c *Controller) suspendAutoscaler(ctx context.Context, id model.ClusterIdentity, res *model.ScaleOperationResult) (string, error) {
	st, err := c.Autoscaler.Detect(ctx)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "no autoscaler detected", nil
	}
	suspended, err := c.Autoscaler.Suspend(ctx, id, *st)
	if err != nil {
		return "", err
	}
	res.AutoscalerSuspendedAt = suspended.SuspendedAt
	return fmt.Sprintf("suspended %s (was %d replicas)", suspended.Ref(), suspended.OriginalReplicas), nil
}

// drainPools stops dependency tiers, dependents first, then drains every node of the pools.
// When some nodes end in drain-failed, pools whose nodes all drained are scaled down here and
// the phase still fails; the failed pools keep their cordoned nodes and a retry drains them.
func (c *Controller) drainPools(ctx context.Context, id model.ClusterIdentity, res *model.ScaleOperationResult) (string, error) {
	tiers, err := c.Dependencies.Stop(ctx, id)
	res.Tiers = tiers
	if err != nil {
		return "", err
	}

	list, err := nodeops.ListPoolNodes(ctx, c.Client, c.PoolLabelKey, c.Pools)
	if err != nil {
		return "", err
	}
	nodes := nodeops.WrapNodes(list, c.PoolLabelKey)
	names := nodeops.Names(nodes)

	report, err := c.Drain.DrainNodes(ctx, names)
	res.Drain = report
	if err != nil {
		if len(report.Failed) == 0 {
			return "", err
		}
		c.scaleDrainedPools(ctx, id, nodes, report, res)
		return "", err
	}
	return fmt.Sprintf("drained %d node(s), %d graceful and %d forced eviction(s)",
		len(names), len(report.GracefulEvictions), len(report.ForcedEvictions)), nil
}

// scaleDrainedPools scales down every pool without a drain-failed node and records the
// others as failed pool results.
func (c *Controller) scaleDrainedPools(ctx context.Context, id model.ClusterIdentity, nodes []*nodeops.NodeWrapper, report model.DrainReport, res *model.ScaleOperationResult) {
	nodeErrs := map[string]string{}
	for _, r := range report.Nodes {
		if r.State == model.NodeDrainFailed {
			nodeErrs[r.Node] = r.Error
		}
	}
	failed := map[string]string{}
	for _, n := range nodes {
		if e, ok := nodeErrs[n.Name]; ok {
			if _, seen := failed[n.Pool]; !seen {
				failed[n.Pool] = fmt.Sprintf("drain-failed on node %s: %s", n.Name, e)
			}
		}
	}

	var drained []string
	for _, pool := range c.Pools {
		if _, ok := failed[pool]; !ok {
			drained = append(drained, pool)
		}
	}
	slog.Warn("Drain failed on some pools; scaling down the rest", "failed", len(failed), "drained", drained)

	var results []model.PoolResult
	if len(drained) > 0 {
		targets, err := c.downTargets(ctx, id, drained)
		if err != nil {
			slog.Error("Failed to size drained pools", "err", err)
		} else {
			results, err = c.Scaler.ScaleAll(ctx, targets)
			if err != nil {
				slog.Error("Failed to scale down drained pools", "err", err)
			}
		}
	}
	for _, pool := range c.Pools {
		if reason, ok := failed[pool]; ok {
			results = append(results, model.PoolResult{Pool: pool, Error: reason})
		}
	}
	res.Pools = results
}

// downTargets sizes pools to zero, keeping the recorded maximum.
func (c *Controller) downTargets(ctx context.Context, id model.ClusterIdentity, pools []string) ([]nodepool.Target, error) {
	snaps, err := statestore.NodePools(ctx, c.Store, id)
	if err != nil {
		return nil, err
	}

	targets := make([]nodepool.Target, 0, len(pools))
	for _, pool := range pools {
		maxSize := 0
		if snap, ok := snaps[pool]; ok {
			maxSize = snap.MaxSize
		} else {
			cur, err := c.Scaler.CurrentState(ctx, pool)
			if err != nil {
				return nil, err
			}
			maxSize = cur.MaxSize
		}
		targets = append(targets, nodepool.Target{Pool: pool, Min: 0, Max: maxSize, Desired: 0})
	}
	return targets, nil
}

func (c *Controller) scalePoolsDown(ctx context.Context, id model.ClusterIdentity, res *model.ScaleOperationResult) (string, error) {
	targets, err := c.downTargets(ctx, id, c.Pools)
	if err != nil {
		return "", err
	}
	results, err := c.Scaler.ScaleAll(ctx, targets)
	res.Pools = results
	if err != nil {
		return "", err
	}
	return summarizePools(results), nil
}

// verifyScaledDown polls until every pool reports desired zero and none of its nodes is Ready.
func (c *Controller) verifyScaledDown(ctx context.Context) (string, error) {
	if c.DryRun {
		return "dry-run: verification skipped", nil
	}
	err := retry.Poll(ctx, c.PollInterval, c.ReadyTimeout, "cluster", func(ctx context.Context) (bool, error) {
		for _, pool := range c.Pools {
			st, err := c.Scaler.CurrentState(ctx, pool)
			if err != nil {
				return false, err
			}
			if st.DesiredSize != 0 {
				slog.Debug("Pool not yet at zero", "pool", pool, "desired", st.DesiredSize)
				return false, nil
			}
		}
		nodes, err := nodeops.ListPoolNodes(ctx, c.Client, c.PoolLabelKey, c.Pools)
		if err != nil {
			slog.Debug("Failed to list pool nodes", "err", err)
			return false, nil
		}
		for pool, n := range nodeops.CountReady(nodeops.WrapNodes(nodes, c.PoolLabelKey)) {
			if n > 0 {
				slog.Debug("Pool still has Ready nodes", "pool", pool, "ready", n)
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d pool(s) at zero", len(c.Pools)), nil
}

// upTargets derives scale-up sizing from the stored snapshots, or from the override.
func (c *Controller) upTargets(ctx context.Context, id model.ClusterIdentity, ov Overrides) ([]nodepool.Target, error) {
	snaps, err := statestore.NodePools(ctx, c.Store, id)
	if err != nil {
		return nil, err
	}

	targets := make([]nodepool.Target, 0, len(c.Pools))
	for _, pool := range c.Pools {
		snap, ok := snaps[pool]
		switch {
		case ov.MinNodesPerPool != nil:
			n := *ov.MinNodesPerPool
			targets = append(targets, nodepool.Target{Pool: pool, Min: n, Max: max(snap.MaxSize, n), Desired: n, OnlyFromZero: true})
		case ok:
			targets = append(targets, nodepool.Target{
				Pool: pool, Min: snap.MinSize, Max: snap.MaxSize, Desired: snap.DesiredSize, OnlyFromZero: true,
			})
		default:
			return nil, scaleerrors.New(scaleerrors.ConfigurationError, "pool/"+pool,
				"no snapshot recorded and no --min-nodes override given")
		}
	}
	return targets, nil
}

// validateScaleUp rejects a scale-up before anything is mutated: an invalid tier graph,
// missing snapshots without an override, or an override below the bootstrap floor.
func (c *Controller) validateScaleUp(ctx context.Context, id model.ClusterIdentity, ov Overrides, res *model.ScaleOperationResult) (string, error) {
	if err := c.Dependencies.Validate(); err != nil {
		return "", err
	}
	if ov.MinNodesPerPool != nil && *ov.MinNodesPerPool < 0 {
		return "", scaleerrors.New(scaleerrors.ConfigurationError, "override", "min nodes per pool must not be negative, got %d", *ov.MinNodesPerPool)
	}
	targets, err := c.upTargets(ctx, id, ov)
	if err != nil {
		return "", err
	}

	req, err := bootstrap.RequiredMinimum(c.Bootstrap)
	if err != nil {
		return "", err
	}
	res.Bootstrap = &req

	// The floor applies to the whole cluster, so a per-pool override counts once per pool.
	total := 0
	for _, t := range targets {
		total += t.Desired
	}
	switch {
	case ov.MinNodesPerPool == nil:
		if total < req.MinimumNodes {
			slog.Warn("Restored snapshot sizing is below the bootstrap floor", "nodes", total, "minimum", req.MinimumNodes)
		}
	case ov.IgnoreBootstrapRisk:
		slog.Warn("Bootstrap floor check overridden", "perPool", *ov.MinNodesPerPool, "nodes", total, "minimum", req.MinimumNodes)
	default:
		if err := bootstrap.Validate(total, req); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d pool target(s), bootstrap minimum %d node(s)", len(targets), req.MinimumNodes), nil
}

func (c *Controller) validateWebhooks(ctx context.Context, res *model.ScaleOperationResult) (string, error) {
	records, err := c.Webhooks.Scan(ctx)
	if err != nil {
		return "", err
	}
	res.Webhooks = records
	removed, err := c.Webhooks.RemediateAll(ctx, records)
	res.RemediatedWebhooks = removed
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d record(s), %d orphaned registration(s) removed", len(records), len(removed)), nil
}

func (c *Controller) scalePoolsUp(ctx context.Context, id model.ClusterIdentity, ov Overrides, res *model.ScaleOperationResult) (string, error) {
	targets, err := c.upTargets(ctx, id, ov)
	if err != nil {
		return "", err
	}
	results, err := c.Scaler.ScaleAll(ctx, targets)
	res.Pools = results
	if err != nil {
		return "", err
	}
	return summarizePools(results), nil
}

// waitNodesReady polls until each pool has as many Ready nodes as its desired size, then
// uncordons nodes this tool cordoned that came back.
func (c *Controller) waitNodesReady(ctx context.Context) (string, error) {
	if c.DryRun {
		return "dry-run: readiness wait skipped", nil
	}

	want := map[string]int{}
	for _, pool := range c.Pools {
		st, err := c.Scaler.CurrentState(ctx, pool)
		if err != nil {
			return "", err
		}
		want[pool] = st.DesiredSize
	}

	var nodes []*nodeops.NodeWrapper
	err := retry.Poll(ctx, c.PollInterval, c.ReadyTimeout, "cluster", func(ctx context.Context) (bool, error) {
		list, err := nodeops.ListPoolNodes(ctx, c.Client, c.PoolLabelKey, c.Pools)
		if err != nil {
			slog.Debug("Failed to list pool nodes", "err", err)
			return false, nil
		}
		nodes = nodeops.WrapNodes(list, c.PoolLabelKey)
		ready := nodeops.CountReady(nodes)
		for _, pool := range c.Pools {
			if ready[pool] < want[pool] {
				slog.Debug("Waiting for Ready nodes", "pool", pool, "ready", ready[pool], "want", want[pool])
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	uncordoned := 0
	for _, n := range nodes {
		if !n.IsCordonedByUs() {
			continue
		}
		if err := nodeops.UncordonNode(ctx, c.Client, n.Name); err != nil {
			return "", retry.Classify("node/"+n.Name, err)
		}
		uncordoned++
	}

	pools := make([]string, 0, len(want))
	for p, n := range want {
		pools = append(pools, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(pools)
	return fmt.Sprintf("ready %v, %d node(s) uncordoned", pools, uncordoned), nil
}

func (c *Controller) verifyBootstrap(ctx context.Context) (string, error) {
	if c.DryRun {
		return "dry-run: bootstrap verification skipped", nil
	}
	if err := bootstrap.Verify(ctx, c.Client, c.Bootstrap, c.Bootstrap.VerifyTimeout); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d system workload(s) ready", len(c.Bootstrap.SystemWorkloads)), nil
}

func (c *Controller) startDependencies(ctx context.Context, id model.ClusterIdentity, res *model.ScaleOperationResult) (string, error) {
	tiers, err := c.Dependencies.Start(ctx, id)
	res.Tiers = tiers
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d tier(s) started", len(tiers)), nil
}

func (c *Controller) restoreAutoscaler(ctx context.Context, id model.ClusterIdentity) (string, error) {
	st, err := c.Autoscaler.Restore(ctx, id)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "no autoscaler recorded", nil
	}
	return fmt.Sprintf("restored %s to %d replicas", st.Ref(), st.OriginalReplicas), nil
}

func summarizePools(results []model.PoolResult) string {
	scaled, skipped := 0, 0
	for _, r := range results {
		if r.Skipped {
			skipped++
		} else {
			scaled++
		}
	}
	return fmt.Sprintf("%d pool(s) resized, %d skipped", scaled, skipped)
}
