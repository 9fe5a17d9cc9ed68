// Package drain cordons pool nodes and evicts their pods through the eviction API,
// honouring disruption budgets until a force deadline.
package drain

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	v1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/metrics"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/nodeops"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

const deletePollInterval = time.Second

type Manager struct {
	Client      kubernetes.Interface
	GracePeriod time.Duration
	ForceAfter  time.Duration
	// DeleteTimeout bounds the wait for an evicted pod to disappear.
	DeleteTimeout time.Duration
	Backoff       retry.Policy
	Concurrency   int
	DryRun        bool
	Now           func() time.Time
}

func NewManager(client kubernetes.Interface, cfg config.DrainConfig, dryRun bool) *Manager {
	return &Manager{
		Client:        client,
		GracePeriod:   cfg.GracePeriod,
		ForceAfter:    cfg.ForceAfter,
		DeleteTimeout: cfg.GracePeriod + time.Minute,
		Backoff:       cfg.EvictBackoff,
		Concurrency:   cfg.Concurrency,
		DryRun:        dryRun,
		Now:           time.Now,
	}
}

func (m *Manager) Cordon(ctx context.Context, node string) error {
	if m.DryRun {
		slog.Info("Dry-run: would cordon node", "node", node)
		return nil
	}
	if err := nodeops.CordonNode(ctx, m.Client, node, m.Now()); err != nil {
		return retry.Classify("node/"+node, err)
	}
	slog.Info("Cordoned node", "node", node)
	return nil
}

type podOutcome int

const (
	outcomeGraceful podOutcome = iota
	outcomeForced
	outcomeFailed
)

// Evict removes every evictable pod of node. Pods blocked by a disruption budget are
// retried with backoff until forceAfter has elapsed since Evict started, then deleted with
// zero grace and reported under ForcedEvictions. All pods of the node share that deadline.
func (m *Manager) Evict(ctx context.Context, node string, grace, forceAfter time.Duration) model.EvictionResult {
	res := model.EvictionResult{Node: node, State: model.NodeDraining}

	pods, err := nodeops.ListPodsOnNode(ctx, m.Client, node)
	if err != nil {
		res.State = model.NodeDrainFailed
		res.Error = err.Error()
		return res
	}

	deadline := m.Now().Add(forceAfter)
	var failures []string
	for _, pod := range nodeops.Evictable(pods) {
		ref := pod.Namespace + "/" + pod.Name
		if m.DryRun {
			slog.Info("Dry-run: would evict pod", "node", node, "pod", ref)
			continue
		}
		outcome, err := m.evictPod(ctx, &pod, grace, deadline)
		switch outcome {
		case outcomeGraceful:
			metrics.GracefulEvictions.Inc()
			res.GracefulEvictions = append(res.GracefulEvictions, ref)
		case outcomeForced:
			metrics.ForcedEvictions.Inc()
			res.ForcedEvictions = append(res.ForcedEvictions, ref)
		case outcomeFailed:
			metrics.EvictionFailures.Inc()
			slog.Error("Failed to evict pod; aborting drain due to eviction failure", "node", node, "pod", ref, "err", err)
			failures = append(failures, fmt.Sprintf("%s: %v", ref, err))
		}
	}

	switch {
	case len(failures) > 0:
		res.State = model.NodeDrainFailed
		res.Error = fmt.Sprintf("aborting drain due to eviction failure: %v", failures)
	case len(res.ForcedEvictions) > 0:
		res.State = model.NodeDrainForced
	default:
		res.State = model.NodeDrained
	}
	return res
}

func (m *Manager) evictPod(ctx context.Context, pod *v1.Pod, grace time.Duration, deadline time.Time) (podOutcome, error) {
	backoff := m.Backoff.Backoff()
	backoff.Steps = math.MaxInt32
	graceSeconds := int64(grace / time.Second)

	eviction := &policyv1.Eviction{
		ObjectMeta:    metav1.ObjectMeta{Name: pod.Name, Namespace: pod.Namespace},
		DeleteOptions: &metav1.DeleteOptions{GracePeriodSeconds: &graceSeconds},
	}

	for {
		err := m.Client.PolicyV1().Evictions(pod.Namespace).Evict(ctx, eviction)
		switch {
		case err == nil:
			m.waitForDeletion(ctx, pod)
			return outcomeGraceful, nil
		case apierrors.IsNotFound(err):
			return outcomeGraceful, nil
		case apierrors.IsTooManyRequests(err) || retry.IsTransient(err):
			// A 429 means a disruption budget refused the eviction.
		default:
			return outcomeFailed, err
		}

		remaining := deadline.Sub(m.Now())
		if remaining <= 0 {
			slog.Warn("Disruption budget still blocking eviction after force deadline; deleting pod",
				"pod", pod.Namespace+"/"+pod.Name, "node", pod.Spec.NodeName, "deadline", deadline)
			return m.forceDelete(ctx, pod)
		}

		wait := backoff.Step()
		if wait > remaining {
			wait = remaining
		}
		slog.Debug("Eviction blocked; retrying", "pod", pod.Namespace+"/"+pod.Name, "in", wait, "err", err)
		select {
		case <-ctx.Done():
			return outcomeFailed, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (m *Manager) forceDelete(ctx context.Context, pod *v1.Pod) (podOutcome, error) {
	err := m.Client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To[int64](0),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return outcomeFailed, fmt.Errorf("forced deletion: %w", err)
	}
	return outcomeForced, nil
}

func (m *Manager) waitForDeletion(ctx context.Context, pod *v1.Pod) {
	if m.DeleteTimeout <= 0 {
		return
	}
	err := retry.Poll(ctx, deletePollInterval, m.DeleteTimeout, "pod/"+pod.Namespace+"/"+pod.Name, func(ctx context.Context) (bool, error) {
		cur, err := m.Client.CoreV1().Pods(pod.Namespace).Get(ctx, pod.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		if err != nil {
			return false, nil
		}
		return cur.UID != pod.UID, nil
	})
	if err != nil {
		slog.Warn("Evicted pod still present", "pod", pod.Namespace+"/"+pod.Name, "err", err)
	}
}

// DrainNodes cordons every node before evicting from any of them, so evicted pods are not
// rescheduled onto a node about to go. Evictions then run with bounded concurrency.
// A non-nil error means at least one node ended in drain-failed or could not be cordoned.
func (m *Manager) DrainNodes(ctx context.Context, nodes []string) (model.DrainReport, error) {
	var report model.DrainReport
	tracker := nodeops.NewDrainTracker(nodes)

	for _, n := range nodes {
		if err := m.Cordon(ctx, n); err != nil {
			return report, scaleerrors.Wrap(scaleerrors.DrainFailed, "node/"+n, err)
		}
		if err := tracker.Transition(n, model.NodeCordoned); err != nil {
			return report, scaleerrors.Wrap(scaleerrors.InternalError, "node/"+n, err)
		}
	}

	results := make([]model.EvictionResult, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	if m.Concurrency > 0 {
		g.SetLimit(m.Concurrency)
	}
	for i, n := range nodes {
		g.Go(func() error {
			if err := tracker.Transition(n, model.NodeDraining); err != nil {
				results[i] = model.EvictionResult{Node: n, State: model.NodeDrainFailed, Error: err.Error()}
				return nil
			}
			results[i] = m.Evict(gctx, n, m.GracePeriod, m.ForceAfter)
			if !nodeops.IsTerminalDrainState(results[i].State) {
				results[i].State = model.NodeDrainFailed
				results[i].Error = "drain ended without an outcome"
			}
			if err := tracker.Transition(n, results[i].State); err != nil {
				slog.Error("Unexpected drain state", "node", n, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.Nodes = append(report.Nodes, r)
		report.GracefulEvictions = append(report.GracefulEvictions, r.GracefulEvictions...)
		report.ForcedEvictions = append(report.ForcedEvictions, r.ForcedEvictions...)
	}
	report.Drained = tracker.InState(model.NodeDrained)
	report.Forced = tracker.InState(model.NodeDrainForced)
	report.Failed = tracker.InState(model.NodeDrainFailed)

	if len(report.Failed) > 0 {
		first := report.Failed[0]
		detail := ""
		for _, r := range results {
			if r.Node == first {
				detail = r.Error
			}
		}
		return report, scaleerrors.New(scaleerrors.DrainFailed, "node/"+first, "%d node(s) failed to drain: %s", len(report.Failed), detail)
	}
	return report, nil
}
