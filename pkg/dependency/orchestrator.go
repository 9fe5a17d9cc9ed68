// Package dependency sequences tiered workloads: dependents are stopped before the tiers
// they rely on during scale-down, and started after them during scale-up.
package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	hretry "github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
)

type Orchestrator struct {
	Client       kubernetes.Interface
	Store        statestore.Store
	Graph        Graph
	Tiers        map[string]config.Tier
	TierLabel    string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	DryRun       bool

	declared []config.Tier
}

func NewOrchestrator(client kubernetes.Interface, store statestore.Store, cfg config.DependencyConfig, dryRun bool) *Orchestrator {
	tiers := make(map[string]config.Tier, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers[t.Name] = t
	}
	return &Orchestrator{
		Client:       client,
		Store:        store,
		Graph:        NewGraph(cfg.Tiers),
		Tiers:        tiers,
		TierLabel:    cfg.TierLabel,
		ReadyTimeout: cfg.ReadyTimeout,
		PollInterval: cfg.PollInterval,
		DryRun:       dryRun,
		declared:     cfg.Tiers,
	}
}

// Validate checks the configured tiers before anything is stopped or started.
func (o *Orchestrator) Validate() error {
	return ValidateTiers(o.declared)
}

// workload is a Deployment or StatefulSet reduced to its replica fields.
type workload struct {
	kind      string
	namespace string
	name      string
	desired   int32
	ready     int32
	current   int32
}

func (w workload) ref() string {
	return w.kind + "/" + w.namespace + "/" + w.name
}

func (o *Orchestrator) namespaces(tier string) []string {
	if ns := o.Tiers[tier].Namespaces; len(ns) > 0 {
		return ns
	}
	return []string{metav1.NamespaceAll}
}

func (o *Orchestrator) list(ctx context.Context, tier string) ([]workload, error) {
	selector := metav1.ListOptions{LabelSelector: o.TierLabel + "=" + tier}
	var out []workload
	for _, ns := range o.namespaces(tier) {
		deps, err := o.Client.AppsV1().Deployments(ns).List(ctx, selector)
		if err != nil {
			return nil, hretry.Classify("tier/"+tier, err)
		}
		for _, d := range deps.Items {
			out = append(out, workload{
				kind: KindDeployment, namespace: d.Namespace, name: d.Name,
				desired: replicas(d.Spec.Replicas), ready: d.Status.ReadyReplicas, current: d.Status.Replicas,
			})
		}
		sts, err := o.Client.AppsV1().StatefulSets(ns).List(ctx, selector)
		if err != nil {
			return nil, hretry.Classify("tier/"+tier, err)
		}
		for _, s := range sts.Items {
			out = append(out, workload{
				kind: KindStatefulSet, namespace: s.Namespace, name: s.Name,
				desired: replicas(s.Spec.Replicas), ready: s.Status.ReadyReplicas, current: s.Status.Replicas,
			})
		}
	}
	return out, nil
}

func replicas(p *int32) int32 {
	if p == nil {
		return 1
	}
	return *p
}

func (o *Orchestrator) scale(ctx context.Context, w workload, n int32) error {
	if o.DryRun {
		slog.Info("Dry-run: would scale workload", "workload", w.ref(), "replicas", n)
		return nil
	}
	apps := o.Client.AppsV1()
	err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		switch w.kind {
		case KindDeployment:
			d, err := apps.Deployments(w.namespace).Get(ctx, w.name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			d.Spec.Replicas = &n
			_, err = apps.Deployments(w.namespace).Update(ctx, d, metav1.UpdateOptions{})
			return err
		case KindStatefulSet:
			s, err := apps.StatefulSets(w.namespace).Get(ctx, w.name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			s.Spec.Replicas = &n
			_, err = apps.StatefulSets(w.namespace).Update(ctx, s, metav1.UpdateOptions{})
			return err
		}
		return fmt.Errorf("unsupported kind %q", w.kind)
	})
	if err != nil {
		return hretry.Classify(w.ref(), fmt.Errorf("scale to %d: %w", n, err))
	}
	return nil
}

// Stop scales every tier to zero, dependents first, recording replica counts so Start can
// restore them. A workload already at zero keeps the count recorded by an earlier run.
func (o *Orchestrator) Stop(ctx context.Context, id model.ClusterIdentity) ([]model.TierResult, error) {
	if len(o.Graph) == 0 {
		return nil, nil
	}
	order, err := o.Graph.Order()
	if err != nil {
		return nil, err
	}
	snapshots, err := statestore.Workloads(ctx, o.Store, id)
	if err != nil {
		return nil, err
	}

	var results []model.TierResult
	for _, tier := range Reverse(order) {
		res := model.TierResult{Tier: tier}
		workloads, err := o.list(ctx, tier)
		if err != nil {
			res.Error = err.Error()
			return append(results, res), err
		}

		for _, w := range workloads {
			res.Workloads = append(res.Workloads, w.ref())
			if w.desired > 0 {
				snapshots[w.ref()] = model.WorkloadSnapshot{Tier: tier, Namespace: w.namespace, Kind: w.kind, Name: w.name, Replicas: w.desired}
			}
		}
		if err := statestore.SaveWorkloads(ctx, o.Store, id, snapshots); err != nil {
			res.Error = err.Error()
			return append(results, res), err
		}

		for _, w := range workloads {
			if w.desired == 0 {
				continue
			}
			if err := o.scale(ctx, w, 0); err != nil {
				res.Error = err.Error()
				return append(results, res), err
			}
			slog.Info("Stopped workload", "tier", tier, "workload", w.ref(), "replicas", w.desired)
		}

		if err := o.wait(ctx, tier, func(w workload) bool { return w.current == 0 }); err != nil {
			res.Error = err.Error()
			return append(results, res), err
		}
		res.Ready = true
		results = append(results, res)
	}
	return results, nil
}

// Start restores recorded replica counts tier by tier, dependencies first, and waits for
// each tier to be ready before starting the next. A tier that times out halts the walk;
// tiers already started are left running.
func (o *Orchestrator) Start(ctx context.Context, id model.ClusterIdentity) ([]model.TierResult, error) {
	if len(o.Graph) == 0 {
		return nil, nil
	}
	order, err := o.Graph.Order()
	if err != nil {
		return nil, err
	}
	slog.Debug("Starting dependency tiers", "graph", o.Graph.String(), "order", order)
	snapshots, err := statestore.Workloads(ctx, o.Store, id)
	if err != nil {
		return nil, err
	}

	var results []model.TierResult
	for _, tier := range order {
		res := model.TierResult{Tier: tier}
		workloads, err := o.list(ctx, tier)
		if err != nil {
			res.Error = err.Error()
			return append(results, res), err
		}

		for _, w := range workloads {
			res.Workloads = append(res.Workloads, w.ref())
			if w.desired > 0 {
				continue
			}
			snap, ok := snapshots[w.ref()]
			if !ok || snap.Replicas == 0 {
				slog.Warn("No recorded replica count for stopped workload; leaving it at zero", "tier", tier, "workload", w.ref())
				continue
			}
			if err := o.scale(ctx, w, snap.Replicas); err != nil {
				res.Error = err.Error()
				return append(results, res), err
			}
			slog.Info("Started workload", "tier", tier, "workload", w.ref(), "replicas", snap.Replicas)
		}

		if err := o.wait(ctx, tier, func(w workload) bool { return w.ready >= w.desired }); err != nil {
			res.Error = err.Error()
			slog.Error("Tier did not become ready; later tiers not started", "tier", tier, "err", err)
			return append(results, res), err
		}
		res.Ready = true
		results = append(results, res)
		slog.Info("Tier ready", "tier", tier)
	}
	return results, nil
}

func (o *Orchestrator) wait(ctx context.Context, tier string, done func(workload) bool) error {
	if o.DryRun {
		return nil
	}
	return hretry.Poll(ctx, o.PollInterval, o.ReadyTimeout, "tier/"+tier, func(ctx context.Context) (bool, error) {
		workloads, err := o.list(ctx, tier)
		if err != nil {
			slog.Debug("Failed to list tier workloads", "tier", tier, "err", err)
			return false, nil
		}
		for _, w := range workloads {
			if !done(w) {
				return false, nil
			}
		}
		return true, nil
	})
}
