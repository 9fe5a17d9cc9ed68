// Package autoscaler suspends the cluster's autonomous node scaler for the duration of a
// hibernation so it cannot race explicit pool resizes.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/model"
	hretry "github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

type Resolver struct {
	Client     kubernetes.Interface
	Store      statestore.Store
	Candidates []config.WorkloadRef
	DryRun     bool
	Now        func() time.Time
}

func NewResolver(client kubernetes.Interface, store statestore.Store, cfg config.AutoscalerConfig, dryRun bool) *Resolver {
	return &Resolver{Client: client, Store: store, Candidates: cfg.Candidates, DryRun: dryRun, Now: time.Now}
}

// Detect checks the candidate Deployments in order and returns the first one present,
// nil when the cluster runs no autoscaler.
func (r *Resolver) Detect(ctx context.Context) (*model.AutoscalerState, error) {
	for _, c := range r.Candidates {
		d, err := r.Client.AppsV1().Deployments(c.Namespace).Get(ctx, c.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			slog.Debug("Autoscaler candidate not present", "namespace", c.Namespace, "name", c.Name)
			continue
		}
		if err != nil {
			return nil, hretry.Classify("deployment/"+c.Namespace+"/"+c.Name, err)
		}
		return &model.AutoscalerState{
			Namespace:        d.Namespace,
			Name:             d.Name,
			OriginalReplicas: replicasOf(d),
		}, nil
	}
	return nil, nil
}

func replicasOf(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}

// Suspend records the original replica count and then scales the autoscaler to zero.
// A stored suspended record for the same controller is kept as is: its original count is
// never overwritten by the zero the controller now reports.
func (r *Resolver) Suspend(ctx context.Context, id model.ClusterIdentity, st model.AutoscalerState) (model.AutoscalerState, error) {
	stored, err := statestore.Autoscaler(ctx, r.Store, id)
	if err != nil {
		return model.AutoscalerState{}, err
	}

	if stored != nil && stored.Suspended && stored.Ref() == st.Ref() {
		slog.Info("Autoscaler already suspended", "autoscaler", st.Ref(), "originalReplicas", stored.OriginalReplicas)
		if err := r.scale(ctx, st.Namespace, st.Name, 0); err != nil {
			return model.AutoscalerState{}, err
		}
		return *stored, nil
	}

	st.Suspended = true
	st.SuspendedAt = r.Now()
	if err := statestore.SaveAutoscaler(ctx, r.Store, id, st); err != nil {
		return model.AutoscalerState{}, err
	}
	if err := r.scale(ctx, st.Namespace, st.Name, 0); err != nil {
		return model.AutoscalerState{}, err
	}
	slog.Info("Suspended autoscaler", "autoscaler", st.Ref(), "originalReplicas", st.OriginalReplicas)
	return st, nil
}

// Restore scales the stored autoscaler back to its original replica count. Nothing stored,
// or a record that is no longer suspended, is a no-op.
func (r *Resolver) Restore(ctx context.Context, id model.ClusterIdentity) (*model.AutoscalerState, error) {
	stored, err := statestore.Autoscaler(ctx, r.Store, id)
	if err != nil {
		return nil, err
	}
	if stored == nil || !stored.Suspended {
		slog.Info("No suspended autoscaler to restore", "cluster", id.Key())
		return stored, nil
	}

	err = r.scale(ctx, stored.Namespace, stored.Name, stored.OriginalReplicas)
	if apierrors.IsNotFound(err) {
		slog.Warn("Suspended autoscaler no longer exists; clearing record", "autoscaler", stored.Ref())
	} else if err != nil {
		return nil, err
	}

	stored.Suspended = false
	if err := statestore.SaveAutoscaler(ctx, r.Store, id, *stored); err != nil {
		return nil, err
	}
	slog.Info("Restored autoscaler", "autoscaler", stored.Ref(), "replicas", stored.OriginalReplicas)
	return stored, nil
}

func (r *Resolver) scale(ctx context.Context, namespace, name string, replicas int32) error {
	if r.DryRun {
		slog.Info("Dry-run: would scale autoscaler", "namespace", namespace, "name", name, "replicas", replicas)
		return nil
	}
	deployments := r.Client.AppsV1().Deployments(namespace)
	err := retry.OnError(retry.DefaultBackoff, hretry.IsTransient, func() error {
		d, err := deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		if replicasOf(d) == replicas {
			return nil
		}
		updated := d.DeepCopy()
		updated.Spec.Replicas = &replicas
		_, err = deployments.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if apierrors.IsNotFound(err) {
		return err
	}
	if err != nil {
		return hretry.Classify("deployment/"+namespace+"/"+name, fmt.Errorf("scale to %d: %w", replicas, err))
	}
	return nil
}
