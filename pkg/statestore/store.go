// Package statestore persists the pre-scale-down state of a cluster between the
// scale-down and scale-up invocations, which usually run in separate processes.
//
// Every payload is keyed by (ClusterIdentity, Kind). A write replaces the whole payload of
// one kind atomically; readers never observe a half-written snapshot. A missing payload is
// reported with found=false and is not an error: callers fall back to their defaults.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

type Kind string

const (
	KindNodePools  Kind = "node-pools"
	KindAutoscaler Kind = "autoscaler"
	KindWorkloads  Kind = "workloads"
	KindOperation  Kind = "operation"
)

// Store is a durable key-value backend.
type Store interface {
	Save(ctx context.Context, id model.ClusterIdentity, kind Kind, payload []byte) error
	Load(ctx context.Context, id model.ClusterIdentity, kind Kind) ([]byte, bool, error)
	Close() error
}

// SaveJSON marshals v and saves it under kind.
func SaveJSON(ctx context.Context, s Store, id model.ClusterIdentity, kind Kind, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	if err := s.Save(ctx, id, kind, data); err != nil {
		return fmt.Errorf("save %s for %s: %w", kind, id, err)
	}
	return nil
}

// LoadJSON loads kind into v. found is false when nothing was stored.
func LoadJSON(ctx context.Context, s Store, id model.ClusterIdentity, kind Kind, v any) (bool, error) {
	data, found, err := s.Load(ctx, id, kind)
	if err != nil {
		return false, fmt.Errorf("load %s for %s: %w", kind, id, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s for %s: %w", kind, id, err)
	}
	return true, nil
}

// NodePools returns the stored per-pool snapshots keyed by pool name.
func NodePools(ctx context.Context, s Store, id model.ClusterIdentity) (map[string]model.NodePoolSnapshot, error) {
	pools := map[string]model.NodePoolSnapshot{}
	if _, err := LoadJSON(ctx, s, id, KindNodePools, &pools); err != nil {
		return nil, err
	}
	return pools, nil
}

func SaveNodePools(ctx context.Context, s Store, id model.ClusterIdentity, pools map[string]model.NodePoolSnapshot) error {
	return SaveJSON(ctx, s, id, KindNodePools, pools)
}

// Autoscaler returns the stored autoscaler record, nil when none was stored.
func Autoscaler(ctx context.Context, s Store, id model.ClusterIdentity) (*model.AutoscalerState, error) {
	var st model.AutoscalerState
	found, err := LoadJSON(ctx, s, id, KindAutoscaler, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func SaveAutoscaler(ctx context.Context, s Store, id model.ClusterIdentity, st model.AutoscalerState) error {
	return SaveJSON(ctx, s, id, KindAutoscaler, st)
}

// Workloads returns stored tier workload snapshots keyed by workload ref.
func Workloads(ctx context.Context, s Store, id model.ClusterIdentity) (map[string]model.WorkloadSnapshot, error) {
	w := map[string]model.WorkloadSnapshot{}
	if _, err := LoadJSON(ctx, s, id, KindWorkloads, &w); err != nil {
		return nil, err
	}
	return w, nil
}

func SaveWorkloads(ctx context.Context, s Store, id model.ClusterIdentity, w map[string]model.WorkloadSnapshot) error {
	return SaveJSON(ctx, s, id, KindWorkloads, w)
}

// Operation returns the last recorded operation, nil when none.
func Operation(ctx context.Context, s Store, id model.ClusterIdentity) (*model.ScaleOperation, error) {
	var op model.ScaleOperation
	found, err := LoadJSON(ctx, s, id, KindOperation, &op)
	if err != nil || !found {
		return nil, err
	}
	return &op, nil
}

func SaveOperation(ctx context.Context, s Store, id model.ClusterIdentity, op *model.ScaleOperation) error {
	return SaveJSON(ctx, s, id, KindOperation, op)
}
