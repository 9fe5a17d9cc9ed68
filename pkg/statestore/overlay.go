package statestore

import (
	"context"

	"github.com/docent-net/cluster-hibernator/pkg/model"
)

// Overlay reads through to Base but keeps every write in memory. Dry runs use it so they
// see the real snapshots without ever replacing them.
type Overlay struct {
	Base   Store
	writes *Memory
}

func NewOverlay(base Store) *Overlay {
	return &Overlay{Base: base, writes: NewMemory()}
}

func (o *Overlay) Save(ctx context.Context, id model.ClusterIdentity, kind Kind, payload []byte) error {
	return o.writes.Save(ctx, id, kind, payload)
}

func (o *Overlay) Load(ctx context.Context, id model.ClusterIdentity, kind Kind) ([]byte, bool, error) {
	if data, found, _ := o.writes.Load(ctx, id, kind); found {
		return data, true, nil
	}
	return o.Base.Load(ctx, id, kind)
}

func (o *Overlay) Close() error {
	return o.Base.Close()
}
