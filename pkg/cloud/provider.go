// Package cloud adapts node-pool APIs to the two calls hibernation needs: describe a pool
// and set its min/max/desired sizes.
package cloud

import (
	"context"
	"fmt"
)

// Normalized pool statuses reported by every provider.
const (
	StatusActive   = "active"
	StatusUpdating = "updating"
	StatusError    = "error"
)

type PoolStatus struct {
	Name        string
	MinSize     int
	MaxSize     int
	DesiredSize int
	ReadyNodes  int
	// Status is one of the normalized statuses; Raw keeps the provider's own value.
	Status string
	Raw    string
}

// Stable reports whether the provider considers the last resize finished.
func (s PoolStatus) Stable() bool {
	return s.Status == StatusActive
}

func (s PoolStatus) String() string {
	return fmt.Sprintf("%s min=%d max=%d desired=%d ready=%d status=%s", s.Name, s.MinSize, s.MaxSize, s.DesiredSize, s.ReadyNodes, s.Raw)
}

// Provider is the cloud node-pool API.
type Provider interface {
	Name() string
	Describe(ctx context.Context, pool string) (PoolStatus, error)
	// Update requests new bounds and desired size. It returns once the request is accepted.
	Update(ctx context.Context, pool string, min, max, desired int) error
}
