// Package fake is an in-memory cloud.Provider for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docent-net/cluster-hibernator/pkg/cloud"
)

type Update struct {
	Pool              string
	Min, Max, Desired int
	At                time.Time
}

// Provider converges every pool SettleAfter describes after an update.
type Provider struct {
	mu          sync.Mutex
	pools       map[string]*pool
	updates     []Update
	SettleAfter int
	// DescribeErr and UpdateErr, when set, are returned for the named pool.
	DescribeErr map[string]error
	UpdateErr   map[string]error
}

type pool struct {
	status  cloud.PoolStatus
	pending int
}

func New() *Provider {
	return &Provider{
		pools:       map[string]*pool{},
		DescribeErr: map[string]error{},
		UpdateErr:   map[string]error{},
	}
}

// Add registers a settled pool.
func (p *Provider) Add(name string, min, max, desired int) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools[name] = &pool{status: cloud.PoolStatus{
		Name: name, MinSize: min, MaxSize: max, DesiredSize: desired, ReadyNodes: desired,
		Status: cloud.StatusActive, Raw: "ACTIVE",
	}}
	return p
}

func (p *Provider) Name() string { return "fake" }

func (p *Provider) Describe(_ context.Context, name string) (cloud.PoolStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.DescribeErr[name]; err != nil {
		return cloud.PoolStatus{}, err
	}
	pl, ok := p.pools[name]
	if !ok {
		return cloud.PoolStatus{}, fmt.Errorf("pool %s not found", name)
	}
	if pl.pending > 0 {
		pl.pending--
		if pl.pending == 0 {
			pl.status.Status = cloud.StatusActive
			pl.status.ReadyNodes = pl.status.DesiredSize
		}
	}
	return pl.status, nil
}

func (p *Provider) Update(_ context.Context, name string, min, max, desired int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.UpdateErr[name]; err != nil {
		return err
	}
	pl, ok := p.pools[name]
	if !ok {
		return fmt.Errorf("pool %s not found", name)
	}
	p.updates = append(p.updates, Update{Pool: name, Min: min, Max: max, Desired: desired, At: time.Now()})
	pl.status.MinSize, pl.status.MaxSize, pl.status.DesiredSize = min, max, desired
	if p.SettleAfter > 0 {
		pl.pending = p.SettleAfter
		pl.status.Status = cloud.StatusUpdating
	} else {
		pl.status.ReadyNodes = desired
	}
	return nil
}

// Updates returns every accepted update in order.
func (p *Provider) Updates() []Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Update(nil), p.updates...)
}

func (p *Provider) Pool(name string) cloud.PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pools[name].status
}
