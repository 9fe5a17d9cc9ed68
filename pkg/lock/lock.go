// Package lock serializes scale operations per cluster with a renewable lease.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/docent-net/cluster-hibernator/pkg/model"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
	"github.com/docent-net/cluster-hibernator/pkg/statestore"
)

// Locker hands out at most one live Lease per cluster.
type Locker interface {
	Acquire(ctx context.Context, id model.ClusterIdentity, holder string) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

// KubeLease implements Locker on coordination.k8s.io Leases.
type KubeLease struct {
	Client    kubernetes.Interface
	Namespace string
	TTL       time.Duration
	Now       func() time.Time
}

func NewKubeLease(client kubernetes.Interface, namespace string, ttl time.Duration) *KubeLease {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &KubeLease{Client: client, Namespace: namespace, TTL: ttl, Now: time.Now}
}

func (k *KubeLease) Acquire(ctx context.Context, id model.ClusterIdentity, holder string) (Lease, error) {
	name := statestore.ObjectName("hibernator-", id)
	leases := k.Client.CoordinationV1().Leases(k.Namespace)
	now := metav1.NewMicroTime(k.Now())
	seconds := int32(k.TTL / time.Second)

	existing, err := leases.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		l := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.Namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       ptr.To(holder),
				LeaseDurationSeconds: ptr.To(seconds),
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		if _, err := leases.Create(ctx, l, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return nil, scaleerrors.New(scaleerrors.LockHeld, name, "lease created concurrently by another holder")
			}
			return nil, fmt.Errorf("create lease: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("fetch lease: %w", err)
	default:
		// A live lease blocks every caller, its own holder included: runs in one process share
		// a holder identity.
		current := ptr.Deref(existing.Spec.HolderIdentity, "")
		if current != "" && !k.expired(existing) {
			return nil, scaleerrors.New(scaleerrors.LockHeld, name, "held by %s", current)
		}
		if current != "" {
			slog.Warn("Taking over expired lease", "lease", name, "previousHolder", current)
		}
		updated := existing.DeepCopy()
		updated.Spec.HolderIdentity = ptr.To(holder)
		updated.Spec.LeaseDurationSeconds = ptr.To(seconds)
		updated.Spec.AcquireTime = &now
		updated.Spec.RenewTime = &now
		if _, err := leases.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
			if apierrors.IsConflict(err) {
				return nil, scaleerrors.New(scaleerrors.LockHeld, name, "lease changed while acquiring")
			}
			return nil, fmt.Errorf("update lease: %w", err)
		}
	}

	l := &kubeLease{locker: k, name: name, holder: holder, done: make(chan struct{})}
	go l.renew()
	slog.Info("Acquired cluster lease", "lease", name, "holder", holder, "cluster", id.Key())
	return l, nil
}

func (k *KubeLease) expired(l *coordinationv1.Lease) bool {
	if l.Spec.RenewTime == nil || l.Spec.LeaseDurationSeconds == nil {
		return true
	}
	deadline := l.Spec.RenewTime.Add(time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second)
	return k.Now().After(deadline)
}

type kubeLease struct {
	locker *KubeLease
	name   string
	holder string
	once   sync.Once
	done   chan struct{}
}

// renew refreshes RenewTime every TTL/3 until Release.
func (l *kubeLease) renew() {
	ticker := time.NewTicker(l.locker.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.locker.TTL/3)
			err := l.touch(ctx)
			cancel()
			if err != nil {
				slog.Warn("Failed to renew cluster lease", "lease", l.name, "err", err)
			}
		}
	}
}

func (l *kubeLease) touch(ctx context.Context) error {
	leases := l.locker.Client.CoordinationV1().Leases(l.locker.Namespace)
	cur, err := leases.Get(ctx, l.name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	if ptr.Deref(cur.Spec.HolderIdentity, "") != l.holder {
		return fmt.Errorf("lease now held by %s", ptr.Deref(cur.Spec.HolderIdentity, ""))
	}
	now := metav1.NewMicroTime(l.locker.Now())
	updated := cur.DeepCopy()
	updated.Spec.RenewTime = &now
	_, err = leases.Update(ctx, updated, metav1.UpdateOptions{})
	return err
}

func (l *kubeLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.done)
		leases := l.locker.Client.CoordinationV1().Leases(l.locker.Namespace)
		cur, getErr := leases.Get(ctx, l.name, metav1.GetOptions{})
		if apierrors.IsNotFound(getErr) {
			return
		}
		if getErr != nil {
			err = getErr
			return
		}
		if ptr.Deref(cur.Spec.HolderIdentity, "") != l.holder {
			return
		}
		err = leases.Delete(ctx, l.name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			err = nil
		}
	})
	return err
}

// Memory is a process-local Locker.
type Memory struct {
	mu   sync.Mutex
	held map[string]string
}

func NewMemory() *Memory {
	return &Memory{held: map[string]string{}}
}

func (m *Memory) Acquire(_ context.Context, id model.ClusterIdentity, holder string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.held[id.Key()]; ok {
		return nil, scaleerrors.New(scaleerrors.LockHeld, id.Key(), "held by %s", cur)
	}
	m.held[id.Key()] = holder
	return &memoryLease{m: m, key: id.Key(), holder: holder}, nil
}

// Held reports whether the cluster lease is currently taken.
func (m *Memory) Held(id model.ClusterIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[id.Key()]
	return ok
}

type memoryLease struct {
	m      *Memory
	key    string
	holder string
	once   sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if l.m.held[l.key] == l.holder {
			delete(l.m.held, l.key)
		}
	})
	return nil
}
