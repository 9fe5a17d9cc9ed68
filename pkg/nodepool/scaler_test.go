package nodepool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/docent-net/cluster-hibernator/pkg/cloud/fake"
	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/nodepool"
	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Deadline: time.Second}

func newScaler(p *fake.Provider) *nodepool.Scaler {
	return nodepool.NewScaler(p, config.NodePoolConfig{
		Timeout:         time.Second,
		PollInterval:    time.Millisecond,
		MaxPollFailures: 2,
		Concurrency:     2,
	}, fastPolicy)
}

func TestScaleTo_WaitsForConvergence(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	p.SettleAfter = 3

	require.NoError(t, newScaler(p).ScaleTo(context.Background(), "workers-a", 0, 0, 10))

	st := p.Pool("workers-a")
	require.Equal(t, 0, st.DesiredSize)
	require.True(t, st.Stable())
}

func TestScaleTo_TimesOut(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	p.SettleAfter = 1 << 30

	err := newScaler(p).ScaleTo(context.Background(), "workers-a", 0, 0, 10)
	require.True(t, scaleerrors.Is(err, scaleerrors.TimeoutError))
	require.Contains(t, err.Error(), "pool/workers-a")
}

func TestScaleTo_RejectsInvalidSizing(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	err := newScaler(p).ScaleTo(context.Background(), "workers-a", 11, 0, 10)
	require.True(t, scaleerrors.Is(err, scaleerrors.ConfigurationError))
	require.Empty(t, p.Updates())
}

func TestScaleTo_PollFailuresSurfaceAfterBound(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	s := newScaler(p)
	p.DescribeErr["workers-a"] = errors.New("connection reset")

	err := s.WaitFor(context.Background(), "workers-a", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "poll failed 3 times")
}

func TestScaleTo_TransientUpdateErrorExhausts(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	p.UpdateErr["workers-a"] = apierrors.NewTooManyRequests("throttled", 1)

	err := newScaler(p).ScaleTo(context.Background(), "workers-a", 0, 0, 10)
	require.True(t, scaleerrors.Is(err, scaleerrors.TransientAPIError))
}

func TestCurrentState(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 5)
	snap, err := newScaler(p).CurrentState(context.Background(), "workers-a")
	require.NoError(t, err)
	require.Equal(t, 2, snap.MinSize)
	require.Equal(t, 10, snap.MaxSize)
	require.Equal(t, 5, snap.DesiredSize)
	require.False(t, snap.CapturedAt.IsZero())
}

func TestScaleAll_PerPoolResults(t *testing.T) {
	p := fake.New().
		Add("workers-a", 2, 10, 5).
		Add("workers-b", 0, 4, 0).
		Add("workers-c", 1, 3, 2)
	p.UpdateErr["workers-c"] = errors.New("quota exceeded")

	results, err := newScaler(p).ScaleAll(context.Background(), []nodepool.Target{
		{Pool: "workers-a", Min: 0, Max: 10, Desired: 0},
		{Pool: "workers-b", Min: 0, Max: 4, Desired: 0},
		{Pool: "workers-c", Min: 0, Max: 3, Desired: 0},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "workers-c")
	require.Len(t, results, 3)

	require.False(t, results[0].Skipped)
	require.False(t, results[0].RequestedAt.IsZero())
	require.Empty(t, results[0].Error)

	require.True(t, results[1].Skipped)
	require.Equal(t, "already at target", results[1].Reason)

	require.True(t, results[2].Failed())

	require.Len(t, p.Updates(), 1)
}

func TestScaleAll_OnlyFromZeroSkipsLivePools(t *testing.T) {
	p := fake.New().Add("workers-a", 2, 10, 3)

	results, err := newScaler(p).ScaleAll(context.Background(), []nodepool.Target{
		{Pool: "workers-a", Min: 2, Max: 10, Desired: 5, OnlyFromZero: true},
	})
	require.NoError(t, err)
	require.True(t, results[0].Skipped)
	require.Empty(t, p.Updates())
	require.Equal(t, 3, p.Pool("workers-a").DesiredSize)
}
