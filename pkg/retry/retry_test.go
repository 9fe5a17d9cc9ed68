package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/docent-net/cluster-hibernator/pkg/retry"
	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

var fast = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, Factor: 2, MaxInterval: 10 * time.Millisecond, Deadline: time.Second}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), fast, retry.IsTransient, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return apierrors.NewTooManyRequests("slow down", 1)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := retry.Do(context.Background(), fast, nil, func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.EqualError(t, err, "always fails")
	require.Equal(t, 3, attempts)
}

func TestDo_StopsOnNonRetriable(t *testing.T) {
	attempts := 0
	notFound := apierrors.NewNotFound(schema.GroupResource{Resource: "nodes"}, "n1")
	err := retry.Do(context.Background(), fast, retry.IsTransient, func(context.Context) error {
		attempts++
		return notFound
	})
	require.True(t, apierrors.IsNotFound(err))
	require.Equal(t, 1, attempts)
}

func TestPoll_TimeoutIsTyped(t *testing.T) {
	err := retry.Poll(context.Background(), time.Millisecond, 20*time.Millisecond, "pool/a", func(context.Context) (bool, error) {
		return false, nil
	})
	require.True(t, scaleerrors.Is(err, scaleerrors.TimeoutError))
	require.Contains(t, err.Error(), "pool/a")
}

func TestPoll_Done(t *testing.T) {
	calls := 0
	err := retry.Poll(context.Background(), time.Millisecond, time.Second, "x", func(context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	})
	require.NoError(t, err)
}

func TestPoll_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry.Poll(ctx, time.Millisecond, time.Second, "x", func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	require.True(t, retry.IsTransient(apierrors.NewTooManyRequests("x", 1)))
	require.True(t, retry.IsTransient(apierrors.NewConflict(schema.GroupResource{Resource: "nodes"}, "n", errors.New("c"))))
	require.False(t, retry.IsTransient(errors.New("plain")))
	require.False(t, retry.IsTransient(nil))
	require.True(t, scaleerrors.Is(retry.Classify("r", apierrors.NewServerTimeout(schema.GroupResource{}, "get", 1)), scaleerrors.TransientAPIError))
}
