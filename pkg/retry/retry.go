// Package retry is the bounded retry and polling policy shared by every component
// that talks to the cloud or cluster API.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/docent-net/cluster-hibernator/pkg/scaleerrors"
)

// Policy bounds a retry loop by attempt count, backoff schedule and an overall deadline.
type Policy struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	Factor          float64       `yaml:"factor"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Deadline        time.Duration `yaml:"deadline"`
}

// DefaultPolicy is 5 attempts starting at 500ms, doubling, capped at 30s.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	Factor:          2.0,
	MaxInterval:     30 * time.Second,
	Deadline:        2 * time.Minute,
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.Factor < 1 {
		p.Factor = DefaultPolicy.Factor
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultPolicy.MaxInterval
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultPolicy.Deadline
	}
	return p
}

// Backoff converts the policy to an apimachinery backoff.
func (p Policy) Backoff() wait.Backoff {
	p = p.WithDefaults()
	return wait.Backoff{
		Duration: p.InitialInterval,
		Factor:   p.Factor,
		Steps:    p.MaxAttempts,
		Cap:      p.MaxInterval,
	}
}

// Do calls fn until it succeeds, returns an error retriable rejects, the attempts run out
// or the policy deadline passes. The last error from fn is returned on exhaustion.
func Do(ctx context.Context, p Policy, retriable func(error) bool, fn func(context.Context) error) error {
	p = p.WithDefaults()
	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, p.Backoff(), func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if retriable != nil && !retriable(lastErr) {
			return false, lastErr
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil && (wait.Interrupted(err) || errors.Is(err, lastErr)) {
		return lastErr
	}
	return err
}

// Poll evaluates cond every interval until it reports done or timeout elapses.
// Expiry is returned as a TimeoutError naming resource.
func Poll(ctx context.Context, interval, timeout time.Duration, resource string, cond func(context.Context) (bool, error)) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, cond)
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ctx.Err()
		}
		return scaleerrors.New(scaleerrors.TimeoutError, resource, "condition not met within %s", timeout)
	}
	return err
}

// IsTransient reports whether err is worth retrying: throttling, server timeouts,
// conflicts and errors already classified as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if scaleerrors.Is(err, scaleerrors.TransientAPIError) {
		return true
	}
	return apierrors.IsTooManyRequests(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsConflict(err) ||
		apierrors.IsServiceUnavailable(err) ||
		apierrors.IsInternalError(err)
}

// Classify wraps a non-nil API error as TransientAPIError or InternalError.
func Classify(resource string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return scaleerrors.Wrap(scaleerrors.TransientAPIError, resource, err)
	}
	return scaleerrors.Wrap(scaleerrors.InternalError, resource, fmt.Errorf("%w", err))
}
