// Package scaleerrors classifies the failures a hibernation run can surface.
package scaleerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the failure class. It decides retry behaviour and whether a halted
// operation can be re-run in place.
type Type string

const (
	// ConfigurationError is fatal and never retried.
	ConfigurationError Type = "ConfigurationError"
	// TransientAPIError is retried with bounded backoff by the component that saw it.
	TransientAPIError Type = "TransientAPIError"
	// TimeoutError means a bounded wait expired. The operation halts but can be resumed.
	TimeoutError Type = "TimeoutError"
	// BootstrapDeadlockRisk is fatal unless the caller overrides it.
	BootstrapDeadlockRisk Type = "BootstrapDeadlockRisk"
	// OrphanedWebhook is only raised when remediation of an orphaned webhook failed.
	OrphanedWebhook Type = "OrphanedWebhook"
	// DrainFailed means a node could not be drained even by force.
	DrainFailed Type = "DrainFailed"
	// LockHeld means another operation holds the cluster lease.
	LockHeld Type = "LockHeld"
	// InternalError covers everything else.
	InternalError Type = "InternalError"
)

// ScaleError carries the failure class and the sub-resource it concerns.
type ScaleError struct {
	Type      Type
	Phase     string
	Resource  string
	RetrySafe bool
	Err       error
}

func (e *ScaleError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Phase != "" {
		b.WriteString(" in phase ")
		b.WriteString(e.Phase)
	}
	if e.Resource != "" {
		b.WriteString(" [")
		b.WriteString(e.Resource)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ScaleError) Unwrap() error {
	return e.Err
}

// New builds a ScaleError from a formatted message.
func New(t Type, resource string, format string, args ...any) *ScaleError {
	return &ScaleError{Type: t, Resource: resource, RetrySafe: defaultRetrySafe(t), Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a type to err. An err that already carries a ScaleError keeps its type.
func Wrap(t Type, resource string, err error) error {
	if err == nil {
		return nil
	}
	var se *ScaleError
	if errors.As(err, &se) {
		return err
	}
	return &ScaleError{Type: t, Resource: resource, RetrySafe: defaultRetrySafe(t), Err: err}
}

// WithPhase returns a copy of err annotated with the phase it failed in.
func WithPhase(err error, phase string) *ScaleError {
	var se *ScaleError
	if errors.As(err, &se) {
		cp := *se
		if cp.Phase == "" {
			cp.Phase = phase
		}
		return &cp
	}
	return &ScaleError{Type: InternalError, Phase: phase, Err: err}
}

// TypeOf returns the class of err, InternalError when it carries none.
func TypeOf(err error) Type {
	var se *ScaleError
	if errors.As(err, &se) {
		return se.Type
	}
	return InternalError
}

func Is(err error, t Type) bool {
	return err != nil && TypeOf(err) == t
}

// defaultRetrySafe reports whether re-running the failed phase in place is safe
// without manual inspection.
func defaultRetrySafe(t Type) bool {
	switch t {
	case TransientAPIError, TimeoutError, LockHeld:
		return true
	default:
		return false
	}
}
