package model

import (
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionDown Direction = "down"
	DirectionUp   Direction = "up"
)

type Phase string

const (
	PhaseInit   Phase = "Init"
	PhaseDone   Phase = "Done"
	PhaseFailed Phase = "Failed"
	PhaseIdle   Phase = "Idle"

	PhaseAutoscalerSuspended Phase = "AutoscalerSuspended"
	PhaseNodesDrained        Phase = "NodesDrained"
	PhasePoolsScaledDown     Phase = "PoolsScaledDown"
	PhaseVerified            Phase = "Verified"

	PhaseWebhooksValidated   Phase = "WebhooksValidated"
	PhasePoolsScaledUp       Phase = "PoolsScaledUp"
	PhaseNodesReady          Phase = "NodesReady"
	PhaseBootstrapVerified   Phase = "BootstrapVerified"
	PhaseDependenciesStarted Phase = "DependenciesStarted"
	PhaseAutoscalerRestored  Phase = "AutoscalerRestored"
)

// ScaleDownPhases and ScaleUpPhases list the non-terminal phases in execution order.
var (
	ScaleDownPhases = []Phase{
		PhaseInit,
		PhaseAutoscalerSuspended,
		PhaseNodesDrained,
		PhasePoolsScaledDown,
		PhaseVerified,
	}
	ScaleUpPhases = []Phase{
		PhaseInit,
		PhaseWebhooksValidated,
		PhasePoolsScaledUp,
		PhaseNodesReady,
		PhaseBootstrapVerified,
		PhaseDependenciesStarted,
		PhaseAutoscalerRestored,
	}
)

// PhasesFor returns the phase sequence of a direction.
func PhasesFor(d Direction) []Phase {
	if d == DirectionUp {
		return ScaleUpPhases
	}
	return ScaleDownPhases
}

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

type PhaseResult struct {
	Phase      Phase     `json:"phase"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Skipped    bool      `json:"skipped,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// ScaleOperation is the audit unit of one scale-down or scale-up run. Only the controller
// holding the cluster lease mutates it.
type ScaleOperation struct {
	ID            string                `json:"id"`
	Direction     Direction             `json:"direction"`
	Cluster       ClusterIdentity       `json:"cluster"`
	StartedAt     time.Time             `json:"startedAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
	Phase         Phase                 `json:"phase"`
	LastCompleted Phase                 `json:"lastCompleted,omitempty"`
	PhaseResults  map[Phase]PhaseResult `json:"phaseResults"`
	Error         string                `json:"error,omitempty"`
}

func NewScaleOperation(id ClusterIdentity, d Direction, now time.Time) *ScaleOperation {
	return &ScaleOperation{
		ID:           uuid.NewString(),
		Direction:    d,
		Cluster:      id,
		StartedAt:    now,
		UpdatedAt:    now,
		Phase:        PhaseInit,
		PhaseResults: map[Phase]PhaseResult{},
	}
}

// NextPhase returns the phase that follows LastCompleted, or Done when all phases ran.
func (o *ScaleOperation) NextPhase() Phase {
	phases := PhasesFor(o.Direction)
	if o.LastCompleted == "" {
		return phases[0]
	}
	for i, p := range phases {
		if p == o.LastCompleted {
			if i+1 < len(phases) {
				return phases[i+1]
			}
			return PhaseDone
		}
	}
	return phases[0]
}

// Complete records a finished phase and advances the operation.
func (o *ScaleOperation) Complete(res PhaseResult) {
	if o.PhaseResults == nil {
		o.PhaseResults = map[Phase]PhaseResult{}
	}
	o.PhaseResults[res.Phase] = res
	o.LastCompleted = res.Phase
	o.Phase = o.NextPhase()
	o.UpdatedAt = res.FinishedAt
	o.Error = ""
}

func (o *ScaleOperation) Fail(phase Phase, err error, now time.Time) {
	o.Phase = PhaseFailed
	o.UpdatedAt = now
	o.Error = string(phase) + ": " + err.Error()
}
