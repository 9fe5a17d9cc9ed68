package model

import "time"

// Classification is the success/failure class of a finished operation.
type Classification string

const (
	ClassSucceeded Classification = "succeeded"
	ClassFailed    Classification = "failed"
	ClassCancelled Classification = "cancelled"
)

type NodeDrainState string

const (
	NodeSchedulable NodeDrainState = "schedulable"
	NodeCordoned    NodeDrainState = "cordoned"
	NodeDraining    NodeDrainState = "draining"
	NodeDrained     NodeDrainState = "drained"
	NodeDrainForced NodeDrainState = "drain-forced"
	NodeDrainFailed NodeDrainState = "drain-failed"
)

// EvictionResult is the outcome of draining one node.
type EvictionResult struct {
	Node              string         `json:"node"`
	State             NodeDrainState `json:"state"`
	GracefulEvictions []string       `json:"gracefulEvictions,omitempty"`
	ForcedEvictions   []string       `json:"forcedEvictions,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// DrainReport aggregates per-node results of a drain phase.
type DrainReport struct {
	Drained           []string         `json:"drained,omitempty"`
	Forced            []string         `json:"forced,omitempty"`
	Failed            []string         `json:"failed,omitempty"`
	GracefulEvictions []string         `json:"gracefulEvictions,omitempty"`
	ForcedEvictions   []string         `json:"forcedEvictions,omitempty"`
	Nodes             []EvictionResult `json:"nodes,omitempty"`
}

// PoolResult is the per-pool outcome of a scale request.
type PoolResult struct {
	Pool        string    `json:"pool"`
	Desired     int       `json:"desired"`
	Min         int       `json:"min"`
	Max         int       `json:"max"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (p PoolResult) Failed() bool {
	return p.Error != ""
}

// TierResult is the per-tier outcome of dependency sequencing.
type TierResult struct {
	Tier      string   `json:"tier"`
	Workloads []string `json:"workloads,omitempty"`
	Ready     bool     `json:"ready"`
	Error     string   `json:"error,omitempty"`
}

// ScaleOperationResult is returned to callers of ScaleDown and ScaleUp.
type ScaleOperationResult struct {
	Operation      *ScaleOperation `json:"operation"`
	FinalPhase     Phase           `json:"finalPhase"`
	FailedPhase    Phase           `json:"failedPhase,omitempty"`
	Success        bool            `json:"success"`
	Classification Classification  `json:"classification"`
	Error          string          `json:"error,omitempty"`
	ErrorType      string          `json:"errorType,omitempty"`
	Resource       string          `json:"resource,omitempty"`
	RetrySafe      bool            `json:"retrySafe"`

	AutoscalerSuspendedAt time.Time             `json:"autoscalerSuspendedAt,omitempty"`
	Drain                 DrainReport           `json:"drain"`
	Pools                 []PoolResult          `json:"pools,omitempty"`
	RemediatedWebhooks    []string              `json:"remediatedWebhooks,omitempty"`
	Webhooks              []WebhookHealthRecord `json:"webhooks,omitempty"`
	Bootstrap             *BootstrapRequirement `json:"bootstrap,omitempty"`
	Tiers                 []TierResult          `json:"tiers,omitempty"`
}
