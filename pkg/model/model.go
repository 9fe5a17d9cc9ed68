// Package model holds the entities shared by every hibernation component: cluster identity,
// the snapshots captured on scale-down and the ScaleOperation audit record.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ClusterIdentity namespaces all persisted state. It is immutable once an operation starts.
type ClusterIdentity struct {
	Name    string `json:"name" yaml:"name"`
	Region  string `json:"region" yaml:"region"`
	Account string `json:"account" yaml:"account"`
}

// Key returns the stable storage key for the cluster ("account/region/name").
func (c ClusterIdentity) Key() string {
	return strings.Join([]string{c.Account, c.Region, c.Name}, "/")
}

func (c ClusterIdentity) String() string {
	return c.Key()
}

func (c ClusterIdentity) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("cluster name is required")
	}
	if strings.Contains(c.Name, "/") || strings.Contains(c.Region, "/") || strings.Contains(c.Account, "/") {
		return fmt.Errorf("cluster identity fields must not contain '/': %q", c.Key())
	}
	return nil
}

// NodePoolSnapshot is the pre-scale-down sizing of one pool.
type NodePoolSnapshot struct {
	Pool        string    `json:"pool"`
	MinSize     int       `json:"minSize"`
	MaxSize     int       `json:"maxSize"`
	DesiredSize int       `json:"desiredSize"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// IsScaledDown reports whether the pool matches the state scale-down leaves behind.
func (s NodePoolSnapshot) IsScaledDown() bool {
	return s.DesiredSize == 0
}

// AutoscalerState records the suspended autonomous node scaler.
type AutoscalerState struct {
	Namespace        string    `json:"namespace"`
	Name             string    `json:"name"`
	OriginalReplicas int32     `json:"originalReplicas"`
	Suspended        bool      `json:"suspended"`
	SuspendedAt      time.Time `json:"suspendedAt,omitempty"`
}

func (a AutoscalerState) Ref() string {
	return a.Namespace + "/" + a.Name
}

// WorkloadSnapshot is the replica count of a tier workload stopped during scale-down.
type WorkloadSnapshot struct {
	Tier      string `json:"tier"`
	Namespace string `json:"namespace"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Replicas  int32  `json:"replicas"`
}

func (w WorkloadSnapshot) Ref() string {
	return w.Kind + "/" + w.Namespace + "/" + w.Name
}

type WebhookKind string

const (
	WebhookValidating WebhookKind = "validating"
	WebhookMutating   WebhookKind = "mutating"
)

type WebhookHealth string

const (
	WebhookHealthy  WebhookHealth = "healthy"
	WebhookOrphaned WebhookHealth = "orphaned"
	WebhookAbsent   WebhookHealth = "absent"
)

// WebhookHealthRecord is derived on every scale-up and never persisted.
type WebhookHealthRecord struct {
	Name                string        `json:"name"`
	Kind                WebhookKind   `json:"kind,omitempty"`
	Class               string        `json:"class"`
	ControllerNamespace string        `json:"controllerNamespace"`
	ControllerPods      int           `json:"controllerPods"`
	FailurePolicy       string        `json:"failurePolicy,omitempty"`
	Health              WebhookHealth `json:"health"`
}

// Classify derives the record health from its registration and pod count.
func Classify(registered bool, pods int) WebhookHealth {
	switch {
	case !registered:
		return WebhookAbsent
	case pods > 0:
		return WebhookHealthy
	default:
		return WebhookOrphaned
	}
}

// BootstrapRequirement is the computed node floor for system workloads.
type BootstrapRequirement struct {
	MinimumNodes int      `json:"minimumNodes"`
	Reasoning    []string `json:"reasoning"`
}
