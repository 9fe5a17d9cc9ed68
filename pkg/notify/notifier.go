// Package notify publishes hibernation progress to an external sink.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/docent-net/cluster-hibernator/pkg/config"
	"github.com/docent-net/cluster-hibernator/pkg/model"
)

const (
	ModeDisabled = "disabled"
	ModeWebhook  = "webhook"
)

type Event struct {
	Cluster     string          `json:"cluster"`
	OperationID string          `json:"operationId"`
	Direction   model.Direction `json:"direction"`
	Phase       model.Phase     `json:"phase"`
	Success     bool            `json:"success"`
	Final       bool            `json:"final"`
	Message     string          `json:"message,omitempty"`
	Time        time.Time       `json:"time"`
}

type Notifier interface {
	Publish(ctx context.Context, ev Event) error
}

// NewFromConfig picks the notifier for cfg.Notify.Mode. An unknown mode falls back to
// disabled with a warning so a typo never blocks an operation.
func NewFromConfig(cfg *config.Config) Notifier {
	switch cfg.Notify.Mode {
	case "", ModeDisabled:
		return &Noop{}
	case ModeWebhook:
		return &Webhook{
			URL:     cfg.Notify.URL,
			Timeout: cfg.Notify.Timeout,
			DryRun:  cfg.DryRun,
		}
	default:
		slog.Warn("Unknown notify mode, notifications disabled", "mode", cfg.Notify.Mode)
		return &Noop{}
	}
}

type Noop struct{}

func (n *Noop) Publish(_ context.Context, ev Event) error {
	slog.Debug("Notification skipped, mode=disabled", "phase", ev.Phase, "operation", ev.OperationID)
	return nil
}
