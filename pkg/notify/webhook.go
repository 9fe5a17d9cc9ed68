package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Webhook POSTs each event as JSON. The payload carries a text field so Slack-compatible
// incoming webhooks render it without a custom integration.
type Webhook struct {
	URL     string
	Timeout time.Duration
	DryRun  bool
	Client  *http.Client
}

type payload struct {
	Text string `json:"text"`
	Event
}

func Text(ev Event) string {
	status := "ok"
	if !ev.Success {
		status = "FAILED"
	}
	msg := fmt.Sprintf("[%s] %s %s: %s (%s)", ev.Cluster, ev.Direction, ev.OperationID, ev.Phase, status)
	if ev.Message != "" {
		msg += " " + ev.Message
	}
	return msg
}

func (w *Webhook) Publish(ctx context.Context, ev Event) error {
	if w.DryRun {
		slog.Info("Dry-run: would send notification", "url", w.URL, "phase", ev.Phase)
		return nil
	}

	body, err := json.Marshal(payload{Text: Text(ev), Event: ev})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling notification endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("notification request failed: %s: %s", resp.Status, string(b))
	}
	slog.Debug("Notification sent", "phase", ev.Phase, "operation", ev.OperationID)
	return nil
}
