// Package notify publishes build completion events to NATS so that
// downstream systems (deploy triggers, chat bots, dashboards) can react
// without polling the run history.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/buildhost/internal/logfields"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// CompletionEvent is the payload published when a build run finishes.
type CompletionEvent struct {
	TaskID    string    `json:"task_id"`
	RunNumber int       `json:"run_number"`
	Branch    string    `json:"branch"`
	Version   string    `json:"version,omitempty"`
	Status    string    `json:"status"`
	Duration  int64     `json:"duration_seconds"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier receives build completion notifications. Implementations must
// tolerate being called from multiple build goroutines.
type Notifier interface {
	BuildCompleted(run *model.BuildRun) error
	Close() error
}

// Noop discards all notifications. Used when notifications are disabled.
type Noop struct{}

func (Noop) BuildCompleted(*model.BuildRun) error { return nil }
func (Noop) Close() error                         { return nil }

// NATSNotifier publishes completion events on a NATS subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

// NewNATSNotifier connects to the given NATS server.
func NewNATSNotifier(url, subject string) (*NATSNotifier, error) {
	if subject == "" {
		return nil, fmt.Errorf("notification subject is required")
	}

	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("NATS notifier initialized", logfields.URL(url), slog.String("subject", subject))

	return &NATSNotifier{conn: conn, subject: subject}, nil
}

// BuildCompleted publishes a completion event for the finished run.
func (n *NATSNotifier) BuildCompleted(run *model.BuildRun) error {
	event := CompletionEvent{
		TaskID:    run.TaskID,
		RunNumber: run.Number,
		Branch:    run.Branch,
		Version:   run.Version,
		Status:    string(run.Status),
		Duration:  run.Timing.TotalDuration,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}

	slog.Debug("published build completion event",
		logfields.TaskID(run.TaskID),
		logfields.RunNumber(run.Number),
		logfields.Status(string(run.Status)))

	return nil
}

// Close drains and closes the NATS connection.
func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
