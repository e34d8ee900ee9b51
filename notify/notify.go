// Package notify announces pipeline run events to external sinks.
//
// Core types:
//   - Notifier: Interface for sending notifications
//   - Event: Run event with type, repo, message, and metadata
//
// Implementations:
//   - SlackNotifier: Sends notifications to Slack webhooks
//   - WebhookNotifier: Sends notifications to generic webhooks
//   - LogNotifier: Logs notifications (for testing/debugging)
//   - MultiNotifier: Combines multiple notifiers
//   - NopNotifier: No-op notifier (for testing)
package notify

import (
	"context"
	"time"
)

// EventType represents the type of run event.
type EventType string

// Event type constants.
const (
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"
	EventPRCreated    EventType = "pr_created"
	EventRepoSkipped  EventType = "repo_skipped"
	EventCIFailed     EventType = "ci_failed"
)

// Severity constants for notifications.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Event describes a run event for notification.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Repo      string         `json:"repo,omitempty"`
	PRURL     string         `json:"pr_url,omitempty"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Notifier sends notifications about run events.
type Notifier interface {
	// Notify sends a notification. Implementations should handle errors
	// gracefully; a failed notification never fails the run.
	Notify(ctx context.Context, event Event) error
}
