package history

import (
	"log/slog"

	"batchengine/internal/dispatcher"
	"batchengine/pkg/cloudevent"
)

// Event types for terminal job transitions.
const (
	EventTypeCompleted = "batch.job.completed"
	EventTypeFailed    = "batch.job.failed"
	EventTypeStopped   = "batch.job.stopped"
)

// eventType maps a job outcome to its CloudEvent type.
func eventType(outcome string) string {
	switch outcome {
	case "failed":
		return EventTypeFailed
	case "stopped":
		return EventTypeStopped
	default:
		return EventTypeCompleted
	}
}

// Webhook delivers terminal entries to an external URL as signed
// CloudEvents through the async dispatcher. Dispatch problems are
// logged and swallowed; the engine never waits on delivery.
type Webhook struct {
	dispatcher dispatcher.Dispatcher
	url        string
	signingKey string
	source     string
	logger     *slog.Logger
}

// NewWebhook creates a webhook sink.
func NewWebhook(d dispatcher.Dispatcher, url, signingKey string) *Webhook {
	return &Webhook{
		dispatcher: d,
		url:        url,
		signingKey: signingKey,
		source:     "batch-service",
		logger:     slog.With("component", "history-webhook"),
	}
}

// Record wraps the entry as a CloudEvent and queues it for delivery.
func (w *Webhook) Record(e Entry) {
	data := map[string]any{
		"jobId":           e.ID,
		"category":        e.Category,
		"tank":            e.Tank,
		"outcome":         e.Outcome,
		"startedAt":       e.StartedAt,
		"endedAt":         e.EndedAt,
		"durationSeconds": e.Duration,
	}
	if e.Volume > 0 {
		data["volume"] = e.Volume
	}
	if e.Destination > 0 {
		data["destination"] = e.Destination
	}
	if e.Error != "" {
		data["error"] = e.Error
	}

	event := cloudevent.New(eventType(e.Outcome), w.source, e.Category, e.ID, data)

	err := w.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: w.url,
		SigningKey:  w.signingKey,
	})
	if err != nil {
		w.logger.Warn("Failed to queue history event", "jobId", e.ID, "error", err)
	}
}

// Verify Webhook implements Sink
var _ Sink = (*Webhook)(nil)
