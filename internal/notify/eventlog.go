package notify

import (
	"context"
	"fmt"
	"strings"
)

// EventStore records audit events.
type EventStore interface {
	LogEvent(ctx context.Context, failureID, event string, attempt int, detail string) error
}

// EventLog writes each notification to the heal event trail.
type EventLog struct {
	store EventStore
}

// NewEventLog creates an EventLog sink.
func NewEventLog(store EventStore) *EventLog {
	return &EventLog{store: store}
}

func (e *EventLog) NotifySuccess(ctx context.Context, n Success) error {
	return e.store.LogEvent(ctx, n.Record.ID, "notified_"+KindSuccess, n.Attempt.AttemptNumber, n.DeploymentURL)
}

func (e *EventLog) NotifyFailure(ctx context.Context, n Failure) error {
	causes := make([]string, 0, len(n.Attempts))
	for _, a := range n.Attempts {
		causes = append(causes, fmt.Sprintf("#%d %s", a.AttemptNumber, a.RootCause))
	}
	detail := n.Reason
	if len(causes) > 0 {
		detail += ": " + strings.Join(causes, "; ")
	}
	return e.store.LogEvent(ctx, n.Record.ID, "notified_"+KindFailure, n.Record.AttemptCount, detail)
}

func (e *EventLog) NotifyUnfixable(ctx context.Context, n Unfixable) error {
	return e.store.LogEvent(ctx, n.Record.ID, "notified_"+KindUnfixable, n.Record.AttemptCount, n.Reason+": "+n.Action)
}
