// Package notify delivers the single terminal message a failure chain
// produces. Delivery is best-effort: callers log errors and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// Kinds of terminal notification.
const (
	KindSuccess   = "success"
	KindFailure   = "failure"
	KindUnfixable = "unfixable"
)

// Success reports a chain that ended with a healthy deployment.
type Success struct {
	Project       failure.Project
	Record        failure.Record
	Attempt       failure.FixAttempt
	DeploymentURL string
}

// Failure reports a chain that gave up. Attempts covers the whole chain.
type Failure struct {
	Project  failure.Project
	Record   failure.Record
	Reason   string
	Attempts []failure.FixAttempt
	Reasons  []failure.ReasonEntry
}

// Unfixable reports an environment problem no code change can solve.
type Unfixable struct {
	Project failure.Project
	Record  failure.Record
	Reason  string
	Action  string
}

// Sink receives terminal notifications.
type Sink interface {
	NotifySuccess(ctx context.Context, n Success) error
	NotifyFailure(ctx context.Context, n Failure) error
	NotifyUnfixable(ctx context.Context, n Unfixable) error
}

// Multi fans a notification out to several sinks. Every sink is tried.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out sink. Nil sinks are dropped.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) each(kind string, fn func(Sink) error) error {
	var errs []error
	for _, s := range m.sinks {
		if err := fn(s); err != nil {
			m.logger.Warn("notification failed", "kind", kind, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) NotifySuccess(ctx context.Context, n Success) error {
	return m.each(KindSuccess, func(s Sink) error { return s.NotifySuccess(ctx, n) })
}

func (m *Multi) NotifyFailure(ctx context.Context, n Failure) error {
	return m.each(KindFailure, func(s Sink) error { return s.NotifyFailure(ctx, n) })
}

func (m *Multi) NotifyUnfixable(ctx context.Context, n Unfixable) error {
	return m.each(KindUnfixable, func(s Sink) error { return s.NotifyUnfixable(ctx, n) })
}
