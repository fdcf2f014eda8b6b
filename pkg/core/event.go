package core

import (
	"context"
	"time"
)

// EventType identifies a semantic event emitted while a pipeline runs.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepRetry     EventType = "step.retry"
	EventStepFailed    EventType = "step.failed"
)

// Event captures a semantic logging event.
type Event struct {
	Type      EventType
	RunID     string
	Role      string
	StepIndex int
	Timestamp time.Time
	Payload   map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time. Run-level events use
// a StepIndex of -1.
func NewEvent(eventType EventType, runID, role string, stepIndex int, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		RunID:     runID,
		Role:      role,
		StepIndex: stepIndex,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
