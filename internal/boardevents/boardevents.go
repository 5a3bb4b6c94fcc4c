// Package boardevents fans out task state transitions to every
// interested observer: the external events:board stream (for
// durable, cross-process consumers like a dashboard's own worker) and
// an in-process pubsub.Broker for same-process observers such as an
// SSE handler in the API layer.
package boardevents

import (
	"context"

	"github.com/forgefleet/conductor/internal/broker"
	"github.com/forgefleet/conductor/internal/logx"
	"github.com/forgefleet/conductor/internal/pubsub"
)

// BoardEvent is published on every state-machine transition, per the
// task_transition event shape.
type BoardEvent struct {
	Event     string `json:"event"`
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Actor     string `json:"actor"`
}

// Publisher fans BoardEvents out to the stream broker and to local
// subscribers. Stream publish failures are logged, never returned:
// board visibility is best-effort and must not block a transition.
type Publisher struct {
	b     broker.Broker
	local *pubsub.Broker[BoardEvent]
}

// NewPublisher wraps b (nil-able, for embedded mode with no external
// stream) and creates a fresh in-process broker for local subscribers.
func NewPublisher(b broker.Broker) *Publisher {
	return &Publisher{b: b, local: pubsub.NewBroker[BoardEvent]()}
}

// Publish fans out ev. Call this after a state-machine transition
// commits, never before — observers must only see transitions that
// actually happened.
func (p *Publisher) Publish(ctx context.Context, ev BoardEvent) {
	p.local.Publish(pubsub.CreatedEvent, ev)

	if p.b == nil {
		return
	}

	fields := map[string]string{
		"event":      ev.Event,
		"task_id":    ev.TaskID,
		"project_id": ev.ProjectID,
		"from":       ev.From,
		"to":         ev.To,
		"actor":      ev.Actor,
	}
	if _, err := p.b.Publish(ctx, broker.StreamEventsBoard, fields); err != nil {
		logx.ErrorErr(logx.CatBoard, "publish board event", err, "task_id", ev.TaskID)
	}
}

// Subscribe returns a channel of board events for a same-process
// observer (e.g. an SSE handler). The channel closes when ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) <-chan pubsub.Event[BoardEvent] {
	return p.local.Subscribe(ctx)
}

// Trim caps the external board stream at approximately maxLen entries.
func (p *Publisher) Trim(ctx context.Context, maxLen int64) error {
	if p.b == nil {
		return nil
	}
	return p.b.Trim(ctx, broker.StreamEventsBoard, maxLen)
}
