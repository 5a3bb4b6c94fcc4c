// Package broker implements the Stream Broker: the at-least-once,
// per-consumer-group message transport that carries task assignments,
// execution results, QA verdicts, and board events between the PM
// orchestrator and the worker fleet.
//
// Stream and consumer-group names are fixed constants so every
// component addresses the same topology without passing strings
// around.
package broker

import (
	"context"
	"time"
)

// Stream names, mirroring the four logical channels of the pipeline.
const (
	StreamTasksQueue   = "tasks:queue"
	StreamTasksResults = "tasks:results"
	StreamTasksQA      = "tasks:qa"
	StreamEventsBoard  = "events:board"
)

// Consumer group names.
const (
	GroupWorkers   = "workers"
	GroupPM        = "pm"
	GroupReviewers = "reviewers"
)

// DefaultBlock is how long Consume waits for a new message before
// returning an empty result.
const DefaultBlock = 5 * time.Second

// DefaultTrimMaxLen bounds the task streams; the board stream is
// trimmed more generously since it feeds UI history.
const (
	DefaultTrimMaxLen      = 1000
	DefaultBoardTrimMaxLen = 5000
)

// Message is a single delivery from a stream, with its broker-assigned
// ID (needed to Ack) and the flattened field payload.
type Message struct {
	ID     string
	Stream string
	Fields map[string]string
}

// Broker is the transport the PM orchestrator and worker agents use to
// exchange task assignments, results, and QA verdicts. Implementations
// must provide at-least-once delivery per consumer group: a message
// stays pending for a consumer until that consumer (or another member
// of the group, after claim) acknowledges it.
type Broker interface {
	// EnsureGroup creates the consumer group on stream if it does not
	// already exist, creating the stream itself if necessary. Calling
	// it again for an existing group is a no-op.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Publish appends a message to stream and returns its broker ID.
	Publish(ctx context.Context, stream string, fields map[string]string) (string, error)

	// Consume reads up to count undelivered messages from stream for
	// group, blocking up to block waiting for at least one. A zero
	// block performs a non-blocking poll. Returns an empty slice, not
	// an error, when nothing is available before the deadline.
	Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error)

	// Ack acknowledges a message as fully processed, removing it from
	// the group's pending entries list.
	Ack(ctx context.Context, stream, group, messageID string) error

	// Trim caps stream length to maxLen, discarding the oldest entries.
	Trim(ctx context.Context, stream string, maxLen int64) error

	// Close releases any underlying connection resources.
	Close() error
}
