package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker used by tests and by embedded
// mode, where running a Redis instance would be overkill. It
// reproduces the delivery semantics that matter: once-per-group
// delivery, a pending list per (stream, group) until Ack, and FIFO
// ordering within a stream. Pending messages are never redelivered.
type MemoryBroker struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
}

type memEntry struct {
	id     string
	fields map[string]string
}

type memGroup struct {
	cursor  int // index into entries of the next undelivered message
	pending map[string]memEntry
}

// NewMemoryBroker returns an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{streams: make(map[string]*memStream)}
}

func (b *MemoryBroker) stream(name string) *memStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		b.streams[name] = s
	}
	return s
}

func (b *MemoryBroker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]memEntry)}
	}
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	id := fmt.Sprintf("%d-0", len(s.entries)+1)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, memEntry{id: id, fields: cp})
	return id, nil
}

func (b *MemoryBroker) Consume(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}

	deadline := time.Now().Add(block)
	for {
		msgs := b.tryConsume(stream, group, count)
		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
	}
}

func (b *MemoryBroker) tryConsume(stream, group string, count int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{pending: make(map[string]memEntry)}
		s.groups[group] = g
	}

	var out []Message
	for len(out) < count && g.cursor < len(s.entries) {
		e := s.entries[g.cursor]
		g.cursor++
		g.pending[e.id] = e
		out = append(out, Message{ID: e.id, Stream: stream, Fields: e.fields})
	}
	return out
}

func (b *MemoryBroker) Ack(_ context.Context, stream, group, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if g, ok := s.groups[group]; ok {
		delete(g.pending, messageID)
	}
	return nil
}

func (b *MemoryBroker) Trim(_ context.Context, stream string, maxLen int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if int64(len(s.entries)) <= maxLen {
		return nil
	}
	drop := int64(len(s.entries)) - maxLen
	s.entries = s.entries[drop:]
	for _, g := range s.groups {
		g.cursor -= int(drop)
		if g.cursor < 0 {
			g.cursor = 0
		}
	}
	return nil
}

func (b *MemoryBroker) Close() error { return nil }

// NewConsumerName returns a unique per-process consumer identity,
// suitable for XREADGROUP's consumer name.
func NewConsumerName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
