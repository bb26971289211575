package audit

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxEvents bounds the in-memory log.
const DefaultMaxEvents = 10000

// MemoryAuditLogger keeps events in memory in arrival order, dropping the
// oldest once maxEvents is reached. Reads return newest first.
type MemoryAuditLogger struct {
	mu        sync.RWMutex
	events    []*AuditEvent
	maxEvents int
}

// MemoryAuditLoggerOption configures a MemoryAuditLogger.
type MemoryAuditLoggerOption func(*MemoryAuditLogger)

// WithMaxEvents sets the retention bound. Non-positive values are ignored.
func WithMaxEvents(max int) MemoryAuditLoggerOption {
	return func(m *MemoryAuditLogger) {
		if max > 0 {
			m.maxEvents = max
		}
	}
}

// NewMemoryAuditLogger creates an empty in-memory audit log.
func NewMemoryAuditLogger(opts ...MemoryAuditLoggerOption) *MemoryAuditLogger {
	m := &MemoryAuditLogger{maxEvents: DefaultMaxEvents}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryAuditLogger) Log(_ context.Context, event *AuditEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, copyEvent(event))
	if over := len(m.events) - m.maxEvents; over > 0 {
		m.events = slices.Delete(m.events, 0, over)
	}
	return nil
}

// newest yields retained events newest first. Caller holds m.mu.
func (m *MemoryAuditLogger) newest() iter.Seq[*AuditEvent] {
	return func(yield func(*AuditEvent) bool) {
		for _, e := range slices.Backward(m.events) {
			if !yield(e) {
				return
			}
		}
	}
}

func (m *MemoryAuditLogger) List(_ context.Context, opts ListOptions) ([]*AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	skip, limit := max(opts.Offset, 0), normalizeLimit(opts.Limit)
	out := make([]*AuditEvent, 0, min(limit, len(m.events)))
	total := 0
	for e := range m.newest() {
		if !opts.matches(e) {
			continue
		}
		total++
		if total > skip && len(out) < limit {
			out = append(out, copyEvent(e))
		}
	}
	return out, total, nil
}

func (m *MemoryAuditLogger) GetByResource(_ context.Context, resourceType, resourceID string) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEvent
	for e := range m.newest() {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			out = append(out, copyEvent(e))
		}
	}
	return out, nil
}

// Len returns the number of retained events.
func (m *MemoryAuditLogger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (o ListOptions) matches(e *AuditEvent) bool {
	switch {
	case o.Actor != "" && e.Actor != o.Actor,
		o.Action != "" && e.Action != o.Action,
		o.ResourceType != "" && e.ResourceType != o.ResourceType,
		o.Since != nil && e.Timestamp.Before(*o.Since),
		o.Until != nil && e.Timestamp.After(*o.Until):
		return false
	}
	return true
}

// copyEvent detaches e from the stored slice, including its change maps.
func copyEvent(e *AuditEvent) *AuditEvent {
	c := *e
	if e.Changes != nil {
		c.Changes = &Changes{
			Before: maps.Clone(e.Changes.Before),
			After:  maps.Clone(e.Changes.After),
		}
	}
	return &c
}
