package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskwire/internal/frame"
)

// Record is the persisted, denormalized view of one or more consecutive
// events. A record covers a run of events sharing type and agent;
// Contents holds one coerced string per event so replay can split the
// run back into the original events. This layout is the durability
// contract read by history viewers and auditing tools.
type Record struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	FirstSeq  int64       `json:"first_seq"`
	LastSeq   int64       `json:"last_seq"`
	Type      frame.Type  `json:"type"`
	Agent     string      `json:"agent,omitempty"`
	Contents  []string   `json:"contents"`
	CreatedAt time.Time  `json:"created_at"`
}

// Backend persists and retrieves records. Implementations must keep
// records for one task ordered by FirstSeq on read.
type Backend interface {
	WriteRecords(ctx context.Context, records []Record) error
	ReadRecords(ctx context.Context, taskID string, fromSeq int64) ([]Record, error)
	Close() error
}

// ErrPersistenceUnavailable wraps backend write failures. Callers retry
// the flush or degrade to in-memory-only serving; the buffered backlog
// is retained either way.
var ErrPersistenceUnavailable = errors.New("persistence unavailable")

// CoerceContent renders any payload content as text so the stored
// record is always serializable and diffable. Strings pass through
// untouched; everything else is JSON-encoded.
func CoerceContent(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

// Store buffers appended events per task and flushes them to the
// backend in batched records. Appends for one task are serialized by
// the forwarder owning that task; reads may come from any number of
// concurrent trace queries.
type Store struct {
	backend   Backend
	batchSize int

	nowFn   func() time.Time
	newIDFn func() string

	mu      sync.RWMutex
	buffers map[string][]frame.Event
}

func New(backend Backend, batchSize int, opts ...Option) *Store {
	if batchSize <= 0 {
		batchSize = 16
	}
	s := &Store{
		backend:   backend,
		batchSize: batchSize,
		nowFn:     func() time.Time { return time.Now().UTC() },
		newIDFn:   newRecordID,
		buffers:   map[string][]frame.Event{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Append buffers one event. Once the buffer reaches the batch size the
// backlog is flushed; a flush failure is surfaced but the backlog stays
// buffered so a later flush persists it without loss.
func (s *Store) Append(ctx context.Context, taskID string, ev frame.Event) error {
	s.mu.Lock()
	s.buffers[taskID] = append(s.buffers[taskID], ev)
	full := len(s.buffers[taskID]) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx, taskID)
	}
	return nil
}

// Flush persists all buffered events for the task as batched records.
// Batch boundaries never split a single event's content.
func (s *Store) Flush(ctx context.Context, taskID string) error {
	s.mu.Lock()
	buffered := s.buffers[taskID]
	s.mu.Unlock()
	if len(buffered) == 0 {
		return nil
	}

	records := s.group(taskID, buffered)
	if err := s.backend.WriteRecords(ctx, records); err != nil {
		return fmt.Errorf("%w: flush task %s: %v", ErrPersistenceUnavailable, taskID, err)
	}

	s.mu.Lock()
	// Only drop what was flushed; appends may have landed meanwhile.
	s.buffers[taskID] = s.buffers[taskID][len(buffered):]
	if len(s.buffers[taskID]) == 0 {
		delete(s.buffers, taskID)
	}
	s.mu.Unlock()
	return nil
}

// Read returns all events for the task with sequence id >= fromSeq,
// merging persisted records with any still-buffered events, in strict
// sequence order.
func (s *Store) Read(ctx context.Context, taskID string, fromSeq int64) ([]frame.Event, error) {
	records, err := s.backend.ReadRecords(ctx, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}

	var out []frame.Event
	for _, rec := range records {
		out = append(out, rec.Events()...)
	}

	s.mu.RLock()
	buffered := append([]frame.Event(nil), s.buffers[taskID]...)
	s.mu.RUnlock()
	out = append(out, buffered...)

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	filtered := out[:0]
	var lastSeq int64 = -1
	for _, ev := range out {
		if ev.Seq < fromSeq || ev.Seq == lastSeq {
			continue
		}
		lastSeq = ev.Seq
		filtered = append(filtered, ev)
	}
	return filtered, nil
}

// Buffered reports how many events are pending flush for the task.
func (s *Store) Buffered(taskID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers[taskID])
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// group combines consecutive events sharing type and agent into one
// record each.
func (s *Store) group(taskID string, events []frame.Event) []Record {
	var out []Record
	now := s.nowFn()
	for _, ev := range events {
		n := len(out)
		if n > 0 && out[n-1].Type == ev.Type && out[n-1].Agent == ev.Agent && out[n-1].LastSeq+1 == ev.Seq {
			out[n-1].LastSeq = ev.Seq
			out[n-1].Contents = append(out[n-1].Contents, ev.Content)
			continue
		}
		out = append(out, Record{
			ID:        s.newIDFn(),
			TaskID:    taskID,
			FirstSeq:  ev.Seq,
			LastSeq:   ev.Seq,
			Type:      ev.Type,
			Agent:     ev.Agent,
			Contents:  []string{ev.Content},
			CreatedAt: now,
		})
	}
	return out
}

// Events reconstructs the original events covered by the record.
func (r Record) Events() []frame.Event {
	out := make([]frame.Event, 0, len(r.Contents))
	for i, content := range r.Contents {
		out = append(out, frame.Event{
			Seq:     r.FirstSeq + int64(i),
			Type:    r.Type,
			Agent:   r.Agent,
			Content: content,
		})
	}
	return out
}
