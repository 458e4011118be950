package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskwire/internal/frame"
)

// memBackend keeps records in memory and can be told to fail writes.
type memBackend struct {
	records  []Record
	failNext int
	writes   int
}

func (b *memBackend) WriteRecords(ctx context.Context, records []Record) error {
	b.writes++
	if b.failNext > 0 {
		b.failNext--
		return errors.New("backend down")
	}
	b.records = append(b.records, records...)
	return nil
}

func (b *memBackend) ReadRecords(ctx context.Context, taskID string, fromSeq int64) ([]Record, error) {
	var out []Record
	for _, rec := range b.records {
		if rec.TaskID != taskID || rec.LastSeq < fromSeq {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *memBackend) Close() error { return nil }

func msg(seq int64, agent, content string) frame.Event {
	return frame.Event{Seq: seq, Type: frame.TypeMessage, Agent: agent, Content: content}
}

func TestFlushGroupsConsecutiveRuns(t *testing.T) {
	backend := &memBackend{}
	s := New(backend, 100)
	ctx := context.Background()

	events := []frame.Event{
		msg(0, "planner", "a"),
		msg(1, "planner", "b"),
		{Seq: 2, Type: frame.TypeThink, Agent: "planner", Content: "hmm"},
		msg(3, "worker", "c"),
		msg(4, "worker", "d"),
		{Seq: 5, Type: frame.TypeStreamEnd, Agent: "worker"},
	}
	for _, ev := range events {
		if err := s.Append(ctx, "t1", ev); err != nil {
			t.Fatalf("append seq %d: %v", ev.Seq, err)
		}
	}
	if err := s.Flush(ctx, "t1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(backend.records) != 4 {
		t.Fatalf("want 4 records, got %d: %+v", len(backend.records), backend.records)
	}
	first := backend.records[0]
	if first.FirstSeq != 0 || first.LastSeq != 1 || len(first.Contents) != 2 {
		t.Fatalf("first record should cover seq 0-1: %+v", first)
	}
	if first.Contents[0] != "a" || first.Contents[1] != "b" {
		t.Fatalf("per-event content boundaries lost: %+v", first.Contents)
	}
	third := backend.records[2]
	if third.Agent != "worker" || third.FirstSeq != 3 || third.LastSeq != 4 {
		t.Fatalf("agent change must start a new record: %+v", third)
	}
}

func TestAppendAutoFlushesAtBatchSize(t *testing.T) {
	backend := &memBackend{}
	s := New(backend, 3)
	ctx := context.Background()

	for seq := int64(0); seq < 3; seq++ {
		if err := s.Append(ctx, "t1", msg(seq, "echo", "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if backend.writes != 1 {
		t.Fatalf("want one auto flush, got %d writes", backend.writes)
	}
	if s.Buffered("t1") != 0 {
		t.Fatalf("buffer should be empty after auto flush, got %d", s.Buffered("t1"))
	}
}

func TestFlushFailureKeepsBacklog(t *testing.T) {
	backend := &memBackend{failNext: 1}
	s := New(backend, 100)
	ctx := context.Background()

	for seq := int64(0); seq < 3; seq++ {
		if err := s.Append(ctx, "t1", msg(seq, "echo", "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	err := s.Flush(ctx, "t1")
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("want ErrPersistenceUnavailable, got %v", err)
	}
	if s.Buffered("t1") != 3 {
		t.Fatalf("backlog must survive a failed flush, got %d buffered", s.Buffered("t1"))
	}

	// Later appends plus a successful flush persist the full backlog
	// exactly once.
	if err := s.Append(ctx, "t1", msg(3, "echo", "x")); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if err := s.Flush(ctx, "t1"); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	events, err := s.Read(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("want 4 events after recovery, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("sequence mismatch at %d: %+v", i, ev)
		}
	}
}

func TestReadMergesBufferedAndPersisted(t *testing.T) {
	backend := &memBackend{}
	s := New(backend, 100)
	ctx := context.Background()

	for seq := int64(0); seq < 2; seq++ {
		if err := s.Append(ctx, "t1", msg(seq, "echo", "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Flush(ctx, "t1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.Append(ctx, "t1", msg(2, "echo", "y")); err != nil {
		t.Fatalf("append buffered: %v", err)
	}

	events, err := s.Read(ctx, "t1", 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("want seq 1,2 got %+v", events)
	}
}

func TestRecordEventsReconstruction(t *testing.T) {
	rec := Record{
		FirstSeq: 5,
		LastSeq:  7,
		Type:     frame.TypeMessage,
		Agent:    "echo",
		Contents: []string{"a", "b", "c"},
	}
	events := rec.Events()
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != 5+int64(i) || ev.Content != rec.Contents[i] {
			t.Fatalf("event %d mismatch: %+v", i, ev)
		}
	}
}

func TestCoerceContent(t *testing.T) {
	if got := CoerceContent("already text"); got != "already text" {
		t.Fatalf("strings must pass through, got %q", got)
	}
	if got := CoerceContent(map[string]any{"k": "v"}); got != `{"k":"v"}` {
		t.Fatalf("maps must JSON encode, got %q", got)
	}
	if got := CoerceContent(nil); got != "" {
		t.Fatalf("nil must coerce to empty, got %q", got)
	}
	if got := CoerceContent(42); got != "42" {
		t.Fatalf("numbers must JSON encode, got %q", got)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	backend := NewSQLiteBackend(db)
	now := time.Now().UTC()
	written := []Record{
		{ID: "r1", TaskID: "t1", FirstSeq: 0, LastSeq: 1, Type: frame.TypeMessage, Agent: "echo", Contents: []string{"a", "b"}, CreatedAt: now},
		{ID: "r2", TaskID: "t1", FirstSeq: 2, LastSeq: 2, Type: frame.TypeStreamEnd, Contents: []string{""}, CreatedAt: now},
		{ID: "r3", TaskID: "t2", FirstSeq: 0, LastSeq: 0, Type: frame.TypeMessage, Agent: "other", Contents: []string{"z"}, CreatedAt: now},
	}
	if err := backend.WriteRecords(context.Background(), written); err != nil {
		t.Fatalf("write records: %v", err)
	}

	got, err := backend.ReadRecords(context.Background(), "t1", 1)
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 records for t1 from seq 1, got %d", len(got))
	}
	if got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("records out of order: %+v", got)
	}
	if got[0].Contents[1] != "b" {
		t.Fatalf("contents lost in round trip: %+v", got[0])
	}
	if got[1].Type != frame.TypeStreamEnd {
		t.Fatalf("type lost in round trip: %+v", got[1])
	}
}
