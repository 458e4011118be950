package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskwire/internal/frame"
	"taskwire/internal/registry"
	"taskwire/internal/store"
)

// Increment is one unit of producer output: a content delta tagged with
// the emitting agent. The producer decides content; the forwarder owns
// framing and delivery.
type Increment struct {
	Agent       string
	Type        frame.Type
	Content     any
	Attachments []frame.Attachment
}

// Producer is the external generation collaborator: a lazy, finite
// sequence of increments. Next returns io.EOF at the logical end of the
// stream.
type Producer interface {
	Next(ctx context.Context) (Increment, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context) (Increment, error)

func (f ProducerFunc) Next(ctx context.Context) (Increment, error) {
	return f(ctx)
}

// Subscription is one consumer's attachment to a live task stream.
type Subscription struct {
	ch      chan frame.Event
	headers http.Header
	fromSeq int64
	closed  bool
}

// Events delivers this consumer's share of the fan-out. The channel is
// closed when the stream ends or the consumer is dropped for falling
// behind.
func (s *Subscription) Events() <-chan frame.Event {
	return s.ch
}

// Header returns a copy of the originating request's headers. Values
// are copied through from the submit request, never interpreted.
func (s *Subscription) Header() http.Header {
	return s.headers.Clone()
}

type Option func(*Forwarder)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSubscriptionBuffer sets the per-consumer channel depth. A consumer
// whose buffer is full when an event arrives is dropped from the
// fan-out set rather than back-pressuring the producer.
func WithSubscriptionBuffer(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.subBuffer = n
		}
	}
}

// Forwarder relays one producer's output: every increment becomes an
// Event with the next gapless sequence id, is appended to the message
// store, and is pushed to every subscribed consumer. The forwarder is
// the single writer for its task.
type Forwarder struct {
	TaskID string

	store     *store.Store
	registry  *registry.Registry
	headers   http.Header
	logger    *slog.Logger
	subBuffer int

	mu     sync.Mutex
	events []frame.Event
	subs   map[*Subscription]struct{}
	done   chan struct{}
}

func New(taskID string, st *store.Store, reg *registry.Registry, headers http.Header, opts ...Option) *Forwarder {
	f := &Forwarder{
		TaskID:    taskID,
		store:     st,
		registry:  reg,
		headers:   headers.Clone(),
		logger:    slog.Default(),
		subBuffer: 64,
		subs:      map[*Subscription]struct{}{},
		done:      make(chan struct{}),
	}
	if f.headers == nil {
		f.headers = http.Header{}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Done is closed once the stream has reached its terminal event.
func (f *Forwarder) Done() <-chan struct{} {
	return f.done
}

// Subscribe attaches a consumer from the given sequence id. The backlog
// holds every event already emitted with seq >= fromSeq; events emitted
// after the call arrive on the subscription channel with no gap or
// duplication in between.
func (f *Forwarder) Subscribe(fromSeq int64) ([]frame.Event, *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var backlog []frame.Event
	if fromSeq < int64(len(f.events)) {
		start := fromSeq
		if start < 0 {
			start = 0
		}
		backlog = append(backlog, f.events[start:]...)
	}

	sub := &Subscription{
		ch:      make(chan frame.Event, f.subBuffer),
		headers: f.headers.Clone(),
		fromSeq: fromSeq,
	}
	select {
	case <-f.done:
		sub.closed = true
		close(sub.ch)
	default:
		f.subs[sub] = struct{}{}
	}
	return backlog, sub
}

// Unsubscribe detaches a consumer. Only that consumer's subscription is
// cancelled; the producer keeps running.
func (f *Forwarder) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Run drives the pipeline to its terminal event. It never returns
// before the producer is exhausted, regardless of connected consumers.
func (f *Forwarder) Run(ctx context.Context, producer Producer) {
	if err := f.registry.MarkRunning(ctx, f.TaskID); err != nil {
		f.logger.Warn("mark running", "task_id", f.TaskID, "error", err)
	}

	var output strings.Builder
	var lastAgent string
	var seq int64

	for {
		inc, err := producer.Next(ctx)
		if errors.Is(err, io.EOF) {
			f.finish(ctx, frame.Event{Seq: seq, Type: frame.TypeStreamEnd, Agent: lastAgent}, output.String(), "")
			return
		}
		if err != nil {
			f.logger.Error("producer failed", "task_id", f.TaskID, "error", err)
			f.finish(ctx, frame.Event{Seq: seq, Type: frame.TypeError, Agent: lastAgent, Content: err.Error()}, "", err.Error())
			return
		}

		ev := frame.Event{
			Seq:         seq,
			Type:        inc.Type,
			Agent:       inc.Agent,
			Content:     store.CoerceContent(inc.Content),
			Attachments: inc.Attachments,
		}
		if ev.Type == "" {
			ev.Type = frame.TypeMessage
		}
		seq++
		lastAgent = inc.Agent

		f.append(ctx, ev)
		f.broadcast(ev)
		if ev.Type == frame.TypeMessage {
			output.WriteString(ev.Content)
		}
	}
}

// finish emits the terminal event, persists the backlog, and records
// the terminal status. The terminal event is delivered to consumers
// even when persistence is degraded.
func (f *Forwarder) finish(ctx context.Context, terminal frame.Event, output, reason string) {
	f.append(ctx, terminal)
	f.broadcast(terminal)
	f.flushWithRetry(ctx)

	var err error
	if terminal.Type == frame.TypeError {
		err = f.registry.MarkFailed(ctx, f.TaskID, reason)
	} else {
		err = f.registry.MarkCompleted(ctx, f.TaskID, output)
	}
	if err != nil {
		f.logger.Warn("mark terminal", "task_id", f.TaskID, "error", err)
	}

	f.mu.Lock()
	close(f.done)
	for sub := range f.subs {
		delete(f.subs, sub)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	f.mu.Unlock()
}

func (f *Forwarder) append(ctx context.Context, ev frame.Event) {
	if err := f.store.Append(ctx, f.TaskID, ev); err != nil {
		// The backlog stays buffered; live consumers are unaffected
		// and a later flush persists it.
		f.logger.Warn("durability degraded, serving from memory",
			"task_id", f.TaskID, "seq", ev.Seq, "error", err)
	}
}

func (f *Forwarder) flushWithRetry(ctx context.Context) {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = f.store.Flush(ctx, f.TaskID); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(100*(attempt+1)) * time.Millisecond):
		}
	}
	f.logger.Error("final flush failed, trace may be incomplete after restart",
		"task_id", f.TaskID, "error", err)
}

func (f *Forwarder) broadcast(ev frame.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	var dropped []*Subscription
	for sub := range f.subs {
		if ev.Seq < sub.fromSeq {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			delete(f.subs, sub)
			sub.closed = true
			dropped = append(dropped, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range dropped {
		close(sub.ch)
		f.logger.Warn("dropping slow consumer", "task_id", f.TaskID, "seq", ev.Seq)
	}
}
