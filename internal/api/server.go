package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskwire/internal/forward"
	"taskwire/internal/frame"
	"taskwire/internal/registry"
	"taskwire/internal/store"
)

// DefaultRetryHintMS is the reconnect interval advertised to stream
// consumers when no other hint is configured.
const DefaultRetryHintMS = 3000

// replayPollInterval paces store re-reads when a consumer attaches to a
// task that has no live forwarder yet.
const replayPollInterval = 200 * time.Millisecond

// SubmitRequest is the body of a task submission. Payload is opaque to
// the pipeline and handed to the producer untouched.
type SubmitRequest struct {
	ID             string             `json:"id,omitempty"`
	ConversationID string             `json:"conversation_id,omitempty"`
	Query          string             `json:"query,omitempty"`
	Attachments    []frame.Attachment `json:"attachments,omitempty"`
	Payload        map[string]any     `json:"payload,omitempty"`
}

// ProducerFactory builds the generation collaborator for a freshly
// created task. The context it receives outlives the submit request.
type ProducerFactory func(ctx context.Context, task registry.Task, req SubmitRequest) (forward.Producer, error)

type Server struct {
	Registry    *registry.Registry
	Store       *store.Store
	Hub         *forward.Hub
	NewProducer ProducerFactory
	RetryHintMS int
	BaseContext context.Context
	Logger      *slog.Logger
	StartedAt   time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"time":         time.Now().UTC(),
		"live_streams": s.Hub.Len(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parseInt(r.URL.Query().Get("limit"), 100)
		items, err := s.Registry.List(r.Context(), registry.Status(status), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		writeMethodNotAllowed(w)
	}
}

// handleSubmit creates the task, wires its forwarder, and returns
// immediately. The producer runs on the process context so a vanished
// submitter never cancels generation.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	task, err := s.Registry.Create(r.Context(), req.ID, req.ConversationID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateTask) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	baseCtx := s.baseContext()
	producer, err := s.NewProducer(baseCtx, task, req)
	if err != nil {
		_ = s.Registry.MarkFailed(r.Context(), task.ID, err.Error())
		writeError(w, http.StatusBadRequest, err)
		return
	}

	fwd := forward.New(task.ID, s.Store, s.Registry, r.Header, forward.WithLogger(s.logger()))
	s.Hub.Start(baseCtx, fwd, producer)

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]
	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, err := s.Registry.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	switch segments[1] {
	case "trace":
		s.handleTaskTrace(w, r, taskID)
	case "ws":
		s.handleTaskWS(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("task action"))
	}
}

// handleTaskTrace streams the task's events as SSE frames from the
// requested sequence id onward: live fan-out while the task runs,
// replay from the message store afterwards.
func (s *Server) handleTaskTrace(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if _, err := s.Registry.Get(r.Context(), taskID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	fromSeq := resumePoint(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNotFound("streaming support"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	hint := s.retryHint()
	err := s.streamTask(r.Context(), taskID, fromSeq, func(ev frame.Event) error {
		if _, err := w.Write(frame.Encode(ev, hint)); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger().Warn("trace stream ended early", "task_id", taskID, "error", err)
	}
}

// streamTask delivers every event with seq >= fromSeq to send, in
// order, until the terminal event or ctx is done. It prefers the live
// forwarder and falls back to store replay, polling while the task is
// still in flight.
func (s *Server) streamTask(ctx context.Context, taskID string, fromSeq int64, send func(frame.Event) error) error {
	next := fromSeq
	for {
		if fwd := s.Hub.Get(taskID); fwd != nil {
			done, err := s.streamLive(ctx, fwd, next, &next, send)
			if err != nil || done {
				return err
			}
			// Dropped as a slow consumer; resume from the store.
		}

		events, err := s.Store.Read(ctx, taskID, next)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := send(ev); err != nil {
				return err
			}
			next = ev.Seq + 1
			if frame.IsTerminal(ev.Type) {
				return nil
			}
		}

		task, err := s.Registry.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if registry.IsTerminalStatus(task.Status) && s.Hub.Get(taskID) == nil {
			// Terminal status with no terminal event persisted means the
			// tail was lost; end the replay at what we have.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(replayPollInterval):
		}
	}
}

func (s *Server) streamLive(ctx context.Context, fwd *forward.Forwarder, fromSeq int64, next *int64, send func(frame.Event) error) (bool, error) {
	backlog, sub := fwd.Subscribe(fromSeq)
	defer fwd.Unsubscribe(sub)

	for _, ev := range backlog {
		if err := send(ev); err != nil {
			return true, err
		}
		*next = ev.Seq + 1
		if frame.IsTerminal(ev.Type) {
			return true, nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				return false, nil
			}
			if err := send(ev); err != nil {
				return true, err
			}
			*next = ev.Seq + 1
			if frame.IsTerminal(ev.Type) {
				return true, nil
			}
		}
	}
}

// resumePoint picks where the stream restarts: the from_seq query
// parameter wins, then Last-Event-ID plus one, then the beginning.
func resumePoint(r *http.Request) int64 {
	if raw := r.URL.Query().Get("from_seq"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			return v
		}
	}
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v >= 0 {
			return v + 1
		}
	}
	return 0
}

func (s *Server) retryHint() int {
	if s.RetryHintMS > 0 {
		return s.RetryHintMS
	}
	return DefaultRetryHintMS
}

func (s *Server) baseContext() context.Context {
	if s.BaseContext != nil {
		return s.BaseContext
	}
	return context.Background()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
