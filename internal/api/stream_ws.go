package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"taskwire/internal/frame"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleTaskWS serves the same ordered event stream as the SSE trace
// endpoint over a websocket, one JSON event per text message.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, err := s.Registry.Get(r.Context(), taskID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	fromSeq := resumePoint(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := s.streamTaskWS(ctx, taskID, fromSeq, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) streamTaskWS(ctx context.Context, taskID string, fromSeq int64, writer wsWriter) error {
	return s.streamTask(ctx, taskID, fromSeq, func(ev frame.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return writer.Write(ctx, websocket.MessageText, payload)
	})
}
