package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type tags one event in a task's stream. Consumers must treat tags
// outside this set as opaque and keep reading.
type Type string

const (
	TypeMessage   Type = "message"
	TypeThink     Type = "think"
	TypeStreamEnd Type = "stream_end"
	TypeError     Type = "error"
)

// IsTerminal reports whether an event of this type ends the stream.
func IsTerminal(t Type) bool {
	return t == TypeStreamEnd || t == TypeError
}

// Attachment references multimodal content by URL. Bytes are never
// inlined into a frame.
type Attachment struct {
	Name string `json:"name,omitempty"`
	URL  string `json:"url"`
}

// Event is one ordered unit in a task's stream. Seq is gapless and
// strictly increasing per task, starting at 0.
type Event struct {
	Seq         int64        `json:"seq"`
	Type        Type         `json:"type"`
	Agent       string       `json:"agent,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type payload struct {
	Type        Type         `json:"type"`
	Agent       string       `json:"agent,omitempty"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Frame is the wire-level encoding of one event.
type Frame struct {
	ID    string
	Event string
	Data  []byte
	Retry int // milliseconds; 0 means no hint
}

var ErrMalformedFrame = errors.New("malformed frame")

// Encode renders an event as an SSE frame. retryMS, if positive, is
// advertised to consumers as the reconnect hint.
func Encode(ev Event, retryMS int) []byte {
	data, _ := json.Marshal(payload{
		Type:        ev.Type,
		Agent:       ev.Agent,
		Content:     ev.Content,
		Attachments: ev.Attachments,
	})
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", ev.Seq)
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteByte('\n')
	if retryMS > 0 {
		fmt.Fprintf(&buf, "retry: %d\n", retryMS)
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Decode parses a frame back into an event. It fails with
// ErrMalformedFrame when a mandatory field is absent or the id is not a
// non-negative integer. Unknown event tags pass through unchanged.
func Decode(f Frame) (Event, error) {
	if f.ID == "" {
		return Event{}, fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	seq, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil || seq < 0 {
		return Event{}, fmt.Errorf("%w: id %q is not a non-negative integer", ErrMalformedFrame, f.ID)
	}
	if f.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	if len(f.Data) == 0 {
		return Event{}, fmt.Errorf("%w: missing data", ErrMalformedFrame)
	}
	var p payload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return Event{
		Seq:         seq,
		Type:        Type(f.Event),
		Agent:       p.Agent,
		Content:     p.Content,
		Attachments: p.Attachments,
	}, nil
}

// parseLine splits one SSE line into field name and value.
func parseLine(line string) (field, value string, ok bool) {
	field, value, ok = strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	return field, strings.TrimSpace(value), true
}
