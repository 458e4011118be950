package frame

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncodeWireFormat(t *testing.T) {
	ev := Event{Seq: 7, Type: TypeMessage, Agent: "planner", Content: "hello"}
	got := string(Encode(ev, 3000))
	want := "id: 7\n" +
		"event: message\n" +
		"data: {\"type\":\"message\",\"agent\":\"planner\",\"content\":\"hello\"}\n" +
		"retry: 3000\n" +
		"\n"
	if got != want {
		t.Fatalf("encoded frame mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestEncodeOmitsRetryWithoutHint(t *testing.T) {
	got := string(Encode(Event{Seq: 0, Type: TypeStreamEnd, Content: ""}, 0))
	if strings.Contains(got, "retry:") {
		t.Fatalf("frame should not carry a retry hint: %q", got)
	}
	if !strings.HasSuffix(got, "\n\n") {
		t.Fatalf("frame must end with a blank line: %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		{Seq: 0, Type: TypeMessage, Agent: "echo", Content: "plain text"},
		{Seq: 1, Type: TypeThink, Agent: "echo", Content: `{"plan":["a","b"]}`},
		{Seq: 2, Type: TypeMessage, Content: "no agent"},
		{Seq: 3, Type: TypeMessage, Agent: "echo", Content: "with files", Attachments: []Attachment{{Name: "img", URL: "https://example.com/img.png"}}},
		{Seq: 4, Type: TypeError, Agent: "echo", Content: "upstream timeout"},
		{Seq: 5, Type: TypeStreamEnd, Agent: "echo", Content: ""},
	}
	for _, want := range events {
		sc := NewScanner(strings.NewReader(string(Encode(want, 3000))))
		fr, err := sc.Next()
		if err != nil {
			t.Fatalf("scan seq %d: %v", want.Seq, err)
		}
		got, err := Decode(fr)
		if err != nil {
			t.Fatalf("decode seq %d: %v", want.Seq, err)
		}
		if got.Seq != want.Seq || got.Type != want.Type || got.Agent != want.Agent || got.Content != want.Content {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
		if len(got.Attachments) != len(want.Attachments) {
			t.Fatalf("attachments lost: got %+v want %+v", got.Attachments, want.Attachments)
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
	}{
		{"missing id", Frame{Event: "message", Data: []byte(`{"content":"x"}`)}},
		{"missing event", Frame{ID: "0", Data: []byte(`{"content":"x"}`)}},
		{"missing data", Frame{ID: "0", Event: "message"}},
		{"non numeric id", Frame{ID: "abc", Event: "message", Data: []byte(`{"content":"x"}`)}},
		{"negative id", Frame{ID: "-1", Event: "message", Data: []byte(`{"content":"x"}`)}},
		{"bad json", Frame{ID: "0", Event: "message", Data: []byte(`{nope`)}},
	}
	for _, tc := range cases {
		if _, err := Decode(tc.f); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: want ErrMalformedFrame, got %v", tc.name, err)
		}
	}
}

func TestDecodeKeepsUnknownEventTypes(t *testing.T) {
	ev, err := Decode(Frame{ID: "3", Event: "tool_call", Data: []byte(`{"type":"tool_call","content":"ls"}`)})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != Type("tool_call") {
		t.Fatalf("unknown type must pass through, got %q", ev.Type)
	}
	if IsTerminal(ev.Type) {
		t.Fatalf("unknown type must not be terminal")
	}
}

func TestScannerSplitsStreamAndSkipsComments(t *testing.T) {
	stream := ":ok\n\n" +
		string(Encode(Event{Seq: 0, Type: TypeMessage, Content: "a"}, 0)) +
		": heartbeat\n\n" +
		string(Encode(Event{Seq: 1, Type: TypeStreamEnd, Content: ""}, 1500))

	sc := NewScanner(strings.NewReader(stream))

	first, err := sc.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if first.ID != "0" || first.Event != "message" {
		t.Fatalf("unexpected first frame: %+v", first)
	}

	second, err := sc.Next()
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if second.ID != "1" || second.Event != "stream_end" {
		t.Fatalf("unexpected second frame: %+v", second)
	}
	if second.Retry != 1500 {
		t.Fatalf("retry hint lost: %+v", second)
	}

	if _, err := sc.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("want io.EOF at stream end, got %v", err)
	}
}

func TestScannerHandlesCRLF(t *testing.T) {
	sc := NewScanner(strings.NewReader("id: 2\r\nevent: message\r\ndata: {\"content\":\"x\"}\r\n\r\n"))
	fr, err := sc.Next()
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	ev, err := Decode(fr)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Seq != 2 || ev.Content != "x" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
