package frame

import (
	"bufio"
	"io"
)

// Scanner splits an SSE byte stream into frames. It tolerates comment
// lines (leading colon) and unknown fields, mirroring how browsers read
// event streams.
type Scanner struct {
	r *bufio.Reader
}

func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReader(r)}
}

// Next reads until a blank line and returns the accumulated frame. It
// returns io.EOF when the stream ends with no pending frame data.
func (s *Scanner) Next() (Frame, error) {
	var f Frame
	seen := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && seen {
				return f, nil
			}
			return Frame{}, err
		}
		line = trimLineEnding(line)
		if line == "" {
			if !seen {
				continue
			}
			return f, nil
		}
		if line[0] == ':' {
			// Comment (heartbeat).
			continue
		}
		field, value, ok := parseLine(line)
		if !ok {
			continue
		}
		seen = true
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			f.Data = []byte(value)
		case "retry":
			f.Retry = parseRetry(value)
		}
	}
}

func trimLineEnding(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func parseRetry(value string) int {
	n := 0
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
