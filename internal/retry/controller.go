// Package retry implements the consuming side of a task stream: an SSE
// client that survives connection drops by reconnecting with
// exponential backoff and resuming from the last delivered sequence id.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"taskwire/internal/frame"
)

// ErrConnectionExhausted reports that the reconnect budget ran out
// before a terminal event arrived.
var ErrConnectionExhausted = errors.New("stream connection attempts exhausted")

// Config holds the backoff schedule. Zero values fall back to the
// defaults below.
type Config struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

const (
	defaultBaseDelay   = 1 * time.Second
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 30 * time.Second
	defaultMaxAttempts = 3
)

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// excludedHeaders are hop-by-hop or request-specific headers that are
// never replayed on a reconnect.
var excludedHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the delay between reconnect attempts. Tests use it
// to record the backoff schedule without waiting.
func WithSleep(sleepFn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		if sleepFn != nil {
			c.sleepFn = sleepFn
		}
	}
}

// Controller replays a remote task stream to a handler exactly once per
// event, reconnecting across transient failures.
type Controller struct {
	client  *http.Client
	cfg     Config
	logger  *slog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(client *http.Client, cfg Config, opts ...Option) *Controller {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Controller{
		client:  client,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		sleepFn: sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Subscribe streams events from streamURL starting at fromSeq and calls
// handle once per event, in sequence order with no gap or duplicate.
// It returns nil after the terminal event, the handler's error if the
// handler fails, or ErrConnectionExhausted when the reconnect budget
// runs out. A connection that delivered at least one event resets the
// budget.
func (c *Controller) Subscribe(ctx context.Context, streamURL string, fromSeq int64, headers http.Header, handle func(frame.Event) error) error {
	next := fromSeq
	attempts := 0
	delay := c.cfg.BaseDelay
	var lastErr error

	for {
		progressed, hint, err := c.stream(ctx, streamURL, &next, headers, handle)
		if err == nil {
			return nil
		}
		var hErr *handlerError
		if errors.As(err, &hErr) {
			return hErr.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if progressed {
			attempts = 0
			delay = c.cfg.BaseDelay
		}
		attempts++
		if attempts > c.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, c.cfg.MaxAttempts, lastErr)
		}

		wait := delay
		if hint > 0 {
			// The server's advertised retry interval takes precedence
			// over the local schedule for this one attempt.
			wait = hint
		}
		if wait > c.cfg.MaxDelay {
			wait = c.cfg.MaxDelay
		}
		c.logger.Warn("stream interrupted, reconnecting",
			"url", streamURL, "next_seq", next, "attempt", attempts, "wait", wait, "error", err)
		if err := c.sleepFn(ctx, wait); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * c.cfg.Multiplier)
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
	}
}

// handlerError marks a failure inside the caller's handler, which must
// not be retried.
type handlerError struct {
	err error
}

func (e *handlerError) Error() string { return e.err.Error() }
func (e *handlerError) Unwrap() error { return e.err }

// stream runs one connection until the terminal event or a transport
// failure. It reports whether any event was delivered and the last
// retry hint the server advertised.
func (c *Controller) stream(ctx context.Context, streamURL string, next *int64, headers http.Header, handle func(frame.Event) error) (bool, time.Duration, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return false, 0, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("from_seq", strconv.FormatInt(*next, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, 0, fmt.Errorf("build stream request: %w", err)
	}
	for name, values := range headers {
		if _, skip := excludedHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	if *next > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(*next-1, 10))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, 0, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	progressed := false
	var hint time.Duration
	sc := frame.NewScanner(resp.Body)
	for {
		fr, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return progressed, hint, fmt.Errorf("stream closed before terminal event")
		}
		if err != nil {
			return progressed, hint, fmt.Errorf("read frame: %w", err)
		}
		if fr.Retry > 0 {
			hint = time.Duration(fr.Retry) * time.Millisecond
		}
		ev, err := frame.Decode(fr)
		if err != nil {
			// Malformed frames are dropped, not retried.
			c.logger.Warn("dropping malformed frame", "url", streamURL, "error", err)
			continue
		}
		if ev.Seq < *next {
			// Replayed duplicate after a resume; already delivered.
			continue
		}
		if ev.Seq > *next {
			return progressed, hint, fmt.Errorf("sequence gap: want %d, got %d", *next, ev.Seq)
		}
		if err := handle(ev); err != nil {
			return progressed, hint, &handlerError{err: err}
		}
		*next = ev.Seq + 1
		progressed = true
		if frame.IsTerminal(ev.Type) {
			return progressed, hint, nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
