package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

const defaultReadBufferSize = 4 * 1024

// Status is the lifecycle state of a Session.
type Status int

const (
	StatusPending Status = iota
	StatusStreaming
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusStreaming:
		return "streaming"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Callbacks receive the output of a session. All of them are optional.
// OnDelta fires once per decoded delta in arrival order; exactly one of
// OnComplete, OnError and OnCancelled fires at the end. Callbacks run while
// the session is locked and must not call back into the same session.
type Callbacks struct {
	OnDelta     func(text string)
	OnComplete  func(fullText string)
	OnError     func(err error)
	OnCancelled func()
	OnWarning   func(err error)
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTimeout bounds the whole exchange, from request to last byte.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithHeader adds a header to the outbound request.
func WithHeader(key, value string) Option {
	return func(s *Session) { s.header.Add(key, value) }
}

// WithMaxLineSize limits the size of a single stream line. Non-positive
// values remove the limit.
func WithMaxLineSize(n int) Option {
	return func(s *Session) { s.decoder.SetMaxLineSize(n) }
}

// WithReadBufferSize sets how many bytes are read from the body at once.
func WithReadBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// Session owns one request/response exchange with the chat endpoint.
type Session struct {
	id       string
	doer     Doer
	endpoint string
	cb       Callbacks
	logger   zerolog.Logger
	timeout  time.Duration
	header   http.Header
	bufSize  int

	stopping atomic.Bool
	done     chan struct{}

	mu      sync.Mutex
	decoder *Decoder
	status  Status
	started bool
	text    strings.Builder
	err     error
	cancel  context.CancelFunc
}

// NewSession prepares a session posting to endpoint through doer.
func NewSession(doer Doer, endpoint string, cb Callbacks, opts ...Option) *Session {
	if doer == nil {
		doer = http.DefaultClient
	}
	s := &Session{
		id:       uuid.NewString(),
		doer:     doer,
		endpoint: endpoint,
		cb:       cb,
		logger:   log.Logger,
		header:   make(http.Header),
		bufSize:  defaultReadBufferSize,
		done:     make(chan struct{}),
		decoder:  NewDecoder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "stream").Str("session_id", s.id).Logger()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Text returns the text accumulated so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the failure reason of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session has reached a terminal state and released
// its transport.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session finishes or ctx expires. It returns the
// failure reason for failed sessions and nil otherwise.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start posts req and streams the response on a new goroutine.
func (s *Session) Start(ctx context.Context, req chat.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal chat request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.status.Terminal() {
		return ErrSessionClosed
	}
	s.started = true

	var runCtx context.Context
	if s.timeout > 0 {
		runCtx, s.cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		runCtx, s.cancel = context.WithCancel(ctx)
	}
	s.decoder.Reset()

	s.logger.Debug().Str("endpoint", s.endpoint).Int("history", len(req.History)).Msg("starting exchange")
	go s.run(runCtx, body)
	return nil
}

// Cancel stops the session. It is idempotent and a no-op once the session
// is terminal. When Cancel returns no further callback will fire.
func (s *Session) Cancel() {
	s.stopping.Store(true)

	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = StatusCancelled
	if s.cancel != nil {
		s.cancel()
	}
	s.decoder.Reset()
	started := s.started
	s.logger.Debug().Int("received", s.text.Len()).Msg("exchange cancelled")
	if s.cb.OnCancelled != nil {
		s.cb.OnCancelled()
	}
	s.mu.Unlock()

	if !started {
		close(s.done)
	}
}

func (s *Session) run(ctx context.Context, body []byte) {
	defer close(s.done)
	defer s.cancel()
	defer func() {
		// A Cancel racing with the read loop may still be waiting for the
		// lock; finish the transition here so Done implies a terminal state.
		if s.stopping.Load() {
			s.Cancel()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.abort(ctx, &ConnectivityError{Err: err})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for key, values := range s.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := s.doer.Do(req)
	if err != nil {
		s.abort(ctx, &ConnectivityError{Err: err})
		return
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.abort(ctx, &ConnectivityError{
			StatusCode: resp.StatusCode,
			Err:        errors.Errorf("unexpected status %s", resp.Status),
		})
		return
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		s.abort(ctx, &ConnectivityError{StatusCode: resp.StatusCode, Err: ErrMissingBody})
		return
	}

	if !s.beginStreaming() {
		return
	}

	buf := make([]byte, s.bufSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 && !s.consume(buf[:n]) {
			return
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) {
			s.complete()
			return
		}
		s.abort(ctx, &TransportError{Partial: s.Text(), Err: readErr})
		return
	}
}

func (s *Session) beginStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return false
	}
	s.status = StatusStreaming
	s.logger.Debug().Msg("streaming response")
	return true
}

// consume decodes one raw chunk and dispatches its frames. It returns false
// once the session should stop reading.
func (s *Session) consume(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for frame, err := range s.decoder.Feed(chunk) {
		if s.stopping.Load() || s.status != StatusStreaming {
			return false
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("decode warning")
			if s.cb.OnWarning != nil {
				s.cb.OnWarning(err)
			}
			continue
		}
		if frame.Kind == FrameTerminator {
			s.completeLocked()
			return false
		}
		s.text.WriteString(frame.Text)
		if s.cb.OnDelta != nil {
			s.cb.OnDelta(frame.Text)
		}
	}
	return s.status == StatusStreaming && !s.stopping.Load()
}

func (s *Session) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked()
}

func (s *Session) completeLocked() {
	if s.status != StatusStreaming {
		return
	}
	if n := s.decoder.Pending(); n > 0 {
		s.logger.Debug().Int("bytes", n).Msg("discarding unterminated frame")
	}
	s.decoder.Reset()
	s.status = StatusDone

	full := s.text.String()
	s.logger.Debug().Int("length", len(full)).Msg("exchange completed")
	if s.cb.OnComplete != nil {
		s.cb.OnComplete(full)
	}
}

// abort ends the session after a transport-level error. Errors caused by a
// cancelled context end the session as cancelled, never as failed.
func (s *Session) abort(ctx context.Context, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		s.Cancel()
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = withDeadline(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = StatusFailed
	s.err = err
	s.decoder.Reset()
	s.logger.Error().Err(err).Msg("exchange failed")
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}

// withDeadline makes sure an error caused by an expired timeout matches
// context.DeadlineExceeded, whatever the transport reported.
func withDeadline(err error) error {
	switch e := err.(type) {
	case *TransportError:
		if !errors.Is(e.Err, context.DeadlineExceeded) {
			e.Err = errors.Wrap(context.DeadlineExceeded, e.Err.Error())
		}
	case *ConnectivityError:
		if !errors.Is(e.Err, context.DeadlineExceeded) {
			e.Err = errors.Wrap(context.DeadlineExceeded, e.Err.Error())
		}
	}
	return err
}
