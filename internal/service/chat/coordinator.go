package chat

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
	"github.com/zhouzirui/z-tavern/chatstream/internal/stream"
)

// CoordinatorOption customises a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMaxMessageLength rejects messages longer than n runes. Zero disables
// the check.
func WithMaxMessageLength(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxLen = n }
}

// WithLogger sets the logger used by the coordinator and its sessions.
func WithLogger(logger zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithSessionOptions appends options applied to every session.
func WithSessionOptions(opts ...stream.Option) CoordinatorOption {
	return func(c *Coordinator) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// Coordinator keeps at most one live session per conversation. Submitting a
// new message cancels the running exchange before the next one starts, so
// two sessions never deliver deltas at the same time.
//
// Callbacks passed to Submit must not call back into the coordinator.
type Coordinator struct {
	store       *Store
	doer        stream.Doer
	endpoint    string
	maxLen      int
	logger      zerolog.Logger
	sessionOpts []stream.Option

	mu       sync.Mutex
	active   *stream.Session
	lastSent string
}

// NewCoordinator wires a coordinator to store and the chat endpoint.
func NewCoordinator(store *Store, doer stream.Doer, endpoint string, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		doer:     doer,
		endpoint: endpoint,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "coordinator").Logger()
	return c
}

// Submit validates text, supersedes any running session and starts a new
// exchange for it.
func (c *Coordinator) Submit(ctx context.Context, text string, cb stream.Callbacks) (*stream.Session, error) {
	message, err := c.validate(text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(ctx, message, cb)
}

// Retry re-submits the last message sent.
func (c *Coordinator) Retry(ctx context.Context, cb stream.Callbacks) (*stream.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSent == "" {
		return nil, ErrNothingToRetry
	}
	return c.startLocked(ctx, c.lastSent, cb)
}

// Cancel stops the running session, if any.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelActiveLocked()
}

// Active returns the running session or nil.
func (c *Coordinator) Active() *stream.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.Status().Terminal() {
		return nil
	}
	return c.active
}

// History returns every stored turn, oldest first.
func (c *Coordinator) History() []chat.Turn {
	return c.store.Turns()
}

// Reset cancels the running session and forgets the conversation.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelActiveLocked()
	c.store.Reset()
	c.lastSent = ""
}

func (c *Coordinator) validate(text string) (string, error) {
	message := strings.TrimSpace(text)
	if message == "" {
		return "", &ValidationError{Err: ErrEmptyMessage}
	}
	if c.maxLen > 0 {
		if n := utf8.RuneCountInString(message); n > c.maxLen {
			return "", &ValidationError{Err: ErrMessageTooLong, Length: n, Max: c.maxLen}
		}
	}
	return message, nil
}

func (c *Coordinator) startLocked(ctx context.Context, message string, cb stream.Callbacks) (*stream.Session, error) {
	c.cancelActiveLocked()

	// The window is taken before the new turn so the message is not sent twice.
	window := c.store.ContextWindow()

	// The user turn goes in before Start so a fast reply cannot record its
	// bot turn first; it is taken back out if the session never starts.
	turn, err := c.store.Append(chat.RoleUser, message)
	if err != nil {
		return nil, err
	}

	opts := append([]stream.Option{stream.WithLogger(c.logger)}, c.sessionOpts...)
	session := stream.NewSession(c.doer, c.endpoint, c.recordCompletion(cb), opts...)
	if err := session.Start(ctx, chat.NewRequest(message, window)); err != nil {
		c.store.discardLast(turn.ID)
		return nil, errors.Wrap(err, "failed to start stream session")
	}
	c.lastSent = message
	c.active = session

	c.logger.Info().
		Str("session_id", session.ID()).
		Int("history", len(window)).
		Int("length", len(message)).
		Msg("submitted message")
	return session, nil
}

func (c *Coordinator) cancelActiveLocked() {
	if c.active == nil {
		return
	}
	if !c.active.Status().Terminal() {
		c.logger.Info().Str("session_id", c.active.ID()).Msg("superseding running session")
	}
	c.active.Cancel()
	c.active = nil
}

// recordCompletion appends the bot turn before the caller sees the result.
// Failed and cancelled sessions leave the store untouched.
func (c *Coordinator) recordCompletion(cb stream.Callbacks) stream.Callbacks {
	wrapped := cb
	wrapped.OnComplete = func(full string) {
		if _, err := c.store.Append(chat.RoleBot, full); err != nil {
			c.logger.Error().Err(err).Msg("failed to record bot turn")
		}
		if cb.OnComplete != nil {
			cb.OnComplete(full)
		}
	}
	return wrapped
}
