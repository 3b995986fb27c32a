package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/cantor/internal/convlog"
	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/llm"
)

var (
	// ErrMissingMessage rejects a turn with no message text.
	ErrMissingMessage = errors.New("missing message")
	// ErrClosed is returned once the registry has shut down.
	ErrClosed = errors.New("conversation registry closed")

	errRetired = errors.New("session retired")
)

const upstreamMessage = "The language model failed to generate a response. " +
	"Check the AI_ACCOUNT_ID, AI_API_TOKEN and MODEL_NAME settings, or set MOCK_AI=true for an offline mock."

// UpstreamError reports a failed model call. The log is left untouched.
type UpstreamError struct {
	Message string
	Details string
	Err     error
}

func (e *UpstreamError) Error() string {
	return e.Message + ": " + e.Details
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// TurnResult is the outcome of a successful chat turn.
type TurnResult struct {
	Reply   string                 `json:"reply"`
	History domain.ConversationLog `json:"history"`
}

type state int

const (
	stateUninitialized state = iota
	stateLoading
	stateReady
)

// session owns one conversation log. All fields below mailbox are touched
// only by the loop goroutine.
type session struct {
	key         string
	fingerprint string
	reg         *Registry
	mailbox     chan func()
	done        chan struct{}

	state    state
	log      domain.ConversationLog
	lastUsed time.Time
	retired  bool
}

func newSession(reg *Registry, key string) *session {
	return &session{
		key:         key,
		fingerprint: Fingerprint(key),
		reg:         reg,
		mailbox:     make(chan func()),
		done:        make(chan struct{}),
		lastUsed:    reg.now(),
	}
}

// loop runs operations one at a time until the session retires.
func (s *session) loop() {
	defer close(s.done)
	for op := range s.mailbox {
		op()
		if s.retired {
			return
		}
	}
}

// send hands op to the loop. It fails with errRetired if the loop has exited.
func (s *session) send(ctx context.Context, op func()) error {
	select {
	case s.mailbox <- op:
		return nil
	case <-s.done:
		return errRetired
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, s *session, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	err := s.send(ctx, func() {
		s.lastUsed = s.reg.now()
		v, err := fn()
		ch <- result{v, err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ensureLoaded moves the session to Ready, loading the persisted log on
// first use. A failed load leaves the session Uninitialized so the next
// operation retries.
func (s *session) ensureLoaded(ctx context.Context) error {
	if s.state == stateReady {
		return nil
	}

	s.state = stateLoading
	log, found, err := s.reg.store.Get(ctx, s.key)
	if err != nil {
		s.state = stateUninitialized
		return fmt.Errorf("load conversation: %w", err)
	}

	s.log = log.Clone()
	s.state = stateReady
	s.reg.logger.Debug("Conversation loaded", "session", s.fingerprint, "found", found, "messages", len(s.log))
	return nil
}

func (s *session) history(ctx context.Context) (domain.ConversationLog, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return s.log.Clone(), nil
}

func (s *session) submitTurn(ctx context.Context, message, topic string) (TurnResult, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return TurnResult{}, err
	}

	cfg := s.reg.settings
	// Two slots are reserved for the pair this turn adds.
	window := Trim(s.log, cfg.HistoryLimit-2)

	reply, err := s.generate(ctx, window, message, topic)
	if err != nil {
		return TurnResult{}, err
	}

	now := s.reg.now()
	next := Trim(append(window,
		domain.NewMessage(domain.RoleUser, message, now),
		domain.NewMessage(domain.RoleAssistant, reply, now),
	), cfg.HistoryLimit)

	// The reply already exists; a client hanging up must not lose it.
	if err := s.reg.store.Put(context.WithoutCancel(ctx), s.key, next); err != nil {
		return TurnResult{}, fmt.Errorf("persist conversation: %w", err)
	}
	s.log = next

	s.reg.logTurn(s.fingerprint, message, reply, len(next))
	return TurnResult{Reply: reply, History: next.Clone()}, nil
}

func (s *session) generate(ctx context.Context, window domain.ConversationLog, message, topic string) (string, error) {
	cfg := s.reg.settings
	if cfg.Mock {
		return llm.MockReply(message, topic), nil
	}

	result, err := s.reg.runner.Run(ctx, cfg.Model, llm.Input{
		Messages:    BuildPrompt(cfg.Persona, topic, window, message),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		s.reg.logger.Error("Model call failed", "session", s.fingerprint, "model", cfg.Model, "error", err)
		s.reg.transcript.Log(convlog.Event{
			SessionID:  s.fingerprint,
			Channel:    "chat",
			Direction:  "inbound",
			EventType:  "chat_upstream_error",
			ContentRaw: err.Error(),
		})
		return "", &UpstreamError{Message: upstreamMessage, Details: err.Error(), Err: err}
	}
	return llm.ExtractText(result), nil
}

// retire ends the loop when the session has been idle for at least idle, or
// unconditionally when force is set. It runs on the loop, so it never
// overlaps a turn.
func (s *session) retire(idle time.Duration, force bool) bool {
	if !force && s.reg.now().Sub(s.lastUsed) < idle {
		return false
	}
	s.retired = true
	s.reg.forget(s)
	return true
}
