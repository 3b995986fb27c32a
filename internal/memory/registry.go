// Package memory owns per-session conversation state.
//
// Every session key maps to one live actor: a goroutine that holds the
// session's log and executes operations against it strictly one at a time.
// Sessions never share mutable state, so different keys proceed in parallel.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cantor/internal/convlog"
	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/llm"
	"github.com/ashureev/cantor/internal/store"
	"github.com/sourcegraph/conc"
)

const (
	defaultIdleTTL       = 30 * time.Minute
	defaultSweepInterval = time.Minute
)

// Settings are the immutable prompt and generation parameters.
type Settings struct {
	Model        string
	Persona      string
	HistoryLimit int
	Temperature  float64
	MaxTokens    int
	Mock         bool
}

// Options wires a Registry.
type Options struct {
	Store         store.ConversationStore
	Runner        llm.Runner // unused in mock mode
	Settings      Settings
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Transcript    convlog.Logger
	Now           func() time.Time
}

// Registry routes operations to the actor owning each session key.
type Registry struct {
	store      store.ConversationStore
	runner     llm.Runner
	settings   Settings
	idleTTL    time.Duration
	interval   time.Duration
	logger     *slog.Logger
	transcript convlog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	loops    conc.WaitGroup
}

// NewRegistry validates opts and returns an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if opts.Runner == nil && !opts.Settings.Mock {
		return nil, errors.New("model runner is required unless mock mode is on")
	}
	if opts.Settings.HistoryLimit < 2 {
		return nil, fmt.Errorf("history limit must be >= 2, got %d", opts.Settings.HistoryLimit)
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Transcript == nil {
		opts.Transcript = convlog.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Registry{
		store:      opts.Store,
		runner:     opts.Runner,
		settings:   opts.Settings,
		idleTTL:    opts.IdleTTL,
		interval:   opts.SweepInterval,
		logger:     opts.Logger,
		transcript: opts.Transcript,
		now:        opts.Now,
		sessions:   make(map[string]*session),
	}, nil
}

// Fingerprint is a stable, non-reversible label for a session key, safe to
// write to logs.
func Fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// History returns the current log for key.
func (r *Registry) History(ctx context.Context, key string) (domain.ConversationLog, error) {
	return withSession(ctx, r, key, func(s *session) (domain.ConversationLog, error) {
		return s.history(ctx)
	})
}

// SubmitTurn runs one chat turn for key. An empty message is rejected with
// ErrMissingMessage; a failed model call yields *UpstreamError.
func (r *Registry) SubmitTurn(ctx context.Context, key, message, topic string) (TurnResult, error) {
	if message == "" {
		return TurnResult{}, ErrMissingMessage
	}
	return withSession(ctx, r, key, func(s *session) (TurnResult, error) {
		return s.submitTurn(ctx, message, topic)
	})
}

// withSession runs fn on the actor for key, retrying on a fresh actor when
// the one it reached retired in the meantime.
func withSession[T any](ctx context.Context, r *Registry, key string, fn func(*session) (T, error)) (T, error) {
	for {
		s, err := r.acquire(key)
		if err != nil {
			var zero T
			return zero, err
		}
		v, err := call(ctx, s, func() (T, error) { return fn(s) })
		if errors.Is(err, errRetired) {
			continue
		}
		return v, err
	}
}

func (r *Registry) acquire(key string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	s := newSession(r, key)
	r.sessions[key] = s
	r.loops.Go(s.loop)
	return s, nil
}

// forget drops s from the map if it is still the live actor for its key.
func (r *Registry) forget(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
}

func (r *Registry) snapshot() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live session actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep retires actors idle for at least the configured TTL and returns how
// many were retired. Busy actors are skipped.
func (r *Registry) Sweep() int {
	retired := 0
	for _, s := range r.snapshot() {
		ch := make(chan bool, 1)
		op := func() { ch <- s.retire(r.idleTTL, false) }

		select {
		case s.mailbox <- op:
			if <-ch {
				retired++
			}
		default:
			// Mid-operation or already gone.
		}
	}
	return retired
}

// StartSweeper retires idle actors every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session sweeper started", "interval", r.interval, "idle_ttl", r.idleTTL)

		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("Retired idle sessions", "count", n, "live", r.Len())
				}
			case <-ctx.Done():
				r.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Close retires every actor, letting in-flight turns finish, and waits for
// their goroutines. Later operations fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, s := range r.snapshot() {
		wg.Go(func() {
			ch := make(chan bool, 1)
			if err := s.send(context.Background(), func() { ch <- s.retire(0, true) }); err == nil {
				<-ch
			}
		})
	}
	wg.Wait()
	r.loops.Wait()
}

func (r *Registry) logTurn(session, message, reply string, historyLen int) {
	r.logger.Info("Chat turn completed",
		"session", session,
		"message_length", len(message),
		"reply_length", len(reply),
		"history_len", historyLen,
	)

	ts := r.now().UTC().Format(time.RFC3339Nano)
	r.transcript.Log(convlog.Event{
		Timestamp:  ts,
		SessionID:  session,
		Channel:    "chat",
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: message,
	})
	r.transcript.Log(convlog.Event{
		Timestamp:  ts,
		SessionID:  session,
		Channel:    "chat",
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: reply,
		Meta:       map[string]any{"history_len": historyLen},
	})
}
