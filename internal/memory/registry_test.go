package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cantor/internal/domain"
	"github.com/ashureev/cantor/internal/llm"
	"github.com/ashureev/cantor/internal/store"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1700000000000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore wraps a MemoryStore and fails the next N Gets or Puts.
type flakyStore struct {
	*store.MemoryStore
	mu       sync.Mutex
	failGets int
	failPuts int
	puts     int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemory()}
}

func (s *flakyStore) Get(ctx context.Context, key string) (domain.ConversationLog, bool, error) {
	s.mu.Lock()
	if s.failGets > 0 {
		s.failGets--
		s.mu.Unlock()
		return nil, false, errors.New("store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Put(ctx context.Context, key string, log domain.ConversationLog) error {
	s.mu.Lock()
	if s.failPuts > 0 {
		s.failPuts--
		s.mu.Unlock()
		return errors.New("disk full")
	}
	s.puts++
	s.mu.Unlock()
	return s.MemoryStore.Put(ctx, key, log)
}

// recordingRunner answers every call and remembers the inputs it saw.
type recordingRunner struct {
	mu     sync.Mutex
	inputs []llm.Input
	err    error
	delay  time.Duration

	inFlight    int
	maxInFlight int
}

func (r *recordingRunner) Run(ctx context.Context, _ string, in llm.Input) (any, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	err := r.err
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	last := in.Messages[len(in.Messages)-1].Content
	return map[string]any{"response": "reply to " + last}, nil
}

func (r *recordingRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func (r *recordingRunner) lastInput() llm.Input {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inputs[len(r.inputs)-1]
}

func testSettings() Settings {
	return Settings{
		Model:        "@cf/meta/llama-3.1-8b-instruct",
		Persona:      "You are Bach.",
		HistoryLimit: 12,
		Temperature:  0.35,
		MaxTokens:    512,
	}
}

func newTestRegistry(t *testing.T, s store.ConversationStore, runner llm.Runner, mutate ...func(*Options)) *Registry {
	t.Helper()
	opts := Options{Store: s, Runner: runner, Settings: testSettings()}
	for _, m := range mutate {
		m(&opts)
	}
	reg, err := NewRegistry(opts)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg
}

func priorLog(n int) domain.ConversationLog {
	log := make(domain.ConversationLog, 0, n)
	for i := range n {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		log = append(log, domain.Message{Role: role, Content: fmt.Sprintf("m%d", i), Timestamp: int64(i)})
	}
	return log
}

func TestNewRegistryValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry(Options{Runner: &recordingRunner{}, Settings: testSettings()})
	assert.Error(t, err)

	_, err = NewRegistry(Options{Store: store.NewMemory(), Settings: testSettings()})
	assert.Error(t, err)

	mock := testSettings()
	mock.Mock = true
	reg, err := NewRegistry(Options{Store: store.NewMemory(), Settings: mock})
	require.NoError(t, err)
	reg.Close()

	small := testSettings()
	small.HistoryLimit = 1
	_, err = NewRegistry(Options{Store: store.NewMemory(), Runner: &recordingRunner{}, Settings: small})
	assert.Error(t, err)
}

func TestSubmitTurnNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := &recordingRunner{}
	reg := newTestRegistry(t, store.NewMemory(), runner)

	for i := range 10 {
		res, err := reg.SubmitTurn(ctx, "sess", fmt.Sprintf("q%d", i), "")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("reply to q%d", i), res.Reply)
		assert.LessOrEqual(t, len(res.History), 12)
		assert.LessOrEqual(t, len(runner.lastInput().Messages), 12)
	}

	history, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	require.Len(t, history, 12)
	assert.Equal(t, "q4", history[0].Content)
	assert.Equal(t, "reply to q9", history[11].Content)
}

func TestSubmitTurnWithElevenPriorMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemory()
	prior := priorLog(11)
	require.NoError(t, s.Put(ctx, "sess", prior))

	runner := &recordingRunner{}
	reg := newTestRegistry(t, s, runner)

	res, err := reg.SubmitTurn(ctx, "sess", "next", "counterpoint")
	require.NoError(t, err)
	require.Len(t, res.History, 12)

	// The window holds the newest ten prior entries.
	in := runner.lastInput()
	require.Len(t, in.Messages, 12)
	assert.Equal(t, "system", in.Messages[0].Role)
	assert.Contains(t, in.Messages[0].Content, "The student is currently studying counterpoint.")
	assert.Equal(t, "m1", in.Messages[1].Content)
	assert.Equal(t, "m10", in.Messages[10].Content)
	assert.Equal(t, llm.ChatMessage{Role: "user", Content: "next"}, in.Messages[11])
	assert.Equal(t, 0.35, in.Temperature)
	assert.Equal(t, 512, in.MaxTokens)

	assert.Equal(t, prior[1:], res.History[:10])
	assert.Equal(t, domain.RoleUser, res.History[10].Role)
	assert.Equal(t, domain.RoleAssistant, res.History[11].Role)

	stored, found, err := s.Get(ctx, "sess")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, res.History, stored)
}

func TestHistoryIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newFlakyStore()
	reg := newTestRegistry(t, s, &recordingRunner{})

	empty, err := reg.History(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = reg.SubmitTurn(ctx, "sess", "hello", "")
	require.NoError(t, err)

	first, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	second, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, s.puts)
}

func TestHistoryReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t, store.NewMemory(), &recordingRunner{})

	_, err := reg.SubmitTurn(ctx, "sess", "hello", "")
	require.NoError(t, err)

	got, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	got[0].Content = "tampered"

	again, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, "hello", again[0].Content)
}

func TestHistorySurvivesRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := store.NewMemory()

	first, err := NewRegistry(Options{Store: s, Runner: &recordingRunner{}, Settings: testSettings()})
	require.NoError(t, err)
	res, err := first.SubmitTurn(ctx, "sess", "hello", "")
	require.NoError(t, err)
	first.Close()

	second := newTestRegistry(t, s, &recordingRunner{})
	history, err := second.History(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, res.History, history)
}

func TestSubmitTurnRejectsEmptyMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newFlakyStore()
	runner := &recordingRunner{}
	reg := newTestRegistry(t, s, runner)

	_, err := reg.SubmitTurn(ctx, "sess", "", "fugue")
	assert.ErrorIs(t, err, ErrMissingMessage)
	assert.Zero(t, runner.calls())
	assert.Zero(t, s.puts)
	assert.Zero(t, reg.Len())
}

func TestUpstreamFailureLeavesLogUnchanged(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newFlakyStore()
	runner := &recordingRunner{}
	reg := newTestRegistry(t, s, runner)

	_, err := reg.SubmitTurn(ctx, "sess", "hello", "")
	require.NoError(t, err)
	before, err := reg.History(ctx, "sess")
	require.NoError(t, err)

	runner.mu.Lock()
	runner.err = errors.New("upstream 503")
	runner.mu.Unlock()

	_, err = reg.SubmitTurn(ctx, "sess", "again", "")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "upstream 503", upstream.Details)
	assert.NotEmpty(t, upstream.Message)

	after, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, s.puts)
}

func TestPersistFailureKeepsPreviousLog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newFlakyStore()
	s.failPuts = 1
	reg := newTestRegistry(t, s, &recordingRunner{})

	_, err := reg.SubmitTurn(ctx, "sess", "hello", "")
	require.Error(t, err)
	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream))

	history, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t, store.NewMemory(), &recordingRunner{})

	_, err := reg.SubmitTurn(ctx, "alice", "about fugues", "")
	require.NoError(t, err)
	_, err = reg.SubmitTurn(ctx, "bob", "about chorales", "")
	require.NoError(t, err)

	alice, err := reg.History(ctx, "alice")
	require.NoError(t, err)
	bob, err := reg.History(ctx, "bob")
	require.NoError(t, err)

	require.Len(t, alice, 2)
	require.Len(t, bob, 2)
	assert.Equal(t, "about fugues", alice[0].Content)
	assert.Equal(t, "about chorales", bob[0].Content)
	assert.Equal(t, 2, reg.Len())
}

func TestMockModeNeverCallsRunner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := newTestRegistry(t, store.NewMemory(), nil, func(o *Options) { o.Settings.Mock = true })

	res, err := reg.SubmitTurn(ctx, "sess", "What is a canon?", "imitation")
	require.NoError(t, err)
	assert.Equal(t, llm.MockReply("What is a canon?", "imitation"), res.Reply)
	assert.Len(t, res.History, 2)
}

func TestConcurrentTurnsOnOneSessionAreSerialized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := &recordingRunner{delay: 2 * time.Millisecond}
	reg := newTestRegistry(t, store.NewMemory(), runner)

	var wg conc.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			_, err := reg.SubmitTurn(ctx, "shared", fmt.Sprintf("q%d", i), "")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Equal(t, 20, runner.calls())
	assert.Equal(t, 1, runner.maxInFlight)

	history, err := reg.History(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, history, 12)
	for i := 0; i < len(history); i += 2 {
		assert.Equal(t, domain.RoleUser, history[i].Role)
		assert.Equal(t, "reply to "+history[i].Content, history[i+1].Content)
	}
}

func TestDistinctSessionsRunInParallel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	runner := &recordingRunner{delay: 20 * time.Millisecond}
	reg := newTestRegistry(t, store.NewMemory(), runner)

	var wg conc.WaitGroup
	for i := range 4 {
		wg.Go(func() {
			_, err := reg.SubmitTurn(ctx, fmt.Sprintf("sess-%d", i), "hello", "")
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	assert.Greater(t, runner.maxInFlight, 1)
}

func TestFailedLoadIsRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newFlakyStore()
	require.NoError(t, s.MemoryStore.Put(ctx, "sess", priorLog(2)))
	s.failGets = 1
	reg := newTestRegistry(t, s, &recordingRunner{})

	_, err := reg.History(ctx, "sess")
	require.Error(t, err)

	history, err := reg.History(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, priorLog(2), history)
}

func TestSweepRetiresIdleSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	s := store.NewMemory()
	reg := newTestRegistry(t, s, &recordingRunner{}, func(o *Options) {
		o.IdleTTL = time.Minute
		o.Now = clock.Now
	})

	_, err := reg.SubmitTurn(ctx, "idle", "hello", "")
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	assert.Zero(t, reg.Sweep())
	assert.Equal(t, 1, reg.Len())

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		reg.Sweep()
		return reg.Len() == 0
	}, time.Second, 5*time.Millisecond)

	// A fresh actor reloads from the store.
	history, err := reg.History(ctx, "idle")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, reg.Len())
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	clock := newFakeClock()
	reg := newTestRegistry(t, store.NewMemory(), &recordingRunner{}, func(o *Options) {
		o.IdleTTL = time.Second
		o.SweepInterval = 5 * time.Millisecond
		o.Now = clock.Now
	})

	_, err := reg.History(ctx, "sess")
	require.NoError(t, err)

	reg.StartSweeper(ctx)
	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
}

func TestClosedRegistryRejectsOperations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg, err := NewRegistry(Options{Store: store.NewMemory(), Runner: &recordingRunner{}, Settings: testSettings()})
	require.NoError(t, err)

	_, err = reg.History(ctx, "sess")
	require.NoError(t, err)

	reg.Close()
	assert.Zero(t, reg.Len())

	_, err = reg.History(ctx, "sess")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = reg.SubmitTurn(ctx, "sess", "hi", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCallerCancellationDoesNotLoseReply(t *testing.T) {
	t.Parallel()

	s := store.NewMemory()
	runner := llm.RunnerFunc(func(context.Context, string, llm.Input) (any, error) {
		return "done", nil
	})
	reg := newTestRegistry(t, s, runner)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := reg.SubmitTurn(ctx, "sess", "hello", "")
	cancel()
	require.NoError(t, err)
	assert.Equal(t, "done", res.Reply)

	stored, found, err := s.Get(context.Background(), "sess")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, stored, 2)
}

func TestFingerprintIsStableAndOpaque(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("secret-session")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("secret-session"))
	assert.NotEqual(t, fp, Fingerprint("other-session"))
	assert.NotContains(t, fp, "secret")
}
