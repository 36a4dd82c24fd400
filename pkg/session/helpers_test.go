package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/alice/pkg/memory"
	"github.com/dotsetgreg/alice/pkg/modes"
	"github.com/dotsetgreg/alice/pkg/providers"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 2, 18, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// scriptedGen answers "re: <last user message>" and records every request.
type scriptedGen struct {
	mu       sync.Mutex
	requests []providers.Request
	err      error
	facts    []providers.FactSuggestion
}

func (g *scriptedGen) Name() string { return "scripted" }

func (g *scriptedGen) Generate(ctx context.Context, req providers.Request) (providers.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return providers.Response{}, g.err
	}
	last := req.Messages[len(req.Messages)-1].Content
	return providers.Response{Text: "re: " + last, Facts: g.facts}, nil
}

func (g *scriptedGen) Requests() []providers.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]providers.Request(nil), g.requests...)
}

// blockingGen waits for the caller to give up.
type blockingGen struct {
	started chan struct{}
}

func (g *blockingGen) Name() string { return "blocking" }

func (g *blockingGen) Generate(ctx context.Context, _ providers.Request) (providers.Response, error) {
	g.started <- struct{}{}
	<-ctx.Done()
	return providers.Response{}, ctx.Err()
}

type testEnv struct {
	ctrl  *Controller
	store *memory.SQLiteStore
	modes *modes.Registry
	clock *fakeClock
}

func newTestEnv(t *testing.T, gen providers.Generator, tweak ...func(*Options)) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "alice.db"), memory.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := modes.NewRegistry()
	opts := Options{
		Store:         store,
		Modes:         reg,
		Generator:     gen,
		IdleAfter:     30 * time.Minute,
		ArchiveAfter:  24 * time.Hour,
		ContextTurns:  20,
		ContextTokens: 2048,
		Now:           clock.Now,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	return &testEnv{ctrl: ctrl, store: store, modes: reg, clock: clock}
}

func (e *testEnv) history(t *testing.T, sessionID string) []memory.Turn {
	t.Helper()
	turns, err := e.ctrl.History(context.Background(), sessionID, 0, 0)
	require.NoError(t, err)
	return turns
}

func speakers(turns []memory.Turn) []memory.Speaker {
	out := make([]memory.Speaker, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Speaker)
	}
	return out
}
