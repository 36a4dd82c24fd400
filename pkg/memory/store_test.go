package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
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

func newTestStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory", "alice.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(t *testing.T, store *SQLiteStore, userID string) Session {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, userID, "")
	require.NoError(t, err)
	sess, err := store.CreateSession(ctx, Session{UserID: userID, Mode: "companion"})
	require.NoError(t, err)
	return sess
}

func TestEnsureUser_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.EnsureUser(ctx, "u1", "Sam")
	require.NoError(t, err)
	second, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "Sam", second.DisplayName)

	_, err = store.GetUser(ctx, "nobody")
	assert.True(t, errors.Is(err, ErrUnknownUser))
}

func TestCreateSession_RequiresUser(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateSession(ctx, Session{UserID: "ghost", Mode: "assistant"})
	assert.True(t, errors.Is(err, ErrUnknownUser))

	sess := newTestSession(t, store, "u1")
	assert.Equal(t, SessionActive, sess.State)

	_, err = store.CreateSession(ctx, Session{UserID: "u1", Mode: "assistant", ParentID: "missing"})
	assert.True(t, errors.Is(err, ErrUnknownSession))

	child, err := store.CreateSession(ctx, Session{UserID: "u1", Mode: "assistant", ParentID: sess.ID})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, child.ParentID)
}

func TestAppendTurn_UnknownSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.AppendTurn(context.Background(), "missing", Turn{Speaker: SpeakerUser, Text: "hi"})
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestAppendTurn_SequenceAndTimestamps(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	sess := newTestSession(t, store, "u1")

	first, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, clock.Now(), first.CreatedAt)
	assert.Equal(t, "companion", first.Mode)
	assert.Equal(t, KindMessage, first.Kind)

	future := clock.Now().Add(time.Hour)
	second, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerAssistant, Text: "Hi!", CreatedAt: future})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	// A zero timestamp never goes backwards.
	third, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "still here"})
	require.NoError(t, err)
	assert.Equal(t, future, third.CreatedAt)

	// Equal timestamps are allowed, earlier ones are not.
	_, err = store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "same", CreatedAt: future})
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "late", CreatedAt: future.Add(-time.Second)})
	assert.True(t, errors.Is(err, ErrOutOfOrderTurn))

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TurnCount)
	assert.Equal(t, future, got.LastActiveAt)

	_, err = store.AppendTurn(ctx, sess.ID, Turn{Speaker: "narrator", Text: "x"})
	require.Error(t, err)
}

func TestAppendTurn_ConcurrentAppendsGetDistinctSeqs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: fmt.Sprintf("m%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := store.ListTurns(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, turns, 40)
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Seq)
		if i > 0 {
			assert.False(t, turn.CreatedAt.Before(turns[i-1].CreatedAt))
		}
	}
}

func collectTurns(t *testing.T, seq func(func(Turn, error) bool)) []Turn {
	t.Helper()
	var out []Turn
	for turn, err := range seq {
		require.NoError(t, err)
		out = append(out, turn)
	}
	return out
}

func TestRecentTurns_InvalidBudgetAndUnknownSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")

	for _, err := range store.RecentTurns(ctx, sess.ID, Budget{}) {
		assert.True(t, errors.Is(err, ErrInvalidBudget))
	}
	for _, err := range store.RecentTurns(ctx, "missing", Budget{MaxTurns: 3}) {
		assert.True(t, errors.Is(err, ErrUnknownSession))
	}
}

// Property: for any budget the window is the longest suffix of the
// append-order history that respects both limits.
func TestRecentTurns_SuffixWithinBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 150; i++ {
		text := strings.Repeat("x", 1+rng.Intn(200))
		speaker := SpeakerUser
		if i%2 == 1 {
			speaker = SpeakerAssistant
		}
		_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: speaker, Text: text})
		require.NoError(t, err)
	}
	all, err := store.ListTurns(ctx, sess.ID, 0, 0)
	require.NoError(t, err)

	for trial := 0; trial < 60; trial++ {
		budget := Budget{MaxTurns: rng.Intn(160), MaxTokens: rng.Intn(4000)}
		if !budget.Valid() {
			continue
		}
		window := collectTurns(t, store.RecentTurns(ctx, sess.ID, budget))

		k := len(window)
		require.LessOrEqual(t, k, len(all))
		if k > 0 {
			assert.Equal(t, all[len(all)-k:], window, "budget %+v", budget)
		}

		tokens := 0
		for _, turn := range window {
			tokens += EstimateTokens(turn.Text)
		}
		if budget.MaxTurns > 0 {
			assert.LessOrEqual(t, k, budget.MaxTurns)
		}
		if budget.MaxTokens > 0 {
			assert.LessOrEqual(t, tokens, budget.MaxTokens)
		}
		if k < len(all) {
			prev := all[len(all)-k-1]
			fitsTurns := budget.MaxTurns <= 0 || k+1 <= budget.MaxTurns
			fitsTokens := budget.MaxTokens <= 0 || tokens+EstimateTokens(prev.Text) <= budget.MaxTokens
			assert.False(t, fitsTurns && fitsTokens, "window for %+v is not maximal", budget)
		}
	}
}

func TestRecentTurns_RestartableAndLazy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")
	for i := 0; i < 5; i++ {
		_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}

	seq := store.RecentTurns(ctx, sess.ID, Budget{MaxTurns: 3})
	first := collectTurns(t, seq)
	second := collectTurns(t, seq)
	assert.Equal(t, first, second)
	assert.Equal(t, "turn 2", first[0].Text)

	// Stopping early is fine, and the store stays usable.
	for turn, err := range seq {
		require.NoError(t, err)
		assert.Equal(t, "turn 2", turn.Text)
		break
	}

	_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerAssistant, Text: "turn 5"})
	require.NoError(t, err)
	third := collectTurns(t, seq)
	assert.Equal(t, "turn 5", third[len(third)-1].Text)
	assert.Len(t, third, 3)
}

func TestRecentTurns_UpToSeq(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")
	for i := 0; i < 6; i++ {
		_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
	}

	window := collectTurns(t, store.RecentTurns(ctx, sess.ID, Budget{MaxTurns: 2, UpToSeq: 4}))
	require.Len(t, window, 2)
	assert.Equal(t, int64(3), window[0].Seq)
	assert.Equal(t, int64(4), window[1].Seq)
}

func TestRecentTurns_OversizedTurnIsExcluded(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")
	_, err := store.AppendTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: strings.Repeat("é", 1000)})
	require.NoError(t, err)

	window := collectTurns(t, store.RecentTurns(ctx, sess.ID, Budget{MaxTokens: 100}))
	assert.Empty(t, window)
}

func TestHeldTurnsQueueInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")

	_, err := store.AppendHeldTurn(ctx, sess.ID, Turn{Speaker: SpeakerAssistant, Text: "no"})
	require.Error(t, err)

	a, err := store.AppendHeldTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "first"})
	require.NoError(t, err)
	b, err := store.AppendHeldTurn(ctx, sess.ID, Turn{Speaker: SpeakerUser, Text: "second"})
	require.NoError(t, err)

	queued, err := store.ListQueued(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, a.ID, queued[0].TurnID)
	assert.Equal(t, b.Seq, queued[1].TurnSeq)

	reply, err := store.AnswerQueued(ctx, queued[0].ID, Turn{Speaker: SpeakerAssistant, Text: "answer"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), reply.Seq)

	queued, err = store.ListQueued(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "second", queued[0].Text)

	require.NoError(t, store.Dequeue(ctx, queued[0].ID))
	queued, err = store.ListQueued(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestArchiveIdleSessionsAndPurge(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))

	old := newTestSession(t, store, "u1")
	paused := newTestSession(t, store, "u1")
	require.NoError(t, store.SetSessionPaused(ctx, paused.ID, true))
	clock.Advance(2 * time.Hour)
	recent := newTestSession(t, store, "u1")
	clock.Advance(45 * time.Minute)

	now := clock.Now()
	res, err := store.ArchiveIdleSessions(ctx, now.Add(-30*time.Minute), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Idled: 2, Archived: 1}, res)

	got, _ := store.GetSession(ctx, old.ID)
	assert.Equal(t, SessionArchived, got.State)
	assert.Equal(t, now, got.ArchivedAt)
	got, _ = store.GetSession(ctx, paused.ID)
	assert.Equal(t, SessionIdle, got.State, "paused sessions are never archived by the sweep")
	got, _ = store.GetSession(ctx, recent.ID)
	assert.Equal(t, SessionIdle, got.State)

	_, err = store.AppendTurn(ctx, old.ID, Turn{Speaker: SpeakerUser, Text: "hi"})
	require.NoError(t, err)
	_, err = store.UpsertFact(ctx, "u1", FactInput{Key: "name", Value: "Sam"})
	require.NoError(t, err)

	clock.Advance(48 * time.Hour)
	n, err := store.PurgeArchivedBefore(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetSession(ctx, old.ID)
	assert.True(t, errors.Is(err, ErrUnknownSession))
	facts, err := store.FactsFor(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Users: 1, Sessions: 2, ActiveSessions: 0, Turns: 0, Facts: 1}, st)
}

func TestSetSessionState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sess := newTestSession(t, store, "u1")

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetSessionState(ctx, sess.ID, SessionArchived, at))
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionArchived, got.State)
	assert.Equal(t, at, got.ArchivedAt)

	assert.Error(t, store.SetSessionState(ctx, sess.ID, "deleted", at))
	assert.True(t, errors.Is(store.SetSessionState(ctx, "missing", SessionIdle, at), ErrUnknownSession))
	assert.True(t, errors.Is(store.SetSessionMode(ctx, "missing", "assistant"), ErrUnknownSession))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("disk full")))
	assert.False(t, IsTransient(ErrUnknownSession))
}
