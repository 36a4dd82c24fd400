package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertFact_UnknownUserAndValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.UpsertFact(ctx, "ghost", FactInput{Key: "name", Value: "Sam"})
	assert.True(t, errors.Is(err, ErrUnknownUser))
	_, err = store.FactsFor(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrUnknownUser))

	_, err = store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)
	for _, in := range []FactInput{
		{Key: "  ", Value: "x"},
		{Key: "name", Value: ""},
		{Key: "name", Value: "x", Source: "rumor"},
		{Key: "name", Value: "x", Confidence: 1.5},
	} {
		_, err := store.UpsertFact(ctx, "u1", in)
		assert.True(t, errors.Is(err, ErrInvalidFact), "%+v", in)
	}
}

func TestUpsertFact_SupersedesAndKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.EnsureUser(ctx, "u1", "")
	require.NoError(t, err)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	first, err := store.UpsertFact(ctx, "u1", FactInput{Key: "Favorite Color", Value: "blue", RecordedAt: t1})
	require.NoError(t, err)
	assert.Equal(t, "favorite_color", first.Key)
	assert.Equal(t, SourceExplicit, first.Source)
	assert.Equal(t, 1.0, first.Confidence)

	second, err := store.UpsertFact(ctx, "u1", FactInput{Key: "favorite color", Value: "green", Source: SourceInferred, RecordedAt: t2})
	require.NoError(t, err)
	assert.True(t, second.Current)
	assert.Equal(t, 0.5, second.Confidence)

	facts, err := store.FactsFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "green", facts[0].Value)

	history, err := store.FactHistory(ctx, "u1", "favorite_color")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "green", history[0].Value)
	assert.Equal(t, "blue", history[1].Value)
	assert.False(t, history[1].Current)
	assert.Equal(t, t2, history[1].SupersededAt)
}

// Two writes for the same key arriving newest first: the newest timestamp
// still wins.
func TestUpsertFact_LastWriteWinsByTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	_, err := store.EnsureUser(ctx, "U1", "")
	require.NoError(t, err)

	t1 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Second)

	_, err = store.UpsertFact(ctx, "U1", FactInput{Key: "name", Value: "Samantha", RecordedAt: t2})
	require.NoError(t, err)
	late, err := store.UpsertFact(ctx, "U1", FactInput{Key: "name", Value: "Sam", RecordedAt: t1})
	require.NoError(t, err)
	assert.False(t, late.Current)
	assert.Equal(t, t2, late.SupersededAt)

	facts, err := store.FactsFor(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Samantha", facts[0].Value)

	// Equal timestamps: the later call wins.
	_, err = store.UpsertFact(ctx, "U1", FactInput{Key: "name", Value: "Sammy", RecordedAt: t2})
	require.NoError(t, err)
	facts, err = store.FactsFor(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Sammy", facts[0].Value)
}

// Property: under concurrent writers with shuffled timestamps, each key ends
// with exactly one current fact holding the newest value.
func TestUpsertFact_ConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, u := range []string{"u1", "u2"} {
		_, err := store.EnsureUser(ctx, u, "")
		require.NoError(t, err)
	}

	type write struct {
		user, key, value string
		at               time.Time
	}
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var writes []write
	for _, u := range []string{"u1", "u2"} {
		for _, k := range []string{"name", "city", "pet"} {
			for i := 0; i < 12; i++ {
				writes = append(writes, write{u, k, fmt.Sprintf("%s-%s-%d", u, k, i), base.Add(time.Duration(i) * time.Second)})
			}
		}
	}
	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(writes), func(i, j int) { writes[i], writes[j] = writes[j], writes[i] })

	var wg sync.WaitGroup
	errs := make(chan error, len(writes))
	for _, w := range writes {
		wg.Add(1)
		go func(w write) {
			defer wg.Done()
			_, err := store.UpsertFact(ctx, w.user, FactInput{Key: w.key, Value: w.value, RecordedAt: w.at})
			errs <- err
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, u := range []string{"u1", "u2"} {
		facts, err := store.FactsFor(ctx, u)
		require.NoError(t, err)
		require.Len(t, facts, 3)
		for _, f := range facts {
			assert.Equal(t, fmt.Sprintf("%s-%s-11", u, f.Key), f.Value)
			history, err := store.FactHistory(ctx, u, f.Key)
			require.NoError(t, err)
			assert.Len(t, history, 12)
		}
	}
}
