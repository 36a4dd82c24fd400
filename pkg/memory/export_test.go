package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/alice/pkg/modes"
)

var ignoreExportedAt = cmp.Options{
	cmpopts.IgnoreFields(ExportDocument{}, "ExportedAt"),
	cmpopts.IgnoreUnexported(modes.Mode{}),
	cmpopts.EquateEmpty(),
}

func seedUser(t *testing.T, store *SQLiteStore, clock *fakeClock, userID string) Session {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureUser(ctx, userID, "Sam")
	require.NoError(t, err)

	first, err := store.CreateSession(ctx, Session{UserID: userID, Mode: modes.Companion})
	require.NoError(t, err)
	for _, text := range []string{"Hello", "My name is Sam"} {
		_, err := store.AppendTurn(ctx, first.ID, Turn{Speaker: SpeakerUser, Text: text})
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = store.AppendTurn(ctx, first.ID, Turn{Speaker: SpeakerAssistant, Text: "Nice to meet you"})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err = store.AppendTurn(ctx, first.ID, Turn{Speaker: SpeakerSystem, Kind: KindModeChange, Text: "companion -> dungeon_master", Mode: modes.DungeonMaster})
	require.NoError(t, err)
	require.NoError(t, store.SetSessionState(ctx, first.ID, SessionArchived, clock.Now()))

	second, err := store.CreateSession(ctx, Session{UserID: userID, Mode: modes.DungeonMaster, ParentID: first.ID})
	require.NoError(t, err)
	require.NoError(t, store.SetSessionPaused(ctx, second.ID, true))
	_, err = store.AppendHeldTurn(ctx, second.ID, Turn{Speaker: SpeakerUser, Text: "I open the door"})
	require.NoError(t, err)

	_, err = store.UpsertFact(ctx, userID, FactInput{Key: "name", Value: "Samuel", RecordedAt: clock.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = store.UpsertFact(ctx, userID, FactInput{Key: "name", Value: "Sam"})
	require.NoError(t, err)
	_, err = store.UpsertFact(ctx, userID, FactInput{Key: "likes", Value: "dragons", Source: SourceInferred, Confidence: 0.7})
	require.NoError(t, err)
	return second
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := newTestStore(t, WithClock(clock.Now))
	seedUser(t, src, clock, "U1")
	overrides := []modes.Mode{{Name: "pirate", DisplayName: "ALICE Pirate", Personality: "Loud.", Safety: modes.SafetyRelaxed}}

	blob, err := src.Export(ctx, "U1", overrides)
	require.NoError(t, err)

	dst := newTestStore(t)
	res, err := dst.Import(ctx, "U1", blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	assert.Equal(t, 2, res.Sessions)
	assert.Equal(t, 6, res.Turns)
	assert.Equal(t, 3, res.Facts)
	require.Len(t, res.ModeOverrides, 1)
	assert.Equal(t, "pirate", res.ModeOverrides[0].Name)

	again, err := dst.Export(ctx, "U1", overrides)
	require.NoError(t, err)

	want, err := ParseExport(blob)
	require.NoError(t, err)
	got, err := ParseExport(again)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, ignoreExportedAt); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	facts, err := dst.FactsFor(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "Sam", facts[1].Value)
}

func TestImport_TwiceEqualsOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := newTestStore(t, WithClock(clock.Now))
	seedUser(t, src, clock, "U1")
	blob, err := src.Export(ctx, "", nil)
	require.NoError(t, err)

	once := newTestStore(t)
	_, err = once.Import(ctx, "", blob)
	require.NoError(t, err)

	twice := newTestStore(t)
	_, err = twice.Import(ctx, "", blob)
	require.NoError(t, err)
	_, err = twice.Import(ctx, "", blob)
	require.NoError(t, err)

	a, err := once.exportDocument(ctx, "", nil)
	require.NoError(t, err)
	b, err := twice.exportDocument(ctx, "", nil)
	require.NoError(t, err)
	if diff := cmp.Diff(a, b, ignoreExportedAt); diff != "" {
		t.Fatalf("double import differs (-once +twice):\n%s", diff)
	}

	st, err := twice.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Users: 1, Sessions: 2, ActiveSessions: 1, Turns: 6, Facts: 2, Queued: 1}, st)
}

func TestImport_RejectsOtherVersionsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	seedUser(t, store, clock, "U1")
	before, err := store.exportDocument(ctx, "", nil)
	require.NoError(t, err)

	blob, err := store.Export(ctx, "U1", nil)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(blob, &raw))
	for _, version := range []int{0, 2} {
		raw["schema_version"] = version
		raw["users"] = []any{}
		bad, err := json.Marshal(raw)
		require.NoError(t, err)

		_, err = store.Import(ctx, "", bad)
		assert.True(t, errors.Is(err, ErrIncompatibleSchema), "version %d: %v", version, err)
	}

	_, err = store.Import(ctx, "", []byte(`{"format":"something.else","schema_version":1}`))
	assert.True(t, errors.Is(err, ErrIncompatibleSchema))

	after, err := store.exportDocument(ctx, "", nil)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, ignoreExportedAt); diff != "" {
		t.Fatalf("store changed after rejected import:\n%s", diff)
	}
}

func TestImport_InvalidDocumentLeavesDataIntact(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	seedUser(t, store, clock, "U1")
	before, err := store.exportDocument(ctx, "", nil)
	require.NoError(t, err)

	cases := map[string]string{
		"not json":       `{"format":`,
		"missing users":  `{"format":"alice.export","schema_version":1,"exported_at":"2026-01-01T00:00:00Z","mode_overrides":[]}`,
		"bad speaker":    `{"format":"alice.export","schema_version":1,"exported_at":"2026-01-01T00:00:00Z","mode_overrides":[],"users":[{"id":"U1","created_at":"2026-01-01T00:00:00Z","facts":[],"sessions":[{"id":"s","user_id":"U1","mode":"assistant","state":"active","created_at":"2026-01-01T00:00:00Z","last_active_at":"2026-01-01T00:00:00Z","turns":[{"id":"t","session_id":"s","seq":1,"speaker":"narrator","kind":"message","text":"x","mode":"assistant","created_at":"2026-01-01T00:00:00Z"}]}]}]}`,
		"two current":    `{"format":"alice.export","schema_version":1,"exported_at":"2026-01-01T00:00:00Z","mode_overrides":[],"users":[{"id":"U1","created_at":"2026-01-01T00:00:00Z","sessions":[],"facts":[{"id":"f1","user_id":"U1","key":"name","value":"a","source":"explicit","confidence":1,"recorded_at":"2026-01-01T00:00:00Z","current":true},{"id":"f2","user_id":"U1","key":"name","value":"b","source":"explicit","confidence":1,"recorded_at":"2026-01-02T00:00:00Z","current":true}]}]}`,
		"turn backwards": `{"format":"alice.export","schema_version":1,"exported_at":"2026-01-01T00:00:00Z","mode_overrides":[],"users":[{"id":"U1","created_at":"2026-01-01T00:00:00Z","facts":[],"sessions":[{"id":"s","user_id":"U1","mode":"assistant","state":"active","created_at":"2026-01-01T00:00:00Z","last_active_at":"2026-01-01T00:00:00Z","turns":[{"id":"t1","session_id":"s","seq":1,"speaker":"user","kind":"message","text":"x","mode":"assistant","created_at":"2026-01-02T00:00:00Z"},{"id":"t2","session_id":"s","seq":2,"speaker":"user","kind":"message","text":"y","mode":"assistant","created_at":"2026-01-01T00:00:00Z"}]}]}]}`,
	}
	for name, doc := range cases {
		_, err := store.Import(ctx, "", []byte(doc))
		assert.True(t, errors.Is(err, ErrInvalidExport), "%s: %v", name, err)
	}

	after, err := store.exportDocument(ctx, "", nil)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after, ignoreExportedAt); diff != "" {
		t.Fatalf("store changed after rejected import:\n%s", diff)
	}
}

func TestImport_ConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	sess := seedUser(t, store, clock, "U1")

	// A second user's export that claims one of U1's session ids.
	doc := ExportDocument{
		Format:        ExportFormat,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    clock.Now(),
		ModeOverrides: []modes.Mode{{Name: "pirate", DisplayName: "ALICE Pirate", Personality: "Loud.", Safety: modes.SafetyRelaxed}},
		Users: []ExportUser{{
			User:  User{ID: "U2", CreatedAt: clock.Now()},
			Facts: []Fact{{ID: "f-u2", UserID: "U2", Key: "name", Value: "Alex", Source: SourceExplicit, Confidence: 1, RecordedAt: clock.Now(), Current: true}},
			Sessions: []ExportSession{{
				Session: Session{ID: sess.ID, UserID: "U2", Mode: "assistant", State: SessionActive, CreatedAt: clock.Now(), LastActiveAt: clock.Now()},
				Turns:   []Turn{},
			}},
		}},
	}
	blob, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = store.Import(ctx, "U2", blob)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImportConflict), "got %v", err)
	assert.True(t, errors.Is(err, ErrInvalidExport), "got %v", err)
	assert.Contains(t, err.Error(), `belongs to user "U1"`)

	_, err = store.GetUser(ctx, "U2")
	assert.True(t, errors.Is(err, ErrUnknownUser), "partial import leaked user")
	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "U1", got.UserID)
	overrides, err := store.ModeOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestImport_TurnOwnedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	seedUser(t, store, clock, "U1")
	turns, err := store.ListTurns(ctx, seedUserFirstSession(t, store, "U1"), 0, 1)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	doc := ExportDocument{
		Format:        ExportFormat,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    clock.Now(),
		ModeOverrides: []modes.Mode{},
		Users: []ExportUser{{
			User:  User{ID: "U2", CreatedAt: clock.Now()},
			Facts: []Fact{},
			Sessions: []ExportSession{{
				Session: Session{ID: "s-u2", UserID: "U2", Mode: "assistant", State: SessionActive, CreatedAt: clock.Now(), LastActiveAt: clock.Now()},
				Turns: []Turn{{
					ID: turns[0].ID, SessionID: "s-u2", Seq: 1, Speaker: SpeakerUser, Kind: KindMessage,
					Text: "hi", CreatedAt: clock.Now(),
				}},
			}},
		}},
	}
	blob, err := json.Marshal(doc)
	require.NoError(t, err)

	_, err = store.Import(ctx, "", blob)
	assert.True(t, errors.Is(err, ErrImportConflict), "got %v", err)
	_, err = store.GetSession(ctx, "s-u2")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestImport_PersistsModeOverrides(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := newTestStore(t, WithClock(clock.Now))
	seedUser(t, src, clock, "U1")
	overrides := []modes.Mode{
		{Name: "pirate", DisplayName: "ALICE Pirate", Personality: "Loud.", Safety: modes.SafetyRelaxed},
		{Name: modes.Assistant, DisplayName: "Terse ALICE", Personality: "Terse.", Safety: modes.SafetyStrict},
	}
	blob, err := src.Export(ctx, "U1", overrides)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "alice.db")
	dst, err := NewSQLiteStore(path)
	require.NoError(t, err)
	_, err = dst.Import(ctx, "", blob)
	require.NoError(t, err)
	_, err = dst.Import(ctx, "", blob)
	require.NoError(t, err)
	require.NoError(t, dst.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.ModeOverrides(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(overrides, got, cmpopts.IgnoreUnexported(modes.Mode{}), cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("stored overrides mismatch (-want +got):\n%s", diff)
	}
}

func seedUserFirstSession(t *testing.T, store *SQLiteStore, userID string) string {
	t.Helper()
	sessions, err := store.ListSessions(context.Background(), userID)
	require.NoError(t, err)
	require.NotEmpty(t, sessions)
	first := sessions[0]
	for _, s := range sessions[1:] {
		if s.CreatedAt.Before(first.CreatedAt) {
			first = s
		}
	}
	return first.ID
}

func TestImport_UserFilter(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	src := newTestStore(t, WithClock(clock.Now))
	seedUser(t, src, clock, "U1")
	seedUser(t, src, clock, "U2")
	blob, err := src.Export(ctx, "", nil)
	require.NoError(t, err)

	dst := newTestStore(t)
	_, err = dst.Import(ctx, "U3", blob)
	assert.True(t, errors.Is(err, ErrUnknownUser))

	res, err := dst.Import(ctx, "U2", blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	users, err := dst.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "U2", users[0].ID)
}

func TestExport_DocumentShape(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := newTestStore(t, WithClock(clock.Now))
	seedUser(t, store, clock, "U1")

	blob, err := store.Export(ctx, "U1", nil)
	require.NoError(t, err)
	text := string(blob)
	assert.True(t, strings.Contains(text, `"format": "alice.export"`))
	assert.True(t, strings.Contains(text, `"schema_version": 1`))
	assert.True(t, strings.Contains(text, `"mode_overrides": []`))

	_, err = store.Export(ctx, "nobody", nil)
	assert.True(t, errors.Is(err, ErrUnknownUser))
}
