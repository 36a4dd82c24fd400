package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the canonical persistent memory storage.
type SQLiteStore struct {
	db        *sql.DB
	now       func() time.Time
	userLocks sync.Map // user id -> *sync.Mutex
}

type Option func(*SQLiteStore)

// WithClock replaces the wall clock used to stamp rows.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// WAL lets readers proceed while one writer holds the lock; writers
	// queue on busy_timeout behind BEGIN IMMEDIATE.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	store := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			mode TEXT NOT NULL,
			state TEXT NOT NULL,
			paused INTEGER NOT NULL DEFAULT 0,
			parent_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_active_at_ms INTEGER NOT NULL,
			archived_at_ms INTEGER NOT NULL DEFAULT 0,
			turn_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id, last_active_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions(state, last_active_at_ms);`,
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			UNIQUE(session_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			fact_key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 1,
			recorded_at_ms INTEGER NOT NULL,
			current INTEGER NOT NULL DEFAULT 0,
			superseded_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS facts_current_unique ON facts(user_id, fact_key) WHERE current = 1;`,
		`CREATE INDEX IF NOT EXISTS facts_history_idx ON facts(user_id, fact_key, recorded_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS session_queue (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_id TEXT NOT NULL,
			turn_seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			queued_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS session_queue_order_idx ON session_queue(session_id, turn_seq);`,
		`CREATE TABLE IF NOT EXISTS mode_overrides (
			name TEXT PRIMARY KEY,
			definition TEXT NOT NULL,
			installed_at_ms INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

// IsTransient reports whether err is a lock conflict worth retrying.
func IsTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func (s *SQLiteStore) clock() time.Time {
	return time.UnixMilli(s.now().UnixMilli()).UTC()
}

func (s *SQLiteStore) userLock(userID string) *sync.Mutex {
	v, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Users

func (s *SQLiteStore) EnsureUser(ctx context.Context, userID, displayName string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("ensure user: empty user_id")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, display_name, created_at_ms) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET display_name = CASE
	WHEN excluded.display_name <> '' THEN excluded.display_name
	ELSE users.display_name
END`, userID, strings.TrimSpace(displayName), toMS(s.clock())); err != nil {
		return User{}, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, userID)
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (User, error) {
	return getUser(ctx, s.db, userID)
}

func getUser(ctx context.Context, q queryer, userID string) (User, error) {
	var u User
	var createdMS int64
	err := q.QueryRowContext(ctx, `SELECT id, display_name, created_at_ms FROM users WHERE id = ?`, userID).
		Scan(&u.ID, &u.DisplayName, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("%w: %q", ErrUnknownUser, userID)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMS(createdMS)
	return u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, created_at_ms FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var createdMS int64
		if err := rows.Scan(&u.ID, &u.DisplayName, &createdMS); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = fromMS(createdMS)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// Sessions

const sessionColumns = `id, user_id, mode, state, paused, parent_id, created_at_ms, last_active_at_ms, archived_at_ms, turn_count`

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var state string
	var paused int
	var createdMS, activeMS, archivedMS int64
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Mode, &state, &paused, &sess.ParentID, &createdMS, &activeMS, &archivedMS, &sess.TurnCount); err != nil {
		return Session{}, err
	}
	sess.State = SessionState(state)
	sess.Paused = paused != 0
	sess.CreatedAt = fromMS(createdMS)
	sess.LastActiveAt = fromMS(activeMS)
	sess.ArchivedAt = fromMS(archivedMS)
	return sess, nil
}

// CreateSession stores a new active session for an existing user. ID and
// timestamps are filled in when empty.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if strings.TrimSpace(sess.Mode) == "" {
		return Session{}, fmt.Errorf("create session: empty mode")
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.State == "" {
		sess.State = SessionActive
	}
	if !sess.State.Valid() {
		return Session{}, fmt.Errorf("create session: invalid state %q", sess.State)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.clock()
	}
	sess.CreatedAt = fromMS(toMS(sess.CreatedAt))
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = sess.CreatedAt
	}
	sess.LastActiveAt = fromMS(toMS(sess.LastActiveAt))
	sess.TurnCount = 0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("create session begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getUser(ctx, tx, sess.UserID); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	if sess.ParentID != "" {
		parent, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sess.ParentID))
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parent.UserID != sess.UserID) {
			return Session{}, fmt.Errorf("create session: parent %w: %q", ErrUnknownSession, sess.ParentID)
		}
		if err != nil {
			return Session{}, fmt.Errorf("create session parent: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, user_id, mode, state, paused, parent_id, created_at_ms, last_active_at_ms, archived_at_ms, turn_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.ID, sess.UserID, sess.Mode, string(sess.State), boolInt(sess.Paused), sess.ParentID,
		toMS(sess.CreatedAt), toMS(sess.LastActiveAt), toMS(sess.ArchivedAt)); err != nil {
		return Session{}, fmt.Errorf("create session insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("create session commit: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, most recently active first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM sessions
WHERE user_id = ?
ORDER BY last_active_at_ms DESC, created_at_ms DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) updateSession(ctx context.Context, op, sessionID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w: %q", op, ErrUnknownSession, sessionID)
	}
	return nil
}

func (s *SQLiteStore) SetSessionMode(ctx context.Context, sessionID, mode string) error {
	if strings.TrimSpace(mode) == "" {
		return fmt.Errorf("set session mode: empty mode")
	}
	return s.updateSession(ctx, "set session mode", sessionID,
		`UPDATE sessions SET mode = ? WHERE id = ?`, mode, sessionID)
}

// SetSessionState records a lifecycle transition. at stamps ArchivedAt when
// the new state is archived.
func (s *SQLiteStore) SetSessionState(ctx context.Context, sessionID string, state SessionState, at time.Time) error {
	if !state.Valid() {
		return fmt.Errorf("set session state: invalid state %q", state)
	}
	archivedMS := int64(0)
	if state == SessionArchived {
		if at.IsZero() {
			at = s.clock()
		}
		archivedMS = toMS(at)
	}
	return s.updateSession(ctx, "set session state", sessionID,
		`UPDATE sessions SET state = ?, archived_at_ms = ? WHERE id = ?`, string(state), archivedMS, sessionID)
}

func (s *SQLiteStore) SetSessionPaused(ctx context.Context, sessionID string, paused bool) error {
	return s.updateSession(ctx, "set session paused", sessionID,
		`UPDATE sessions SET paused = ? WHERE id = ?`, boolInt(paused), sessionID)
}

// Turns

const turnColumns = `id, session_id, seq, speaker, kind, text, mode, created_at_ms`

func scanTurn(row rowScanner) (Turn, error) {
	var t Turn
	var speaker, kind string
	var createdMS int64
	if err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &speaker, &kind, &t.Text, &t.Mode, &createdMS); err != nil {
		return Turn{}, err
	}
	t.Speaker = Speaker(speaker)
	t.Kind = TurnKind(kind)
	t.CreatedAt = fromMS(createdMS)
	return t, nil
}

func validateTurn(turn Turn) (Turn, error) {
	switch turn.Speaker {
	case SpeakerUser, SpeakerAssistant, SpeakerSystem:
	default:
		return Turn{}, fmt.Errorf("append turn: invalid speaker %q", turn.Speaker)
	}
	if turn.Kind == "" {
		turn.Kind = KindMessage
	}
	if turn.Kind != KindMessage && turn.Kind != KindModeChange {
		return Turn{}, fmt.Errorf("append turn: invalid kind %q", turn.Kind)
	}
	return turn, nil
}

// AppendTurn appends turn to the session history and assigns its Seq.
// A zero CreatedAt is stamped with the later of now and the previous turn;
// an explicit CreatedAt earlier than the previous turn is rejected with
// ErrOutOfOrderTurn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	return s.appendTurn(ctx, sessionID, turn, "", "")
}

// AppendHeldTurn appends a user turn and queues it for a reply once the
// session is resumed.
func (s *SQLiteStore) AppendHeldTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error) {
	if turn.Speaker != SpeakerUser {
		return Turn{}, fmt.Errorf("append held turn: speaker must be user")
	}
	return s.appendTurn(ctx, sessionID, turn, uuid.NewString(), "")
}

// AnswerQueued appends the reply to a queued turn and removes it from the
// queue in one transaction.
func (s *SQLiteStore) AnswerQueued(ctx context.Context, queuedID string, reply Turn) (Turn, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM session_queue WHERE id = ?`, queuedID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("answer queued: no queued turn %q", queuedID)
	}
	if err != nil {
		return Turn{}, fmt.Errorf("answer queued: %w", err)
	}
	return s.appendTurn(ctx, sessionID, reply, "", queuedID)
}

func (s *SQLiteStore) appendTurn(ctx context.Context, sessionID string, turn Turn, holdID, answersID string) (Turn, error) {
	turn, err := validateTurn(turn)
	if err != nil {
		return Turn{}, err
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("append turn begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var mode string
	err = tx.QueryRowContext(ctx, `SELECT mode FROM sessions WHERE id = ?`, sessionID).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return Turn{}, fmt.Errorf("append turn: %w: %q", ErrUnknownSession, sessionID)
	}
	if err != nil {
		return Turn{}, fmt.Errorf("append turn session: %w", err)
	}

	var lastSeq, lastMS int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at_ms), 0)
FROM turns WHERE session_id = ?`, sessionID).Scan(&lastSeq, &lastMS); err != nil {
		return Turn{}, fmt.Errorf("append turn last: %w", err)
	}

	createdMS := toMS(turn.CreatedAt)
	if createdMS == 0 {
		createdMS = max(toMS(s.clock()), lastMS)
	} else if createdMS < lastMS {
		return Turn{}, fmt.Errorf("append turn: %w", ErrOutOfOrderTurn)
	}
	if turn.Mode == "" {
		turn.Mode = mode
	}
	turn.SessionID = sessionID
	turn.Seq = lastSeq + 1
	turn.CreatedAt = fromMS(createdMS)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO turns(`+turnColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID, sessionID, turn.Seq, string(turn.Speaker), string(turn.Kind), turn.Text, turn.Mode, createdMS); err != nil {
		return Turn{}, fmt.Errorf("append turn insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sessions
SET last_active_at_ms = MAX(last_active_at_ms, ?), turn_count = turn_count + 1
WHERE id = ?`, createdMS, sessionID); err != nil {
		return Turn{}, fmt.Errorf("append turn update session: %w", err)
	}
	if holdID != "" {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_queue(id, session_id, turn_id, turn_seq, text, queued_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, holdID, sessionID, turn.ID, turn.Seq, turn.Text, createdMS); err != nil {
			return Turn{}, fmt.Errorf("append turn enqueue: %w", err)
		}
	}
	if answersID != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_queue WHERE id = ?`, answersID); err != nil {
			return Turn{}, fmt.Errorf("append turn dequeue: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("append turn commit: %w", err)
	}
	return turn, nil
}

// ListTurns returns turns with Seq > afterSeq in append order. limit <= 0
// returns everything.
func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	return s.turnPage(ctx, sessionID, afterSeq, math.MaxInt64, limit)
}

func (s *SQLiteStore) turnPage(ctx context.Context, sessionID string, afterSeq, upToSeq int64, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+turnColumns+`
FROM turns
WHERE session_id = ? AND seq > ? AND seq <= ?
ORDER BY seq ASC
LIMIT ?`, sessionID, afterSeq, upToSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

const recentPageSize = 64

// RecentTurns yields, oldest first, the longest suffix of the session's
// history that fits budget. Rows are read page by page while iterating and
// every range starts over from the database.
func (s *SQLiteStore) RecentTurns(ctx context.Context, sessionID string, budget Budget) iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		if !budget.Valid() {
			yield(Turn{}, ErrInvalidBudget)
			return
		}
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			yield(Turn{}, err)
			return
		}
		upper := int64(math.MaxInt64)
		if budget.UpToSeq > 0 {
			upper = budget.UpToSeq
		}
		start, end, err := s.windowBounds(ctx, sessionID, budget, upper)
		if err != nil {
			yield(Turn{}, err)
			return
		}
		if start == 0 {
			return
		}
		after := start - 1
		for {
			page, err := s.turnPage(ctx, sessionID, after, end, recentPageSize)
			if err != nil {
				yield(Turn{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < recentPageSize {
				return
			}
			after = page[len(page)-1].Seq
		}
	}
}

// windowBounds walks the history backwards and returns the first and last
// Seq of the suffix that fits the budget. start is 0 when nothing fits.
func (s *SQLiteStore) windowBounds(ctx context.Context, sessionID string, b Budget, upper int64) (start, end int64, err error) {
	type sized struct {
		seq   int64
		runes int
	}
	turns, tokens := 0, 0
	before := upper
	if before < math.MaxInt64 {
		before++
	}
	for {
		rows, qerr := s.db.QueryContext(ctx, `
SELECT seq, length(text)
FROM turns
WHERE session_id = ? AND seq < ?
ORDER BY seq DESC
LIMIT ?`, sessionID, before, recentPageSize)
		if qerr != nil {
			return 0, 0, fmt.Errorf("recent turns: %w", qerr)
		}
		page := make([]sized, 0, recentPageSize)
		for rows.Next() {
			var r sized
			if serr := rows.Scan(&r.seq, &r.runes); serr != nil {
				rows.Close()
				return 0, 0, fmt.Errorf("scan turn size: %w", serr)
			}
			page = append(page, r)
		}
		rerr := rows.Err()
		rows.Close()
		if rerr != nil {
			return 0, 0, fmt.Errorf("iterate turn sizes: %w", rerr)
		}

		for _, r := range page {
			if end == 0 {
				end = r.seq
			}
			if b.MaxTurns > 0 && turns+1 > b.MaxTurns {
				return start, end, nil
			}
			cost := estimateTokensFromRunes(r.runes)
			if b.MaxTokens > 0 && tokens+cost > b.MaxTokens {
				return start, end, nil
			}
			turns++
			tokens += cost
			start = r.seq
		}
		if len(page) < recentPageSize {
			return start, end, nil
		}
		before = page[len(page)-1].seq
	}
}

// Queue

func (s *SQLiteStore) ListQueued(ctx context.Context, sessionID string) ([]QueuedTurn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, turn_id, turn_seq, text, queued_at_ms
FROM session_queue
WHERE session_id = ?
ORDER BY turn_seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	defer rows.Close()

	var out []QueuedTurn
	for rows.Next() {
		var q QueuedTurn
		var queuedMS int64
		if err := rows.Scan(&q.ID, &q.SessionID, &q.TurnID, &q.TurnSeq, &q.Text, &queuedMS); err != nil {
			return nil, fmt.Errorf("scan queued: %w", err)
		}
		q.QueuedAt = fromMS(queuedMS)
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued: %w", err)
	}
	return out, nil
}

// Dequeue drops a queued turn without answering it. Unknown ids are ignored.
func (s *SQLiteStore) Dequeue(ctx context.Context, queuedID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_queue WHERE id = ?`, queuedID); err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	return nil
}

// Maintenance

// ArchiveIdleSessions marks active sessions idle when their last activity is
// before idleBefore and archives unpaused sessions inactive since
// archiveBefore. A zero bound skips that step.
func (s *SQLiteStore) ArchiveIdleSessions(ctx context.Context, idleBefore, archiveBefore time.Time) (SweepResult, error) {
	var res SweepResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("sweep sessions begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !archiveBefore.IsZero() {
		r, err := tx.ExecContext(ctx, `
UPDATE sessions
SET state = 'archived', archived_at_ms = ?
WHERE state <> 'archived' AND paused = 0 AND last_active_at_ms < ?`, toMS(s.clock()), toMS(archiveBefore))
		if err != nil {
			return res, fmt.Errorf("sweep archive: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Archived = int(n)
	}
	if !idleBefore.IsZero() {
		r, err := tx.ExecContext(ctx, `
UPDATE sessions
SET state = 'idle'
WHERE state = 'active' AND last_active_at_ms < ?`, toMS(idleBefore))
		if err != nil {
			return res, fmt.Errorf("sweep idle: %w", err)
		}
		n, _ := r.RowsAffected()
		res.Idled = int(n)
	}
	if err := tx.Commit(); err != nil {
		return SweepResult{}, fmt.Errorf("sweep sessions commit: %w", err)
	}
	return res, nil
}

// PurgeArchivedBefore deletes sessions archived before the cutoff together
// with their turns. Users and facts are kept.
func (s *SQLiteStore) PurgeArchivedBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE state = 'archived' AND archived_at_ms > 0 AND archived_at_ms < ?`, toMS(before))
	if err != nil {
		return 0, fmt.Errorf("purge archived sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge archived sessions: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM users),
	(SELECT COUNT(*) FROM sessions),
	(SELECT COUNT(*) FROM sessions WHERE state = 'active'),
	(SELECT COUNT(*) FROM turns),
	(SELECT COUNT(*) FROM facts WHERE current = 1),
	(SELECT COUNT(*) FROM session_queue)`).
		Scan(&st.Users, &st.Sessions, &st.ActiveSessions, &st.Turns, &st.Facts, &st.Queued)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
