package memory

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dotsetgreg/alice/pkg/modes"
)

const (
	ExportFormat        = "alice.export"
	ExportSchemaVersion = 1

	exportSchemaURL = "https://alice.local/schemas/export-v1.json"
)

//go:embed export_schema.json
var exportSchemaJSON string

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		if err := c.AddResource(exportSchemaURL, strings.NewReader(exportSchemaJSON)); err != nil {
			exportSchemaErr = fmt.Errorf("load export schema: %w", err)
			return
		}
		exportSchema, exportSchemaErr = c.Compile(exportSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// ExportDocument is the self-describing, versioned form of one or more
// users' data.
type ExportDocument struct {
	Format        string       `json:"format"`
	SchemaVersion int          `json:"schema_version"`
	ExportedAt    time.Time    `json:"exported_at"`
	Users         []ExportUser `json:"users"`
	ModeOverrides []modes.Mode `json:"mode_overrides"`
}

type ExportUser struct {
	User
	Sessions []ExportSession `json:"sessions"`
	Facts    []Fact          `json:"facts"`
}

type ExportSession struct {
	Session
	Turns []Turn       `json:"turns"`
	Queue []QueuedTurn `json:"queue,omitempty"`
}

// ImportResult summarizes what an import installed.
type ImportResult struct {
	Users         int
	Sessions      int
	Turns         int
	Facts         int
	ModeOverrides []modes.Mode
}

// Export serializes the closure of userID (every user when empty) together
// with the given mode overrides.
func (s *SQLiteStore) Export(ctx context.Context, userID string, overrides []modes.Mode) ([]byte, error) {
	doc, err := s.exportDocument(ctx, userID, overrides)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export encode: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) exportDocument(ctx context.Context, userID string, overrides []modes.Mode) (ExportDocument, error) {
	doc := ExportDocument{
		Format:        ExportFormat,
		SchemaVersion: ExportSchemaVersion,
		ExportedAt:    s.clock(),
		Users:         []ExportUser{},
		ModeOverrides: []modes.Mode{},
	}
	doc.ModeOverrides = append(doc.ModeOverrides, overrides...)

	// One transaction gives a consistent snapshot across tables.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return doc, fmt.Errorf("export begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var users []User
	if userID != "" {
		u, err := getUser(ctx, tx, userID)
		if err != nil {
			return doc, fmt.Errorf("export: %w", err)
		}
		users = []User{u}
	} else {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
		if err != nil {
			return doc, fmt.Errorf("export users: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return doc, fmt.Errorf("export scan user: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			u, err := getUser(ctx, tx, id)
			if err != nil {
				return doc, fmt.Errorf("export: %w", err)
			}
			users = append(users, u)
		}
	}

	for _, u := range users {
		eu, err := exportUser(ctx, tx, u)
		if err != nil {
			return doc, err
		}
		doc.Users = append(doc.Users, eu)
	}
	return doc, nil
}

func exportUser(ctx context.Context, tx *sql.Tx, u User) (ExportUser, error) {
	eu := ExportUser{User: u, Sessions: []ExportSession{}, Facts: []Fact{}}

	sessions, err := collect(ctx, tx, scanSession, `
SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at_ms ASC, id ASC`, u.ID)
	if err != nil {
		return eu, fmt.Errorf("export sessions: %w", err)
	}
	for _, sess := range sessions {
		es := ExportSession{Session: sess, Turns: []Turn{}}
		turns, err := collect(ctx, tx, scanTurn, `
SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY seq ASC`, sess.ID)
		if err != nil {
			return eu, fmt.Errorf("export turns: %w", err)
		}
		es.Turns = append(es.Turns, turns...)
		es.Queue, err = collect(ctx, tx, scanQueued, `
SELECT id, session_id, turn_id, turn_seq, text, queued_at_ms FROM session_queue WHERE session_id = ? ORDER BY turn_seq ASC`, sess.ID)
		if err != nil {
			return eu, fmt.Errorf("export queue: %w", err)
		}
		eu.Sessions = append(eu.Sessions, es)
	}

	facts, err := collect(ctx, tx, scanFact, `
SELECT `+factColumns+` FROM facts WHERE user_id = ? ORDER BY fact_key ASC, recorded_at_ms ASC, rowid ASC`, u.ID)
	if err != nil {
		return eu, fmt.Errorf("export facts: %w", err)
	}
	eu.Facts = append(eu.Facts, facts...)
	return eu, nil
}

func scanQueued(row rowScanner) (QueuedTurn, error) {
	var q QueuedTurn
	var queuedMS int64
	if err := row.Scan(&q.ID, &q.SessionID, &q.TurnID, &q.TurnSeq, &q.Text, &queuedMS); err != nil {
		return QueuedTurn{}, err
	}
	q.QueuedAt = fromMS(queuedMS)
	return q, nil
}

func collect[T any](ctx context.Context, q queryer, scan func(rowScanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ParseExport decodes and validates an export document without touching
// the store. Documents from another format or schema version fail with
// ErrIncompatibleSchema; structurally broken ones with ErrInvalidExport.
func (s *SQLiteStore) ParseExport(blob []byte) (ExportDocument, error) {
	return ParseExport(blob)
}

func ParseExport(blob []byte) (ExportDocument, error) {
	var doc ExportDocument

	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrInvalidExport, err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return doc, fmt.Errorf("%w: document is not an object", ErrInvalidExport)
	}
	if format, _ := obj["format"].(string); format != ExportFormat {
		return doc, fmt.Errorf("%w: format %q, want %q", ErrIncompatibleSchema, format, ExportFormat)
	}
	num, ok := obj["schema_version"].(json.Number)
	if !ok {
		return doc, fmt.Errorf("%w: missing schema_version", ErrIncompatibleSchema)
	}
	version, err := num.Int64()
	if err != nil || version != ExportSchemaVersion {
		return doc, fmt.Errorf("%w: schema_version %s, supported %d", ErrIncompatibleSchema, num.String(), ExportSchemaVersion)
	}

	schema, err := compiledExportSchema()
	if err != nil {
		return doc, err
	}
	if err := schema.Validate(raw); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrInvalidExport, err)
	}

	if err := json.Unmarshal(blob, &doc); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrInvalidExport, err)
	}
	if err := checkDocument(doc); err != nil {
		return doc, err
	}
	return doc, nil
}

// checkDocument enforces the invariants the schema cannot express.
func checkDocument(doc ExportDocument) error {
	seenUsers := map[string]bool{}
	seenSessions := map[string]bool{}
	for _, u := range doc.Users {
		if seenUsers[u.ID] {
			return fmt.Errorf("%w: duplicate user %q", ErrInvalidExport, u.ID)
		}
		seenUsers[u.ID] = true

		for _, sess := range u.Sessions {
			if sess.UserID != u.ID {
				return fmt.Errorf("%w: session %q belongs to %q, listed under %q", ErrInvalidExport, sess.ID, sess.UserID, u.ID)
			}
			if seenSessions[sess.ID] {
				return fmt.Errorf("%w: duplicate session %q", ErrInvalidExport, sess.ID)
			}
			seenSessions[sess.ID] = true

			turnIDs := map[string]int64{}
			var lastSeq int64
			var lastAt time.Time
			for _, t := range sess.Turns {
				if t.SessionID != sess.ID {
					return fmt.Errorf("%w: turn %q not in session %q", ErrInvalidExport, t.ID, sess.ID)
				}
				if t.Seq <= lastSeq {
					return fmt.Errorf("%w: session %q turns out of sequence at %d", ErrInvalidExport, sess.ID, t.Seq)
				}
				if t.CreatedAt.Before(lastAt) {
					return fmt.Errorf("%w: session %q turn %d: %w", ErrInvalidExport, sess.ID, t.Seq, ErrOutOfOrderTurn)
				}
				lastSeq, lastAt = t.Seq, t.CreatedAt
				turnIDs[t.ID] = t.Seq
			}
			for _, q := range sess.Queue {
				if seq, ok := turnIDs[q.TurnID]; !ok || seq != q.TurnSeq || q.SessionID != sess.ID {
					return fmt.Errorf("%w: queued turn %q does not match session history", ErrInvalidExport, q.ID)
				}
			}
		}

		current := map[string]bool{}
		for _, f := range u.Facts {
			if f.UserID != u.ID {
				return fmt.Errorf("%w: fact %q belongs to %q, listed under %q", ErrInvalidExport, f.ID, f.UserID, u.ID)
			}
			if f.Current {
				if current[f.Key] {
					return fmt.Errorf("%w: user %q has two current facts for %q", ErrInvalidExport, u.ID, f.Key)
				}
				current[f.Key] = true
			}
		}
	}
	return nil
}

// Import installs the closure of userID (every user in the document when
// empty) from an export. Each imported user's existing sessions, turns and
// facts are replaced in a single transaction, so importing the same blob
// twice leaves the same state as importing it once, and a failed import
// leaves the store untouched.
func (s *SQLiteStore) Import(ctx context.Context, userID string, blob []byte) (ImportResult, error) {
	var res ImportResult
	doc, err := ParseExport(blob)
	if err != nil {
		return res, fmt.Errorf("import: %w", err)
	}

	users := doc.Users
	if userID != "" {
		idx := slices.IndexFunc(doc.Users, func(u ExportUser) bool { return u.ID == userID })
		if idx < 0 {
			return res, fmt.Errorf("import: %w: %q not present in export", ErrUnknownUser, userID)
		}
		users = doc.Users[idx : idx+1]
	}

	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	slices.Sort(ids)
	for _, id := range ids {
		lock := s.userLock(id)
		lock.Lock()
		defer lock.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("import begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, u.ID); err != nil {
			return ImportResult{}, fmt.Errorf("import clear user %q: %w", u.ID, err)
		}
	}
	for _, u := range users {
		if err := importUser(ctx, tx, u); err != nil {
			return ImportResult{}, err
		}
		res.Users++
		res.Facts += len(u.Facts)
		for _, sess := range u.Sessions {
			res.Sessions++
			res.Turns += len(sess.Turns)
		}
	}

	if err := saveModeOverrides(ctx, tx, doc.ModeOverrides, s.clock()); err != nil {
		return ImportResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ImportResult{}, fmt.Errorf("import commit: %w", err)
	}
	res.ModeOverrides = doc.ModeOverrides
	return res, nil
}

func importUser(ctx context.Context, tx *sql.Tx, u ExportUser) error {
	if err := checkOwnership(ctx, tx, u); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO users(id, display_name, created_at_ms) VALUES(?, ?, ?)`,
		u.ID, u.DisplayName, toMS(u.CreatedAt)); err != nil {
		return fmt.Errorf("import user %q: %w", u.ID, err)
	}

	for _, sess := range u.Sessions {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO sessions(id, user_id, mode, state, paused, parent_id, created_at_ms, last_active_at_ms, archived_at_ms, turn_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, u.ID, sess.Mode, string(sess.State), boolInt(sess.Paused), sess.ParentID,
			toMS(sess.CreatedAt), toMS(sess.LastActiveAt), toMS(sess.ArchivedAt), len(sess.Turns)); err != nil {
			return fmt.Errorf("import session %q: %w", sess.ID, err)
		}
		for _, t := range sess.Turns {
			kind := t.Kind
			if kind == "" {
				kind = KindMessage
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO turns(`+turnColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID, sess.ID, t.Seq, string(t.Speaker), string(kind), t.Text, t.Mode, toMS(t.CreatedAt)); err != nil {
				return fmt.Errorf("import turn %q: %w", t.ID, err)
			}
		}
		for _, q := range sess.Queue {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO session_queue(id, session_id, turn_id, turn_seq, text, queued_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, q.ID, sess.ID, q.TurnID, q.TurnSeq, q.Text, toMS(q.QueuedAt)); err != nil {
				return fmt.Errorf("import queued turn %q: %w", q.ID, err)
			}
		}
	}

	for _, f := range u.Facts {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO facts(`+factColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, u.ID, f.Key, f.Value, string(f.Source), f.Confidence,
			toMS(f.RecordedAt), boolInt(f.Current), toMS(f.SupersededAt)); err != nil {
			return fmt.Errorf("import fact %q: %w", f.ID, err)
		}
	}
	return nil
}

// checkOwnership runs after every imported user's rows are cleared, so any
// id that still exists belongs to a user outside the import.
func checkOwnership(ctx context.Context, tx *sql.Tx, u ExportUser) error {
	owner := func(query, id string) (string, error) {
		var who string
		err := tx.QueryRowContext(ctx, query, id).Scan(&who)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return who, err
	}
	conflict := func(what, id, who string) error {
		return fmt.Errorf("%w: %w: %s %q belongs to user %q", ErrInvalidExport, ErrImportConflict, what, id, who)
	}

	for _, sess := range u.Sessions {
		who, err := owner(`SELECT user_id FROM sessions WHERE id = ?`, sess.ID)
		if err != nil {
			return fmt.Errorf("import check session %q: %w", sess.ID, err)
		}
		if who != "" {
			return conflict("session", sess.ID, who)
		}
		for _, t := range sess.Turns {
			who, err := owner(`
SELECT s.user_id FROM turns t JOIN sessions s ON s.id = t.session_id WHERE t.id = ?`, t.ID)
			if err != nil {
				return fmt.Errorf("import check turn %q: %w", t.ID, err)
			}
			if who != "" {
				return conflict("turn", t.ID, who)
			}
		}
		for _, q := range sess.Queue {
			who, err := owner(`
SELECT s.user_id FROM session_queue q JOIN sessions s ON s.id = q.session_id WHERE q.id = ?`, q.ID)
			if err != nil {
				return fmt.Errorf("import check queued turn %q: %w", q.ID, err)
			}
			if who != "" {
				return conflict("queued turn", q.ID, who)
			}
		}
	}
	for _, f := range u.Facts {
		who, err := owner(`SELECT user_id FROM facts WHERE id = ?`, f.ID)
		if err != nil {
			return fmt.Errorf("import check fact %q: %w", f.ID, err)
		}
		if who != "" {
			return conflict("fact", f.ID, who)
		}
	}
	return nil
}

func saveModeOverrides(ctx context.Context, tx *sql.Tx, list []modes.Mode, at time.Time) error {
	for _, m := range list {
		def, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("import encode mode %q: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO mode_overrides(name, definition, installed_at_ms) VALUES(?, ?, ?)
ON CONFLICT(name) DO UPDATE SET definition = excluded.definition, installed_at_ms = excluded.installed_at_ms`,
			m.Name, string(def), toMS(at)); err != nil {
			return fmt.Errorf("import mode %q: %w", m.Name, err)
		}
	}
	return nil
}

// ModeOverrides returns the mode definitions installed by imports, in the
// order they were first installed.
func (s *SQLiteStore) ModeOverrides(ctx context.Context) ([]modes.Mode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, definition FROM mode_overrides ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("mode overrides: %w", err)
	}
	defer rows.Close()

	var out []modes.Mode
	for rows.Next() {
		var name, def string
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("mode overrides scan: %w", err)
		}
		var m modes.Mode
		if err := json.Unmarshal([]byte(def), &m); err != nil {
			return nil, fmt.Errorf("mode override %q: %w", name, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
