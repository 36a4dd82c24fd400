package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const factColumns = `id, user_id, fact_key, value, source, confidence, recorded_at_ms, current, superseded_at_ms`

// NormalizeFactKey lowercases a key and joins its words with underscores.
func NormalizeFactKey(key string) string {
	return strings.ToLower(strings.Join(strings.Fields(key), "_"))
}

func scanFact(row rowScanner) (Fact, error) {
	var f Fact
	var source string
	var recordedMS, supersededMS int64
	var current int
	if err := row.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &source, &f.Confidence, &recordedMS, &current, &supersededMS); err != nil {
		return Fact{}, err
	}
	f.Source = FactSource(source)
	f.RecordedAt = fromMS(recordedMS)
	f.Current = current != 0
	f.SupersededAt = fromMS(supersededMS)
	return f, nil
}

func normalizeFactInput(in FactInput) (FactInput, error) {
	in.Key = NormalizeFactKey(in.Key)
	if in.Key == "" {
		return in, fmt.Errorf("%w: empty key", ErrInvalidFact)
	}
	in.Value = strings.TrimSpace(in.Value)
	if in.Value == "" {
		return in, fmt.Errorf("%w: empty value for %q", ErrInvalidFact, in.Key)
	}
	switch in.Source {
	case "":
		in.Source = SourceExplicit
	case SourceExplicit, SourceInferred:
	default:
		return in, fmt.Errorf("%w: unknown source %q", ErrInvalidFact, in.Source)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return in, fmt.Errorf("%w: confidence %.2f outside [0, 1]", ErrInvalidFact, in.Confidence)
	}
	if in.Confidence == 0 {
		in.Confidence = 1
		if in.Source == SourceInferred {
			in.Confidence = 0.5
		}
	}
	return in, nil
}

// UpsertFact records a new version of a user fact. The version with the
// latest RecordedAt is current regardless of arrival order; ties go to the
// later call. Older arrivals are kept as history only.
func (s *SQLiteStore) UpsertFact(ctx context.Context, userID string, in FactInput) (Fact, error) {
	in, err := normalizeFactInput(in)
	if err != nil {
		return Fact{}, err
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = s.clock()
	}
	recordedMS := toMS(in.RecordedAt)

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Fact{}, fmt.Errorf("upsert fact begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getUser(ctx, tx, userID); err != nil {
		return Fact{}, fmt.Errorf("upsert fact: %w", err)
	}

	fact := Fact{
		ID:         uuid.NewString(),
		UserID:     userID,
		Key:        in.Key,
		Value:      in.Value,
		Source:     in.Source,
		Confidence: in.Confidence,
		RecordedAt: fromMS(recordedMS),
	}

	var curID string
	var curMS int64
	err = tx.QueryRowContext(ctx, `
SELECT id, recorded_at_ms FROM facts
WHERE user_id = ? AND fact_key = ? AND current = 1`, userID, in.Key).Scan(&curID, &curMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fact.Current = true
	case err != nil:
		return Fact{}, fmt.Errorf("upsert fact current: %w", err)
	case recordedMS >= curMS:
		if _, err := tx.ExecContext(ctx, `
UPDATE facts SET current = 0, superseded_at_ms = ? WHERE id = ?`, recordedMS, curID); err != nil {
			return Fact{}, fmt.Errorf("upsert fact supersede: %w", err)
		}
		fact.Current = true
	default:
		var next sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
SELECT MIN(recorded_at_ms) FROM facts
WHERE user_id = ? AND fact_key = ? AND recorded_at_ms > ?`, userID, in.Key, recordedMS).Scan(&next); err != nil {
			return Fact{}, fmt.Errorf("upsert fact successor: %w", err)
		}
		fact.SupersededAt = fromMS(next.Int64)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO facts(`+factColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.UserID, fact.Key, fact.Value, string(fact.Source), fact.Confidence,
		recordedMS, boolInt(fact.Current), toMS(fact.SupersededAt)); err != nil {
		return Fact{}, fmt.Errorf("upsert fact insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Fact{}, fmt.Errorf("upsert fact commit: %w", err)
	}
	return fact, nil
}

// FactsFor returns the current facts of a user ordered by key.
func (s *SQLiteStore) FactsFor(ctx context.Context, userID string) ([]Fact, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.queryFacts(ctx, `
SELECT `+factColumns+`
FROM facts
WHERE user_id = ? AND current = 1
ORDER BY fact_key ASC`, userID)
}

// FactHistory returns every version of one fact, newest first.
func (s *SQLiteStore) FactHistory(ctx context.Context, userID, key string) ([]Fact, error) {
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.queryFacts(ctx, `
SELECT `+factColumns+`
FROM facts
WHERE user_id = ? AND fact_key = ?
ORDER BY recorded_at_ms DESC, rowid DESC`, userID, NormalizeFactKey(key))
}

func (s *SQLiteStore) queryFacts(ctx context.Context, query string, args ...any) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}
