package memory

import (
	"context"
	"iter"
	"time"

	"github.com/dotsetgreg/alice/pkg/modes"
)

// Store provides durable persistence for users, sessions, turns and facts.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	EnsureUser(ctx context.Context, userID, displayName string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	CreateSession(ctx context.Context, sess Session) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	SetSessionMode(ctx context.Context, sessionID, mode string) error
	SetSessionState(ctx context.Context, sessionID string, state SessionState, at time.Time) error
	SetSessionPaused(ctx context.Context, sessionID string, paused bool) error

	AppendTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error)
	AppendHeldTurn(ctx context.Context, sessionID string, turn Turn) (Turn, error)
	ListTurns(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Turn, error)
	RecentTurns(ctx context.Context, sessionID string, budget Budget) iter.Seq2[Turn, error]

	ListQueued(ctx context.Context, sessionID string) ([]QueuedTurn, error)
	AnswerQueued(ctx context.Context, queuedID string, reply Turn) (Turn, error)
	Dequeue(ctx context.Context, queuedID string) error

	UpsertFact(ctx context.Context, userID string, in FactInput) (Fact, error)
	FactsFor(ctx context.Context, userID string) ([]Fact, error)
	FactHistory(ctx context.Context, userID, key string) ([]Fact, error)

	ArchiveIdleSessions(ctx context.Context, idleBefore, archiveBefore time.Time) (SweepResult, error)
	PurgeArchivedBefore(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)

	Export(ctx context.Context, userID string, overrides []modes.Mode) ([]byte, error)
	ParseExport(blob []byte) (ExportDocument, error)
	Import(ctx context.Context, userID string, blob []byte) (ImportResult, error)
	ModeOverrides(ctx context.Context) ([]modes.Mode, error)
}
