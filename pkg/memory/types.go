package memory

import "time"

// User owns sessions and facts. Users are never removed automatically.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionState is the lifecycle position of a session.
type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionIdle     SessionState = "idle"
	SessionArchived SessionState = "archived"
)

func (s SessionState) Valid() bool {
	switch s {
	case SessionActive, SessionIdle, SessionArchived:
		return true
	}
	return false
}

// Session is one conversation thread of a user.
type Session struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	Mode         string       `json:"mode"`
	State        SessionState `json:"state"`
	Paused       bool         `json:"paused,omitempty"`
	ParentID     string       `json:"parent_id,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActiveAt time.Time    `json:"last_active_at"`
	ArchivedAt   time.Time    `json:"archived_at,omitzero"`
	TurnCount    int          `json:"turn_count"`
}

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

type TurnKind string

const (
	KindMessage    TurnKind = "message"
	KindModeChange TurnKind = "mode_change"
)

// Turn is an immutable, append-only entry of a session's history. Seq is the
// append position within the session, starting at 1.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Speaker   Speaker   `json:"speaker"`
	Kind      TurnKind  `json:"kind"`
	Text      string    `json:"text"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// IsMarker reports whether the turn records a state change rather than an
// utterance.
func (t Turn) IsMarker() bool { return t.Kind != KindMessage }

type FactSource string

const (
	SourceExplicit FactSource = "explicit"
	SourceInferred FactSource = "inferred"
)

// Fact is a keyed piece of knowledge about a user. Only one version per key
// is current; superseded versions stay as history.
type Fact struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Key          string     `json:"key"`
	Value        string     `json:"value"`
	Source       FactSource `json:"source"`
	Confidence   float64    `json:"confidence"`
	RecordedAt   time.Time  `json:"recorded_at"`
	Current      bool       `json:"current"`
	SupersededAt time.Time  `json:"superseded_at,omitzero"`
}

// FactInput is an upsert request. A zero RecordedAt means "now".
type FactInput struct {
	Key        string
	Value      string
	Source     FactSource
	Confidence float64
	RecordedAt time.Time
}

// QueuedTurn is a user turn held while its session is paused.
type QueuedTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	TurnSeq   int64     `json:"turn_seq"`
	Text      string    `json:"text"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Budget bounds a context window. A limit <= 0 is unbounded, but at least
// one limit must be set.
type Budget struct {
	MaxTurns  int
	MaxTokens int
	// UpToSeq, when > 0, ignores turns appended after that position.
	UpToSeq int64
}

func (b Budget) Valid() bool { return b.MaxTurns > 0 || b.MaxTokens > 0 }

// SweepResult counts sessions moved by ArchiveIdleSessions.
type SweepResult struct {
	Idled    int
	Archived int
}

type Stats struct {
	Users          int `json:"users"`
	Sessions       int `json:"sessions"`
	ActiveSessions int `json:"active_sessions"`
	Turns          int `json:"turns"`
	Facts          int `json:"facts"`
	Queued         int `json:"queued"`
}

// EstimateTokens is a rough model-agnostic token count for text.
func EstimateTokens(text string) int {
	return estimateTokensFromRunes(len([]rune(text)))
}

func estimateTokensFromRunes(runes int) int {
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}
