package memory

import "errors"

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownSession = errors.New("unknown session")
	// ErrOutOfOrderTurn rejects a turn stamped earlier than the session's
	// latest turn.
	ErrOutOfOrderTurn     = errors.New("turn timestamp precedes session history")
	ErrInvalidBudget      = errors.New("context budget needs a turn or token limit")
	ErrInvalidFact        = errors.New("invalid fact")
	ErrIncompatibleSchema = errors.New("incompatible export schema")
	ErrInvalidExport      = errors.New("invalid export document")
	// ErrImportConflict marks export records whose ids already belong to
	// a user the import does not replace.
	ErrImportConflict = errors.New("export conflicts with stored data")
)
