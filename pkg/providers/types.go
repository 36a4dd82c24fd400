// Package providers holds the generation backends ALICE talks to. The
// session controller only sees the Generator interface.
package providers

import (
	"context"
	"errors"

	"github.com/dotsetgreg/alice/pkg/modes"
)

// ErrModelUnavailable is returned when the model server cannot produce a
// reply: it is down, unreachable, overloaded or missing the model.
var ErrModelUnavailable = errors.New("model unavailable")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// KnownFact is a current user fact passed along as context.
type KnownFact struct {
	Key   string
	Value string
}

// FactSuggestion is a fact the backend extracted from the conversation.
type FactSuggestion struct {
	Key        string
	Value      string
	Confidence float64
}

// Request is one generation call. Messages hold the conversation window in
// order, ending with the turn to answer.
type Request struct {
	Mode         string
	SystemPrompt string
	Messages     []Message
	Facts        []KnownFact
	Params       modes.GenerationParams
}

type Response struct {
	Text  string
	Model string
	Facts []FactSuggestion
}

// Generator produces a reply for a request. Implementations must honour ctx
// cancellation and return ctx.Err() (not ErrModelUnavailable) when the caller
// gave up.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Pinger is implemented by generators that can cheaply check readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}
