package providers

import (
	"context"
	"fmt"
	"strings"
)

// Echo is an offline generator that repeats the last user message tagged with
// the active mode. Useful for the console and tests without a model server.
type Echo struct {
	// Err, when set, is returned from every Generate call.
	Err error
}

func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string { return BackendEcho }

func (e *Echo) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if e.Err != nil {
		return Response{}, e.Err
	}
	last := strings.TrimSpace(lastUserMessage(req.Messages))
	mode := req.Mode
	if mode == "" {
		mode = "assistant"
	}
	return Response{
		Text:  fmt.Sprintf("[%s] %s", mode, last),
		Model: BackendEcho,
		Facts: ExtractFacts(last),
	}, nil
}

func (e *Echo) Ping(context.Context) error { return e.Err }
