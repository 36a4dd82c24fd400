package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/alice/pkg/modes"
	olla "github.com/ollama/ollama/api"
)

type ollamaProvider struct {
	client *olla.Client
	model  string
}

func newOllamaProvider(baseURL, model string, timeout time.Duration) (*ollamaProvider, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	hc := &http.Client{Timeout: timeout}
	return &ollamaProvider{
		client: olla.NewClient(parsedURL, hc),
		model:  strings.TrimSpace(model),
	}, nil
}

func (o *ollamaProvider) Name() string {
	return BackendOllama
}

func (o *ollamaProvider) Generate(ctx context.Context, req Request) (Response, error) {
	msgs := withSystemPrompt(req)
	chatMsgs := make([]olla.Message, 0, len(msgs))
	for _, m := range msgs {
		chatMsgs = append(chatMsgs, olla.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	var result *olla.ChatResponse
	err := o.client.Chat(ctx, &olla.ChatRequest{
		Model:    o.model,
		Messages: chatMsgs,
		Stream:   &stream,
		Options:  ollamaOptions(req.Params),
	}, func(resp olla.ChatResponse) error {
		result = &resp
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		var statusErr olla.StatusError
		if errors.As(err, &statusErr) {
			msg := augmentProviderError(BackendOllama, statusErr.StatusCode, statusErr.ErrorMessage)
			err := fmt.Errorf("ollama chat failed: status=%d error=%s", statusErr.StatusCode, msg)
			if unavailableStatus(statusErr.StatusCode) {
				return Response{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
			}
			return Response{}, err
		}
		return Response{}, fmt.Errorf("ollama chat: %w: %w", ErrModelUnavailable, err)
	}
	if result == nil {
		return Response{}, fmt.Errorf("ollama chat: empty response")
	}

	model := result.Model
	if model == "" {
		model = o.model
	}
	return Response{
		Text:  strings.TrimSpace(result.Message.Content),
		Model: model,
		Facts: ExtractFacts(lastUserMessage(req.Messages)),
	}, nil
}

func (o *ollamaProvider) Ping(ctx context.Context) error {
	if err := o.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	return nil
}

// ollamaOptions maps generation params onto Ollama's runner option names.
func ollamaOptions(p modes.GenerationParams) map[string]any {
	opts := map[string]any{}
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if p.RepetitionPenalty != nil {
		opts["repeat_penalty"] = *p.RepetitionPenalty
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
