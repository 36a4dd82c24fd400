// ALICE - locally hosted conversational companion
// License: MIT
//
// Copyright (c) 2026 ALICE contributors

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 120 * time.Second

// chatCompletionsProvider talks to any server exposing the OpenAI chat
// completions endpoint (llama.cpp server, vLLM, LM Studio, text-generation
// webui with the openai extension).
type chatCompletionsProvider struct {
	providerName string
	apiBase      string
	defaultModel string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, timeout time.Duration, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	client := &http.Client{Timeout: timeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &chatCompletionsProvider{
		providerName: providerName,
		apiBase:      apiBase,
		defaultModel: strings.TrimSpace(defaultModel),
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

func (p *chatCompletionsProvider) Name() string {
	return p.providerName
}

func (p *chatCompletionsProvider) Generate(ctx context.Context, req Request) (Response, error) {
	if p == nil {
		return Response{}, fmt.Errorf("provider not initialized")
	}

	requestBody := map[string]interface{}{
		"model":    p.defaultModel,
		"messages": withSystemPrompt(req),
		"stream":   false,
	}
	params := req.Params
	if params.Temperature != nil {
		requestBody["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		requestBody["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		requestBody["max_tokens"] = *params.MaxTokens
	}
	if params.RepetitionPenalty != nil {
		// Not part of the OpenAI schema; llama.cpp and vLLM accept it.
		requestBody["repetition_penalty"] = *params.RepetitionPenalty
	}
	if len(params.Stop) > 0 {
		requestBody["stop"] = params.Stop
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s request: %w", p.providerName, err)
	}

	endpoint := p.apiBase + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, fmt.Errorf("create %s request: %w", p.providerName, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if err := p.auth.Apply(ctx, httpReq); err != nil {
		return Response{}, fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	for name, value := range p.extraHeaders {
		httpReq.Header.Set(name, value)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("send %s request: %w: %w", p.providerName, ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, fmt.Errorf("read %s response: %w: %w", p.providerName, ErrModelUnavailable, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(p.providerName, resp.StatusCode, extractAPIError(body))
		err := fmt.Errorf("%s API request failed: status=%d error=%s", p.providerName, resp.StatusCode, msg)
		if unavailableStatus(resp.StatusCode) {
			return Response{}, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
		return Response{}, err
	}

	text, model, err := parseChatCompletionsResponse(body)
	if err != nil {
		return Response{}, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	if model == "" {
		model = p.defaultModel
	}
	return Response{
		Text:  text,
		Model: model,
		Facts: ExtractFacts(lastUserMessage(req.Messages)),
	}, nil
}

// Ping lists models, which every compatible server implements cheaply.
func (p *chatCompletionsProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/models", nil)
	if err != nil {
		return fmt.Errorf("create %s ping: %w", p.providerName, err)
	}
	if err := p.auth.Apply(ctx, httpReq); err != nil {
		return fmt.Errorf("apply %s auth: %w", p.providerName, err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s ping status=%d", ErrModelUnavailable, p.providerName, resp.StatusCode)
	}
	return nil
}

func unavailableStatus(code int) bool {
	return code == http.StatusNotFound || code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func withSystemPrompt(req Request) []Message {
	out := make([]Message, 0, len(req.Messages)+1)
	if sys := systemContent(req); sys != "" {
		out = append(out, Message{Role: RoleSystem, Content: sys})
	}
	return append(out, req.Messages...)
}

// systemContent joins the persona prompt with the user's known facts.
func systemContent(req Request) string {
	sys := strings.TrimSpace(req.SystemPrompt)
	if len(req.Facts) == 0 {
		return sys
	}
	var b strings.Builder
	b.WriteString(sys)
	if sys != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Known facts about the user:")
	for _, f := range req.Facts {
		fmt.Fprintf(&b, "\n- %s: %s", f.Key, f.Value)
	}
	return b.String()
}

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func parseChatCompletionsResponse(body []byte) (string, string, error) {
	var apiResponse struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", "", err
	}
	if len(apiResponse.Choices) == 0 {
		return "", "", errors.New("response has no choices")
	}
	return strings.TrimSpace(flattenMessageContent(apiResponse.Choices[0].Message.Content)), apiResponse.Model, nil
}

func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
