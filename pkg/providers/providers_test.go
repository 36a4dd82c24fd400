package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dotsetgreg/alice/pkg/config"
	"github.com/dotsetgreg/alice/pkg/modes"
)

func testRequest() Request {
	return Request{
		Mode:         "dungeon_master",
		SystemPrompt: "You are ALICE.",
		Messages: []Message{
			{Role: RoleUser, Content: "hello"},
			{Role: RoleAssistant, Content: "hi there"},
			{Role: RoleUser, Content: "My name is Sam."},
		},
		Facts: []KnownFact{{Key: "favorite_color", Value: "teal"}},
		Params: modes.GenerationParams{
			Temperature: modes.Float(0.9),
			MaxTokens:   modes.Int(256),
			Stop:        []string{"User:"},
		},
	}
}

func TestCreateGenerator_OpenAICompatible(t *testing.T) {
	var seenAuth, seenPath string
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"local-7b","choices":[{"message":{"content":" Nice to meet you, Sam. "},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Generation.Backend = "openai"
	cfg.Generation.APIBase = server.URL + "/v1"
	cfg.Generation.Model = "local-7b"
	cfg.Generation.APIKey = "sk-local"

	gen, err := CreateGenerator(cfg)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	resp, err := gen.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Nice to meet you, Sam." {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if seenAuth != "Bearer sk-local" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if seenPath != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", seenPath)
	}
	if body["model"] != "local-7b" || body["temperature"] != 0.9 || body["max_tokens"] != float64(256) {
		t.Fatalf("params not forwarded: %#v", body)
	}
	if _, ok := body["top_p"]; ok {
		t.Fatalf("unset top_p must be omitted: %#v", body)
	}
	msgs, _ := body["messages"].([]interface{})
	if len(msgs) != 4 {
		t.Fatalf("expected system + 3 messages, got %d", len(msgs))
	}
	sys, _ := msgs[0].(map[string]interface{})
	if sys["role"] != "system" || !strings.Contains(sys["content"].(string), "favorite_color: teal") {
		t.Fatalf("system message missing facts: %#v", sys)
	}
	if len(resp.Facts) != 1 || resp.Facts[0].Key != "name" || resp.Facts[0].Value != "Sam" {
		t.Fatalf("expected extracted name fact, got %#v", resp.Facts)
	}
}

func TestChatCompletions_ServerErrorIsModelUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"loading model"}}`))
	}))
	defer server.Close()

	p, err := newChatCompletionsProvider("openai", server.URL, "m", "", time.Second, NewNoAuth(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "loading model") {
		t.Fatalf("expected server message in error, got %v", err)
	}
}

func TestChatCompletions_BadRequestIsNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad stop"}}`))
	}))
	defer server.Close()

	p, err := newChatCompletionsProvider("openai", server.URL, "m", "", time.Second, NewNoAuth(), nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Generate(context.Background(), testRequest())
	if err == nil || errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestChatCompletions_UnreachableServer(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL
	server.Close()

	p, err := newChatCompletionsProvider("openai", base, "m", "", time.Second, NewNoAuth(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Generate(context.Background(), testRequest()); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestChatCompletions_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	p, err := newChatCompletionsProvider("openai", server.URL, "m", "", 10*time.Second, NewNoAuth(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Generate(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("cancellation must not look like an outage: %v", err)
	}
}

func TestOllama_Chat(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"Welcome, traveler."},"done":true}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Generation.Backend = "ollama"
	cfg.Generation.APIBase = server.URL
	cfg.Generation.Model = "llama3.2"

	gen, err := CreateGenerator(cfg)
	if err != nil {
		t.Fatalf("create generator: %v", err)
	}
	resp, err := gen.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Welcome, traveler." || resp.Model != "llama3.2" {
		t.Fatalf("unexpected response %#v", resp)
	}
	if body["stream"] != false {
		t.Fatalf("expected non-streaming request, got %#v", body["stream"])
	}
	opts, _ := body["options"].(map[string]interface{})
	if opts["temperature"] != 0.9 || opts["num_predict"] != float64(256) {
		t.Fatalf("options not mapped: %#v", opts)
	}
}

func TestOllama_MissingModelIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nope\" not found, try pulling it first"}`))
	}))
	defer server.Close()

	p, err := newOllamaProvider(server.URL, "nope", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Generate(context.Background(), testRequest())
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestCreateGenerator_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Generation.Backend = "carrier-pigeon"
	if _, err := CreateGenerator(cfg); err == nil || !strings.Contains(err.Error(), "unsupported backend") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}

func TestCreateGenerator_ModelRequired(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Generation.Backend = "openai"
	cfg.Generation.Model = " "
	if _, err := CreateGenerator(cfg); err == nil {
		t.Fatal("expected missing model error")
	}
}

func TestEcho(t *testing.T) {
	e := NewEcho()
	resp, err := e.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "[dungeon_master] My name is Sam." {
		t.Fatalf("unexpected echo %q", resp.Text)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Generate(ctx, testRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExtractFacts(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"My name is Sam and my favorite color is teal.", map[string]string{"name": "Sam", "favorite_color": "teal"}},
		{"call me Alex", map[string]string{"name": "Alex"}},
		{"I live in Lisbon, mostly.", map[string]string{"location": "Lisbon"}},
		{"my timezone is Europe/Lisbon", map[string]string{"timezone": "Europe/Lisbon"}},
		{"what is my name?", nil},
		{"/remember name=Sam", nil},
	}
	for _, tt := range tests {
		got := map[string]string{}
		for _, f := range ExtractFacts(tt.in) {
			got[f.Key] = f.Value
		}
		if len(got) != len(tt.want) {
			t.Fatalf("%q: got %v want %v", tt.in, got, tt.want)
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Fatalf("%q: key %s got %q want %q", tt.in, k, got[k], v)
			}
		}
	}
}
