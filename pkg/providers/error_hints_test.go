package providers

import (
	"net/http"
	"strings"
	"testing"
)

func TestAugmentProviderError_OllamaMissingModelHint(t *testing.T) {
	msg := augmentProviderError(BackendOllama, http.StatusNotFound, `model "llama3.2" not found, try pulling it first`)
	if !strings.Contains(msg, "ollama pull") {
		t.Fatalf("expected pull hint, got %q", msg)
	}
}

func TestAugmentProviderError_UnauthorizedHint(t *testing.T) {
	msg := augmentProviderError(BackendOpenAI, http.StatusUnauthorized, "invalid api key")
	if !strings.Contains(msg, "generation.api_key") {
		t.Fatalf("expected api key hint, got %q", msg)
	}
}

func TestAugmentProviderError_ContextLengthHint(t *testing.T) {
	msg := augmentProviderError(BackendOpenAI, http.StatusBadRequest, "This model's maximum context length is 4096 tokens")
	if !strings.Contains(msg, "session.context_tokens") {
		t.Fatalf("expected context budget hint, got %q", msg)
	}
}

func TestAugmentProviderError_PassThrough(t *testing.T) {
	if msg := augmentProviderError(BackendOpenAI, http.StatusBadRequest, "  bad stop sequence "); msg != "bad stop sequence" {
		t.Fatalf("expected trimmed passthrough, got %q", msg)
	}
}
