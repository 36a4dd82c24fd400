package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusNotFound && strings.Contains(lower, "model"):
		if providerName == BackendOllama {
			return msg + " Hint: pull the model first (ollama pull <model>) or set generation.model."
		}
		return msg + " Hint: check generation.model against the models your server has loaded."
	case status == http.StatusUnauthorized:
		return msg + " Hint: set generation.api_key (or ALICE_GENERATION_API_KEY) for this server."
	case strings.Contains(lower, "context length") || strings.Contains(lower, "context window"):
		return msg + " Hint: lower session.context_tokens so the prompt fits the model's context window."
	}
	return msg
}
