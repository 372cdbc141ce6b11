// internal/llm/client.go
package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/config"
)

// Request carries one generation call. The orchestrator supplies the full
// windowed context each time; clients are stateless per call.
type Request struct {
	System      string
	Prompt      string
	ForceJSON   bool
	MaxTokens   int
	Temperature float64
}

// Client is the single capability every language model backend exposes.
// Retry and backoff on transient network failure belong to the client;
// callers only ever see success or a terminal failure.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// NewClient is a factory that builds a Client from configuration. Backend
// selection happens here, once per session, not in the orchestrator.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q", cfg.Provider)
	}
}
