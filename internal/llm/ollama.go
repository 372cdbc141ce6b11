// internal/llm/ollama.go
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jmroz/taskpilot/internal/config"
)

// OllamaClient implements Client against a local Ollama instance using
// the simple generate endpoint, which tolerates the widest range of
// models. No retry: the instance is local, failures are not transient
// network weather.
type OllamaClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
	logger     *zap.Logger
	cfg        config.LLMConfig
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaRequestPayload struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaResponsePayload struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaClient initializes the client.
func NewOllamaClient(cfg config.LLMConfig, logger *zap.Logger) (*OllamaClient, error) {
	model := cfg.Model
	if model == "" {
		model = "granite3.3:8b"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434/api/generate"
	}

	return &OllamaClient{
		endpoint: endpoint,
		model:    model,
		cfg:      cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger: logger.Named("llm.ollama"),
	}, nil
}

// Generate composes the system prompt into the user prompt (best
// compatibility across local models) and returns the reply text.
func (c *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	fullPrompt := req.Prompt
	if req.System != "" {
		fullPrompt = req.System + "\n\n" + req.Prompt
	}

	payload := ollamaRequestPayload{
		Model:  c.model,
		Prompt: fullPrompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if payload.Options.NumPredict == 0 {
		payload.Options.NumPredict = c.cfg.MaxTokens
	}
	if req.ForceJSON {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("ollama connection error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}

	var responsePayload ollamaResponsePayload
	if err := json.Unmarshal(respBody, &responsePayload); err != nil {
		return "", fmt.Errorf("failed to decode response payload: %w", err)
	}
	if responsePayload.Response == "" {
		return "", fmt.Errorf("ollama returned an empty response")
	}

	c.logger.Debug("LLM generation complete (Ollama)", zap.String("model", c.model))
	return responsePayload.Response, nil
}
