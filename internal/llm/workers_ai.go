package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 4 << 20

var errUnsuccessful = errors.New("model call unsuccessful")

// WorkersAIConfig configures the Workers AI REST client.
type WorkersAIConfig struct {
	BaseURL   string
	AccountID string
	APIToken  string
	Timeout   time.Duration
}

// WorkersAIClient runs models through the Cloudflare Workers AI REST API.
type WorkersAIClient struct {
	baseURL   string
	accountID string
	apiToken  string
	http      *http.Client
	logger    *slog.Logger
}

// NewWorkersAIClient creates a client. The timeout bounds the whole HTTP
// exchange; there is no retry.
func NewWorkersAIClient(cfg WorkersAIConfig, logger *slog.Logger) *WorkersAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WorkersAIClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		apiToken:  cfg.APIToken,
		http:      &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type envelope struct {
	Success *bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Run posts the prompt to /accounts/{id}/ai/run/{model} and returns the
// decoded response body. Non-2xx statuses and success=false envelopes are
// returned as errors carrying the provider's messages.
func (c *WorkersAIClient) Run(ctx context.Context, model string, in Input) (any, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode model input: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call model %s: %w", model, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close model response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read model response: %w", err)
	}

	c.logger.Debug("Model call finished",
		"model", model,
		"status", resp.StatusCode,
		"duration", time.Since(start),
		"bytes", len(raw),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", errUnsuccessful, resp.StatusCode, providerMessage(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Success != nil && !*env.Success {
		return nil, fmt.Errorf("%w: %s", errUnsuccessful, providerMessage(raw))
	}

	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return result, nil
}

// providerMessage summarizes an error body for the caller.
func providerMessage(raw []byte) string {
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Errors) > 0 {
		msgs := make([]string, 0, len(env.Errors))
		for _, e := range env.Errors {
			msgs = append(msgs, fmt.Sprintf("%d %s", e.Code, e.Message))
		}
		return strings.Join(msgs, "; ")
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	if text == "" {
		return "empty response body"
	}
	return text
}

var _ Runner = (*WorkersAIClient)(nil)
