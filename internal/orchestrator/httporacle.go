package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPOracleClient is the production OracleClient: a single POST to the
// external analysis oracle's chat-style endpoint, grounded on the
// teacher's pkg/llm.Client shape but collapsed to the spec's single
// analyze(prompt) → string call (spec §6 "Oracle interface").
type HTTPOracleClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPOracleClient constructs a client against baseURL.
func NewHTTPOracleClient(baseURL string) *HTTPOracleClient {
	return &HTTPOracleClient{baseURL: baseURL, client: &http.Client{Timeout: 60 * time.Second}}
}

func (c *HTTPOracleClient) Analyze(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: oracle request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("orchestrator: oracle returned %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("orchestrator: decode oracle response: %w", err)
	}
	return out.Response, nil
}
