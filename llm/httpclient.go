package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClient implements Client against an ollama-style completion endpoint.
type HTTPClient struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewHTTPClient creates a client for the given endpoint and model name.
func NewHTTPClient(endpoint, model string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate runs one completion and extracts any intent block from the reply.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:  c.model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
		Options: generateOptions{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	reply, intent := ExtractIntent(gen.Response)
	return &Result{Reply: reply, Intent: intent}, nil
}
