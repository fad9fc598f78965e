package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultModelURL is the Hugging Face inference endpoint used when none is
// configured.
const DefaultModelURL = "https://api-inference.huggingface.co/models/cardiffnlp/twitter-roberta-base-sentiment-latest"

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBody    = 1 << 20
)

// Score is one label of a text-classification result.
type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Analyzer classifies a text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) ([]Score, error)
}

// ClientConfig configures the inference client.
type ClientConfig struct {
	// URL of the model endpoint. Defaults to DefaultModelURL.
	URL string

	// APIKey is sent as a Bearer token when set.
	APIKey string

	HTTPClient *http.Client
}

// Client calls a Hugging Face text-classification model.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
}

// NewClient creates an inference client.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	url := strings.TrimSpace(config.URL)
	if url == "" {
		url = DefaultModelURL
	}
	return &Client{httpClient: httpClient, url: url, apiKey: strings.TrimSpace(config.APIKey)}
}

// Analyze returns the label scores for text.
func (c *Client) Analyze(ctx context.Context, text string) ([]Score, error) {
	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference API returned status %d", resp.StatusCode)
	}

	var rows [][]Score
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode inference response: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
