package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	claudeAPIURL       = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion   = "2023-06-01"
	claudeDefaultModel = "claude-haiku-4-5-20251001"
)

// Claude implements MessageCreator using the Anthropic Messages API
type Claude struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewClaude creates a new Claude client
func NewClaude(apiKey string, modelName string) (*Claude, error) {
	return NewClaudeWithEndpoint(apiKey, modelName, claudeAPIURL)
}

// NewClaudeWithEndpoint creates a Claude client pointing at a custom API endpoint
func NewClaudeWithEndpoint(apiKey string, modelName string, endpoint string) (*Claude, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("claude api key is required")
	}
	if modelName == "" {
		modelName = claudeDefaultModel
	}

	return &Claude{
		apiKey:   apiKey,
		model:    modelName,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeContent struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

// claudeRequest represents the request body for the Messages API
type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []claudeMessage `json:"messages"`
}

// claudeResponse represents the response from the Messages API
type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// CreateMessage sends the image and prompt to Claude
func (c *Claude) CreateMessage(ctx context.Context, req *MessageRequest) (*Message, error) {
	reqBody := claudeRequest{
		Model:     c.model,
		MaxTokens: req.MaxTokens,
		Messages: []claudeMessage{
			{
				Role: "user",
				Content: []claudeContent{
					{
						Type: "image",
						Source: &claudeSource{
							Type:      "base64",
							MediaType: string(req.Image.MediaType),
							Data:      req.Image.Data,
						},
					},
					{
						Type: "text",
						Text: req.Prompt,
					},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling anthropic API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{
			Provider:   "claude",
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(truncate(string(body), 500)),
		}
	}

	var apiResp claudeResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	msg := &Message{Content: make([]ContentBlock, 0, len(apiResp.Content))}
	for _, block := range apiResp.Content {
		msg.Content = append(msg.Content, ContentBlock{Type: block.Type, Text: block.Text})
	}
	return msg, nil
}

// Close closes the Claude client (no-op for HTTP client)
func (c *Claude) Close() error {
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
