package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float32           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicClient talks to Anthropic's messages endpoint.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sleep      func(time.Duration)
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropicClient creates a configured Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key cannot be empty")
	}
	return &AnthropicClient{
		apiKey:     apiKey,
		baseURL:    anthropicAPIURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// Complete performs a blocking completion request against Anthropic.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload, err := c.buildRequestPayload(req)
	if err != nil {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Detail: err.Error()}
	}

	status, body, err := requestWithRetry(ctx, c.httpClient, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
		return httpReq, nil
	}, c.sleep)
	if err != nil {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnavailable, Detail: err.Error()}
	}

	var parsed anthropicResponse
	if unmarshalErr := json.Unmarshal(body, &parsed); unmarshalErr != nil && status < 300 {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Status: status,
			Detail: "unparseable response body"}
	}

	if status >= 200 && status < 300 {
		var sb strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if content := strings.TrimSpace(sb.String()); content != "" {
			return content, nil
		}
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Status: status,
			Detail: "no text content in response"}
	}

	return "", c.classifyError(status, parsed.Error.Message)
}

func (c *AnthropicClient) buildRequestPayload(req CompletionRequest) ([]byte, error) {
	system := req.SystemPrompt
	if req.LangHint != "" {
		system = strings.TrimSpace(system + "\n" + req.LangHint)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := anthropicRequest{
		Model:  req.Model,
		System: system,
		Messages: []anthropicMessage{
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
	return json.Marshal(body)
}

func (c *AnthropicClient) classifyError(status int, message string) *APIError {
	apiErr := &APIError{Provider: c.Name(), Status: status, Detail: message}

	switch {
	case status == 401:
		apiErr.Category = CategoryAuth
	case status == 429:
		apiErr.Category = CategoryQuota
	case status == 400 && strings.Contains(message, "max_tokens"):
		apiErr.Category = CategoryTooLarge
	case status >= 500:
		apiErr.Category = CategoryUnavailable
	default:
		apiErr.Category = CategoryUnknown
	}
	return apiErr
}
