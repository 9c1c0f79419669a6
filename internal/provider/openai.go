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

const openAIAPIURL = "https://api.openai.com/v1/chat/completions"

// openAIRequest is the request body for the chat completions endpoint.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float32        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openAIResponse covers both the success and the error shape; only one
// side is populated per response.
type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// OpenAIClient talks to OpenAI chat models.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	sleep      func(time.Duration)
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a configured OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key cannot be empty")
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    openAIAPIURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Complete performs a blocking completion request against OpenAI.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	payload, err := c.buildRequestPayload(req)
	if err != nil {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Detail: err.Error()}
	}

	status, body, err := requestWithRetry(ctx, c.httpClient, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create openai request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		return httpReq, nil
	}, c.sleep)
	if err != nil {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnavailable, Detail: err.Error()}
	}

	var parsed openAIResponse
	if unmarshalErr := json.Unmarshal(body, &parsed); unmarshalErr != nil && status < 300 {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Status: status,
			Detail: "unparseable response body"}
	}

	if status >= 200 && status < 300 {
		if len(parsed.Choices) > 0 {
			if content := strings.TrimSpace(parsed.Choices[0].Message.Content); content != "" {
				return content, nil
			}
		}
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown, Status: status,
			Detail: "no choices in response"}
	}

	return "", c.classifyError(status, parsed.Error.Message)
}

func (c *OpenAIClient) buildRequestPayload(req CompletionRequest) ([]byte, error) {
	system := req.SystemPrompt
	if system == "" {
		system = "You are a professional editor providing concise and accurate answers."
	}

	body := openAIRequest{
		Model: req.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "system", Content: req.LangHint},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	return json.Marshal(body)
}

// classifyError maps OpenAI's status + structured error message to a
// category. The raw message goes into Detail for the log, never to the
// user.
func (c *OpenAIClient) classifyError(status int, message string) *APIError {
	apiErr := &APIError{Provider: c.Name(), Status: status, Detail: message}

	switch {
	case status == 401:
		apiErr.Category = CategoryAuth
	case status == 429:
		apiErr.Category = CategoryQuota
		if strings.Contains(message, "insufficient_quota") {
			apiErr.Detail = "insufficient quota: " + message
		}
	case status == 400 && strings.Contains(message, "context_length_exceeded"):
		apiErr.Category = CategoryTooLarge
	case status >= 500:
		apiErr.Category = CategoryUnavailable
	default:
		apiErr.Category = CategoryUnknown
	}
	return apiErr
}
