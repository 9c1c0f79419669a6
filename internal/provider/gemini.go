package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiClient talks to Google's Gemini models through the official SDK.
type GeminiClient struct {
	client *genai.Client
	sleep  func(time.Duration)
	// generate defaults to the SDK call; tests substitute it because
	// the SDK client cannot be pointed at a local server.
	generate func(ctx context.Context, req CompletionRequest) (*genai.GenerateContentResponse, error)
}

var _ Client = (*GeminiClient)(nil)

// NewGeminiClient creates a configured Gemini client.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key cannot be empty")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error { return c.client.Close() }

// Complete performs a blocking completion request against Gemini. The SDK
// handles the transport, so retries wrap the whole call rather than a raw
// HTTP request; the policy is the same as the HTTP clients': only
// transient provider-side failures earn another attempt, everything else
// is terminal.
func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	generate := c.generate
	if generate == nil {
		generate = c.generateSDK
	}
	sleep := c.sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sleep(retryBackoffUnit * time.Duration(attempt))
		}
		resp, err := generate(ctx, req)
		if err != nil {
			apiErr := c.classifyError(err)
			if apiErr.Category != CategoryUnavailable {
				return "", apiErr
			}
			lastErr = apiErr
			continue
		}
		return c.parseResponse(resp)
	}
	return "", lastErr
}

func (c *GeminiClient) generateSDK(ctx context.Context, req CompletionRequest) (*genai.GenerateContentResponse, error) {
	model := c.client.GenerativeModel(req.Model)
	c.configureModel(model, req)
	return model.GenerateContent(ctx, genai.Text(req.UserPrompt))
}

func (c *GeminiClient) configureModel(model *genai.GenerativeModel, req CompletionRequest) {
	system := req.SystemPrompt
	if req.LangHint != "" {
		system = strings.TrimSpace(system + "\n" + req.LangHint)
	}
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Temperature != nil {
		model.SetTemperature(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	} else {
		model.SetMaxOutputTokens(defaultMaxTokens)
	}
}

func (c *GeminiClient) parseResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", &APIError{Provider: c.Name(), Category: CategoryFiltered,
			Detail: "prompt blocked: " + resp.PromptFeedback.BlockReason.String()}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &APIError{Provider: c.Name(), Category: CategoryUnknown,
			Detail: "no content returned"}
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", &APIError{Provider: c.Name(), Category: CategoryFiltered,
			Detail: "candidate blocked by safety filter"}
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if content := strings.TrimSpace(sb.String()); content != "" {
		return content, nil
	}
	return "", &APIError{Provider: c.Name(), Category: CategoryUnknown,
		Detail: "empty text content in response"}
}

// classifyError maps SDK errors to categories. The SDK surfaces HTTP-level
// failures as *googleapi.Error; safety blocks are handled in parseResponse.
func (c *GeminiClient) classifyError(err error) *APIError {
	apiErr := &APIError{Provider: c.Name(), Detail: err.Error()}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		apiErr.Status = gErr.Code
		message := gErr.Message

		switch {
		case gErr.Code == 400 && strings.Contains(message, "API_KEY_INVALID"):
			apiErr.Category = CategoryAuth
		case gErr.Code == 403,
			gErr.Code == 404 && strings.Contains(message, "models/"):
			apiErr.Category = CategoryAuth
		case gErr.Code == 429:
			apiErr.Category = CategoryQuota
		case gErr.Code >= 500:
			apiErr.Category = CategoryUnavailable
		default:
			apiErr.Category = CategoryUnknown
		}
		return apiErr
	}

	if strings.Contains(err.Error(), "blocked") {
		apiErr.Category = CategoryFiltered
		return apiErr
	}

	// Anything else is a transport-level failure.
	apiErr.Category = CategoryUnavailable
	return apiErr
}
