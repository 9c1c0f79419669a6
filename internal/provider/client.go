// Package provider implements the outbound clients for the supported
// model providers. Each provider has its own request/response shape and
// its own error-code semantics; everything is normalized into a plain
// answer string or an *APIError carrying an explicit category. Raw
// provider error text is confined to the log.
package provider

import (
	"context"
	"fmt"
	"time"
)

// =========================================
// Core Data Structures
// =========================================

// CompletionRequest carries one fully assembled generation request.
type CompletionRequest struct {
	// SystemPrompt frames the assistant's role.
	SystemPrompt string
	// LangHint instructs the model which language to answer in.
	LangHint string
	// UserPrompt is the question plus optional context and rules.
	UserPrompt string
	// Model is the provider-specific model identifier.
	Model string
	// Temperature controls randomness. Pointer distinguishes unset
	// from zero.
	Temperature *float32
	// MaxTokens bounds the response length; 0 means provider default.
	MaxTokens int
}

// Client is the interface every provider client implements.
type Client interface {
	// Complete performs a single blocking completion request.
	// Transport failures and 5xx responses are retried internally up
	// to the configured cap; the returned error, if any, is an
	// *APIError.
	Complete(ctx context.Context, req CompletionRequest) (string, error)

	// Name identifies the provider ("openai", "anthropic", "gemini").
	Name() string
}

// Shared client tuning. The original system allows large models up to
// 45 seconds per attempt and retries twice with linear backoff.
const (
	defaultTimeout   = 45 * time.Second
	maxRetries       = 2
	retryBackoffUnit = 2 * time.Second
	defaultMaxTokens = 1024
)

// =========================================
// Error taxonomy
// =========================================

// Category is the user-safe classification of a provider failure.
// Classification always comes from the HTTP status and structured error
// body, never from sniffing the answer text.
type Category int

const (
	// CategoryUnknown covers anything not matched below.
	CategoryUnknown Category = iota
	// CategoryAuth means bad credentials or a misconfigured model.
	CategoryAuth
	// CategoryQuota means rate-limited or out of quota.
	CategoryQuota
	// CategoryTooLarge means the prompt exceeded the context window.
	CategoryTooLarge
	// CategoryFiltered means a safety system blocked the exchange.
	CategoryFiltered
	// CategoryUnavailable means a transient provider-side failure.
	CategoryUnavailable
)

func (c Category) String() string {
	switch c {
	case CategoryAuth:
		return "auth"
	case CategoryQuota:
		return "quota"
	case CategoryTooLarge:
		return "too_large"
	case CategoryFiltered:
		return "filtered"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this category may succeed on
// a later, separate attempt (used by the scheduler, not by the
// in-request retry loop, which only ever retries transport/5xx).
func (c Category) Retryable() bool {
	return c == CategoryUnavailable || c == CategoryQuota
}

// APIError is a classified provider failure. Error() is for logs only;
// UserMessage() is the only text that may reach an end user.
type APIError struct {
	Provider string
	Category Category
	Status   int
	Detail   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Category, e.Status, e.Detail)
}

// userMessages holds one fixed localized message per category. Nothing
// from the provider's response ever leaks into these.
var userMessages = map[Category]map[string]string{
	CategoryAuth: {
		"en": "The service is temporarily unavailable. Please check back later.",
		"zh": "服務暫時無法使用,請檢查 API Key 或模型名稱。",
		"ja": "サービスは一時的に利用できません。後ほどお試しください。",
	},
	CategoryQuota: {
		"en": "Too many requests right now. Please try again in a moment.",
		"zh": "請求過於頻繁,請稍候再試。",
		"ja": "リクエストが多すぎます。しばらくしてからお試しください。",
	},
	CategoryTooLarge: {
		"en": "The source article is too long for the model. Please try again later.",
		"zh": "內容過長,請減少文章內容截斷長度。",
		"ja": "コンテンツが長すぎます。後ほどお試しください。",
	},
	CategoryFiltered: {
		"en": "The question or answer was blocked by a safety filter.",
		"zh": "問題或答案被安全過濾機制阻擋。",
		"ja": "質問または回答が安全フィルターによってブロックされました。",
	},
	CategoryUnavailable: {
		"en": "The AI service is temporarily unavailable. Please try again later.",
		"zh": "AI 服務暫時不可用,請稍後再試。",
		"ja": "AI サービスは一時的に利用できません。後ほどお試しください。",
	},
	CategoryUnknown: {
		"en": "The AI service returned an unexpected response. Please try again later.",
		"zh": "AI 服務回傳異常,請稍後再試。",
		"ja": "AI サービスから予期しない応答が返されました。",
	},
}

// UserMessage returns the fixed, localized, user-safe message for this
// error. Unknown languages fall back to English.
func (e *APIError) UserMessage(lang string) string {
	msgs, ok := userMessages[e.Category]
	if !ok {
		msgs = userMessages[CategoryUnknown]
	}
	if m, ok := msgs[lang]; ok {
		return m
	}
	return msgs["en"]
}
