// Package answer memoizes model completions behind the ephemeral store.
package answer

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/moelog/aiqna/internal/cachekey"
	"github.com/moelog/aiqna/internal/provider"
	"github.com/moelog/aiqna/internal/store"
)

// DefaultTTL is how long a generated answer stays in the ephemeral store.
const DefaultTTL = 24 * time.Hour

// Params identifies one answer. Every field except Permalink and
// Temperature participates in the cache key.
type Params struct {
	ContentID   int64
	Question    string
	Lang        string
	Context     string
	Permalink   string
	Model       string
	Temperature *float32
}

// Service generates answers through a provider client and caches the
// successful ones. Concurrent requests for the same key share a single
// in-flight provider call.
type Service struct {
	eph       store.Ephemeral
	client    provider.Client
	sanitizer *provider.Sanitizer
	ttl       time.Duration
	group     singleflight.Group
}

// NewService builds an answer service. A zero ttl means DefaultTTL.
func NewService(eph store.Ephemeral, client provider.Client, sanitizer *provider.Sanitizer, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sanitizer == nil {
		sanitizer = provider.NewSanitizer("", nil)
	}
	return &Service{eph: eph, client: client, sanitizer: sanitizer, ttl: ttl}
}

// Generate returns the cached answer for p, or calls the provider and
// caches the result. Provider errors are returned as-is and never
// cached, so the next request retries.
func (s *Service) Generate(ctx context.Context, p Params) (string, error) {
	key := cachekey.AnswerKey(p.ContentID, p.Question, p.Model, p.Context, p.Lang)

	if cached, ok, err := s.eph.Get(ctx, key); err != nil {
		log.Printf("WARN: answer cache read failed for content %d: %v", p.ContentID, err)
	} else if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check under the flight lock: a concurrent caller may have
		// populated the key between our miss and the Do call.
		if cached, ok, err := s.eph.Get(ctx, key); err == nil && ok {
			return cached, nil
		}

		text, err := s.client.Complete(ctx, provider.CompletionRequest{
			SystemPrompt: provider.DefaultSystemPrompt,
			LangHint:     provider.LanguageHint(p.Lang),
			UserPrompt: provider.BuildUserPrompt(provider.PromptInput{
				Question:  p.Question,
				Context:   p.Context,
				Permalink: p.Permalink,
			}),
			Model:       p.Model,
			Temperature: p.Temperature,
		})
		if err != nil {
			return "", fmt.Errorf("%s completion failed: %w", s.client.Name(), err)
		}

		text = s.sanitizer.Sanitize(text)

		if err := s.eph.Set(ctx, key, text, s.ttl); err != nil {
			log.Printf("WARN: answer cache write failed for content %d: %v", p.ContentID, err)
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached answer for p, forcing the next Generate to
// hit the provider.
func (s *Service) Invalidate(ctx context.Context, p Params) error {
	key := cachekey.AnswerKey(p.ContentID, p.Question, p.Model, p.Context, p.Lang)
	return s.eph.Delete(ctx, key)
}
