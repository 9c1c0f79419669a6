// Package content defines the boundary to the host's content/metadata
// store. The engine only ever reads content; authoring questions is the
// host's business.
package content

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// MaxQuestions caps how many author-curated questions one content item
// may carry. The cap is what keeps slug decoding a cheap linear scan.
const MaxQuestions = 8

// ErrNotFound is returned when a content id does not resolve.
var ErrNotFound = errors.New("content: item not found")

// Item is the read-only view of a published content item.
type Item struct {
	ID         int64
	Title      string
	Body       string
	Permalink  string
	ModifiedAt time.Time
	Published  bool
}

// Question is one author-curated question with its language tag
// ("auto" or an explicit code such as "en", "ja", "zh").
type Question struct {
	Text string
	Lang string
}

// Store is the collaborator interface the host implements.
type Store interface {
	GetContent(ctx context.Context, id int64) (*Item, error)
	GetQuestions(ctx context.Context, id int64) ([]Question, error)
}

// ParseQuestions normalizes raw author input (one question per line)
// into a trimmed, capped list.
func ParseQuestions(raw string) []string {
	var out []string
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '\r' }) {
		q := strings.TrimSpace(line)
		if q == "" {
			continue
		}
		out = append(out, q)
		if len(out) == MaxQuestions {
			break
		}
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

// Truncate collapses whitespace and cuts text to at most maxChars
// runes, for provider context windows. Rune-safe.
func Truncate(text string, maxChars int) string {
	text = spaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}

// DetectLanguage guesses a language code for "auto"-tagged questions:
// kana means Japanese, Han without kana means Chinese, anything else
// falls back to English.
func DetectLanguage(text string) string {
	hasHan := false
	for _, r := range text {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana) {
			return "ja"
		}
		if unicode.In(r, unicode.Han) {
			hasHan = true
		}
	}
	if hasHan {
		return "zh"
	}
	return "en"
}

// =========================================
// In-memory store (tests, demo host)
// =========================================

// MemoryStore is a Store backed by maps, for tests and the demo host.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[int64]*Item
	questions map[int64][]Question
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:     make(map[int64]*Item),
		questions: make(map[int64][]Question),
	}
}

// Put registers or replaces a content item and its questions.
func (s *MemoryStore) Put(item *Item, questions []Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(questions) > MaxQuestions {
		questions = questions[:MaxQuestions]
	}
	s.items[item.ID] = item
	s.questions[item.ID] = questions
}

func (s *MemoryStore) GetContent(_ context.Context, id int64) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *item
	return &dup, nil
}

func (s *MemoryStore) GetQuestions(_ context.Context, id int64) ([]Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qs, ok := s.questions[id]
	if !ok {
		return nil, nil
	}
	out := make([]Question, len(qs))
	copy(out, qs)
	return out, nil
}
