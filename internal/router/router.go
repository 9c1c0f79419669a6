// Package router encodes answer-page URLs and decodes incoming requests,
// including links minted by two earlier URL schemes.
package router

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/moelog/aiqna/internal/content"
	"github.com/moelog/aiqna/internal/slug"
)

// Decode failure modes. Handlers map these to distinct HTTP statuses.
var (
	ErrNotFound     = errors.New("no content matches this link")
	ErrExpired      = errors.New("signed link has expired")
	ErrBadSignature = errors.New("link signature does not verify")
)

const (
	// DefaultBasePath prefixes current-scheme answer URLs.
	DefaultBasePath = "ai"
	// legacyBasePath is the prefix the previous scheme used.
	legacyBasePath = "ai-answer"
	// legacySigWindow bounds the age of timestamp-signed links.
	legacySigWindow = 15 * time.Minute
)

var (
	currentPathRe = regexp.MustCompile(`^([a-z0-9]+)-([a-f0-9]{3})-([0-9]+)$`)
	legacyPathRe  = regexp.MustCompile(`^(.+)-([0-9]+)$`)
)

// Match is a successfully decoded answer-page request.
type Match struct {
	ContentID int64
	Question  string
	Lang      string
}

// Router builds and decodes answer-page URLs. Secrets beyond the first
// are previous signing secrets, still accepted so links minted before a
// rotation keep resolving.
type Router struct {
	codecs    []*slug.Codec
	secrets   [][]byte
	basePath  string
	questions content.Store
	now       func() time.Time
}

// New builds a Router. secrets must contain at least the current secret;
// basePath empty means DefaultBasePath.
func New(secrets []string, basePath string, questions content.Store) (*Router, error) {
	if len(secrets) == 0 || secrets[0] == "" {
		return nil, errors.New("router needs at least one signing secret")
	}
	if basePath == "" {
		basePath = DefaultBasePath
	}

	r := &Router{
		basePath:  strings.Trim(basePath, "/"),
		questions: questions,
		now:       time.Now,
	}
	for _, s := range secrets {
		if s == "" {
			continue
		}
		r.codecs = append(r.codecs, slug.NewCodec(s))
		r.secrets = append(r.secrets, []byte(s))
	}
	return r, nil
}

// BuildURL returns the canonical path for one question of a content item.
func (r *Router) BuildURL(contentID int64, question string) string {
	return fmt.Sprintf("/%s/%s/", r.basePath, r.codecs[0].Slug(question, contentID))
}

// IsPrefetch reports whether the request is a cache-warming probe rather
// than a page view.
func IsPrefetch(req *http.Request) bool {
	return req.URL.Query().Get("pf") == "1"
}

// Decode resolves a request to a content item and question. It tries the
// current slug scheme first, then the two legacy schemes. A request that
// matches no scheme's shape, or whose slug resolves to no known question,
// decodes to ErrNotFound.
func (r *Router) Decode(req *http.Request) (*Match, error) {
	path := strings.Trim(req.URL.Path, "/")

	if rest, ok := strings.CutPrefix(path, r.basePath+"/"); ok {
		if m := currentPathRe.FindStringSubmatch(rest); m != nil {
			return r.decodeCurrent(req.Context(), m[1], m[2], m[3])
		}
	}
	if rest, ok := strings.CutPrefix(path, legacyBasePath+"/"); ok {
		if m := legacyPathRe.FindStringSubmatch(rest); m != nil {
			return r.decodeLegacyToken(req.Context(), m[2], req.URL.Query().Get("k"))
		}
	}
	if q := req.URL.Query(); q.Get("post_id") != "" && q.Get("sig") != "" {
		return r.decodeLegacySigned(req.Context(),
			q.Get("post_id"), q.Get("q"), q.Get("ts"), q.Get("sig"))
	}

	return nil, ErrNotFound
}

// decodeCurrent re-derives the slug for each of the item's questions and
// accepts the first constant-time match under any configured secret.
func (r *Router) decodeCurrent(ctx context.Context, abbrev, salt, rawID string) (*Match, error) {
	contentID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	questions, err := r.lookupQuestions(ctx, contentID)
	if err != nil {
		return nil, err
	}

	given := abbrev + "-" + salt
	for _, q := range questions {
		for _, codec := range r.codecs {
			expected := slug.Abbrev(q.Text, slug.AbbrevLen) + "-" + codec.Salt(q.Text)
			if hmac.Equal([]byte(expected), []byte(given)) {
				return r.match(contentID, q), nil
			}
		}
	}
	return nil, ErrNotFound
}

// decodeLegacyToken verifies the ?k= token of the previous URL scheme:
// base64url(HMAC-SHA256("{id}|{question}")).
func (r *Router) decodeLegacyToken(ctx context.Context, rawID, token string) (*Match, error) {
	if token == "" {
		return nil, ErrBadSignature
	}
	contentID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	questions, err := r.lookupQuestions(ctx, contentID)
	if err != nil {
		return nil, err
	}

	for _, q := range questions {
		for _, secret := range r.secrets {
			mac := hmac.New(sha256.New, secret)
			fmt.Fprintf(mac, "%d|%s", contentID, q.Text)
			expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
			if hmac.Equal([]byte(expected), []byte(token)) {
				return r.match(contentID, q), nil
			}
		}
	}
	return nil, ErrBadSignature
}

// decodeLegacySigned verifies the oldest scheme: raw query parameters
// with a timestamped hex signature and a 15-minute validity window.
func (r *Router) decodeLegacySigned(ctx context.Context, rawID, question, rawTS, sig string) (*Match, error) {
	contentID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, ErrNotFound
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return nil, ErrBadSignature
	}

	verified := false
	for _, secret := range r.secrets {
		mac := hmac.New(sha256.New, secret)
		fmt.Fprintf(mac, "%d|%s|%d", contentID, question, ts)
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrBadSignature
	}

	// Expiry is checked after the signature so a forged timestamp cannot
	// distinguish the two failures.
	age := r.now().Sub(time.Unix(ts, 0))
	if age > legacySigWindow || age < -legacySigWindow {
		return nil, ErrExpired
	}

	questions, err := r.lookupQuestions(ctx, contentID)
	if err != nil {
		return nil, err
	}
	for _, q := range questions {
		if q.Text == question {
			return r.match(contentID, q), nil
		}
	}
	return nil, ErrNotFound
}

func (r *Router) lookupQuestions(ctx context.Context, contentID int64) ([]content.Question, error) {
	questions, err := r.questions.GetQuestions(ctx, contentID)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("question lookup for content %d failed: %w", contentID, err)
	}
	if len(questions) == 0 {
		return nil, ErrNotFound
	}
	return questions, nil
}

// match carries the question's language tag through as-is; "auto" is
// resolved by the consumer at generation time, not at decode time.
func (r *Router) match(contentID int64, q content.Question) *Match {
	lang := q.Lang
	if lang == "" {
		lang = "auto"
	}
	return &Match{ContentID: contentID, Question: q.Text, Lang: lang}
}
