// Package slug derives short, deterministic public identifiers for
// (content item, question) pairs. A slug is never stored: for a fixed
// secret it can always be re-derived from the question text, so decoding
// works by re-deriving candidates rather than by lookup table.
package slug

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// AbbrevLen is the length of the heuristic abbreviation segment.
const AbbrevLen = 3

// SaltLen is the length of the keyed-hash segment.
const SaltLen = 3

var (
	acronymRe = regexp.MustCompile(`\b[A-Z]{2,}\b`)
	wordRe    = regexp.MustCompile(`\b[A-Za-z]+\b`)
)

// Codec derives slugs bound to a process-wide secret. The secret is
// injected once at construction and immutable afterwards; rotating it
// invalidates every previously issued slug, which is acceptable because
// slugs are regenerated on demand.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec for the given secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Slug builds the public identifier for a question on a content item.
// Format: {abbrev}-{salt}-{contentID}, e.g. "wio-a3f-42".
func (c *Codec) Slug(question string, contentID int64) string {
	abbr := Abbrev(question, AbbrevLen)
	salt := c.Salt(question)
	return fmt.Sprintf("%s-%s-%d", abbr, salt, contentID)
}

// Salt returns the truncated keyed hash segment for a question.
func (c *Codec) Salt(question string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(question))
	return hex.EncodeToString(mac.Sum(nil))[:SaltLen]
}

// Secret exposes the raw secret for components that derive their own
// keyed hashes from it (legacy URL grammars).
func (c *Codec) Secret() []byte {
	return c.secret
}

// Abbrev extracts up to maxLen meaningful characters from a question.
//
// Strategy, in order:
//  1. consecutive uppercase acronyms (API, URL, HTTP), lowercased;
//  2. initials of alphabetic words of two or more letters;
//  3. fallback: "q" plus a truncated content hash.
//
// The abbreviation is cosmetic only; collision resistance comes from the
// salt segment.
func Abbrev(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "q"
	}

	if matches := acronymRe.FindAllString(text, -1); len(matches) > 0 {
		abbr := strings.ToLower(strings.Join(matches, ""))
		if len(abbr) >= 2 {
			return truncate(abbr, maxLen)
		}
	}

	if words := wordRe.FindAllString(text, -1); len(words) > 0 {
		var initials strings.Builder
		for _, w := range words {
			if len(w) >= 2 {
				initials.WriteByte(byte(strings.ToLower(w)[0]))
			}
		}
		if initials.Len() >= 2 {
			return truncate(initials.String(), maxLen)
		}
	}

	sum := md5.Sum([]byte(text))
	return "q" + hex.EncodeToString(sum[:])[:maxLen-1]
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// GenerateSecret produces a fresh random secret, hex encoded. Hosts call
// this once when no secret is configured and persist the result.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate slug secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
