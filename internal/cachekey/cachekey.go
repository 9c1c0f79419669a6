// Package cachekey derives every cache key used by the answer engine.
// All keys are pure functions of their inputs: nothing here is persisted,
// so invalidation is always a direct key computation, never a query.
package cachekey

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Prefix namespaces every ephemeral-tier key owned by this module.
const Prefix = "aiqna"

// QuestionHashLen is the truncation length, in hex characters, of the
// durable-tier question hash. 16 hex chars = 64 bits; collisions are
// cryptographically negligible at the per-item question cap.
const QuestionHashLen = 16

// QuestionHash returns the truncated digest that keys the durable page
// store. Identical (contentID, question) inputs always produce the
// identical hash.
func QuestionHash(contentID int64, question string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%s", contentID, question))
	return hex.EncodeToString(sum[:])[:QuestionHashLen]
}

// AnswerKey keys the ephemeral tier for raw provider answers. The model
// and a digest of the context text are part of the key so that changing
// either invalidates without a sweep.
func AnswerKey(contentID int64, question, model, context, lang string) string {
	ctxSum := sha256.Sum256([]byte(context))
	ctxDigest := hex.EncodeToString(ctxSum[:])[:32]

	keyData := strings.Join([]string{
		fmt.Sprintf("%d", contentID),
		question,
		model,
		ctxDigest,
		lang,
	}, "|")
	sum := sha256.Sum256([]byte(keyData))
	return Prefix + ":answer:" + hex.EncodeToString(sum[:])
}

// RetryKey keys the scheduler's per-question retry counter.
func RetryKey(contentID int64, question string) string {
	return Prefix + ":retry:" + compact(fmt.Sprintf("%d|%s", contentID, question))
}

// LockKey keys the scheduler's short-lived enqueue dedup lock.
func LockKey(contentID int64, question string) string {
	return Prefix + ":pregen_lock:" + compact(fmt.Sprintf("%d|%s", contentID, question))
}

// FreqKey keys the per-(ip, content, question) cooldown marker.
func FreqKey(ip string, contentID int64, question string) string {
	return Prefix + ":freq:" + compact(fmt.Sprintf("%s|%d|%s", ip, contentID, question))
}

// IPKey keys the per-ip hourly request counter.
func IPKey(ip string) string {
	return Prefix + ":ip:" + compact(ip)
}

// PublishedKey keys the once-only publish marker for a content item.
func PublishedKey(contentID int64) string {
	return fmt.Sprintf("%s:published:%d", Prefix, contentID)
}

// compact collapses arbitrary-length key material into a fixed-width
// suffix so user-authored question text never appears verbatim in store
// keys.
func compact(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
