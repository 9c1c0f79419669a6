package cachekey

import (
	"strings"
	"testing"
)

func TestQuestionHashDeterministic(t *testing.T) {
	a := QuestionHash(42, "Why .io?")
	b := QuestionHash(42, "Why .io?")
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
	if len(a) != QuestionHashLen {
		t.Fatalf("hash length = %d, want %d", len(a), QuestionHashLen)
	}
}

func TestQuestionHashDistinguishesInputs(t *testing.T) {
	base := QuestionHash(42, "Why .io?")
	if QuestionHash(43, "Why .io?") == base {
		t.Error("different content ids should hash differently")
	}
	if QuestionHash(42, "Why .com?") == base {
		t.Error("different questions should hash differently")
	}
	// The separator must prevent (id, question) ambiguity.
	if QuestionHash(4, "2|x") == QuestionHash(42, "x") {
		t.Error("id/question boundary is ambiguous")
	}
}

func TestAnswerKeyComponents(t *testing.T) {
	base := AnswerKey(42, "q", "gpt-4o-mini", "ctx", "auto")
	variants := []string{
		AnswerKey(43, "q", "gpt-4o-mini", "ctx", "auto"),
		AnswerKey(42, "q2", "gpt-4o-mini", "ctx", "auto"),
		AnswerKey(42, "q", "gemini-2.5-flash", "ctx", "auto"),
		AnswerKey(42, "q", "gpt-4o-mini", "other ctx", "auto"),
		AnswerKey(42, "q", "gpt-4o-mini", "ctx", "ja"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d should produce a different key", i)
		}
	}
	if base != AnswerKey(42, "q", "gpt-4o-mini", "ctx", "auto") {
		t.Error("answer key not deterministic")
	}
}

func TestKeysArePrefixed(t *testing.T) {
	keys := []string{
		AnswerKey(1, "q", "m", "", "auto"),
		RetryKey(1, "q"),
		LockKey(1, "q"),
		FreqKey("1.2.3.4", 1, "q"),
		IPKey("1.2.3.4"),
		PublishedKey(1),
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, Prefix+":") {
			t.Errorf("key %q missing %q prefix", k, Prefix)
		}
	}
}

func TestQuestionTextNotLeaked(t *testing.T) {
	secretish := "do not leak me"
	for _, k := range []string{
		RetryKey(7, secretish),
		LockKey(7, secretish),
		FreqKey("10.0.0.1", 7, secretish),
	} {
		if strings.Contains(k, secretish) {
			t.Errorf("key %q embeds raw question text", k)
		}
	}
}
