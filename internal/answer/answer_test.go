package answer

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/moelog/aiqna/internal/cachekey"
	"github.com/moelog/aiqna/internal/provider"
	"github.com/moelog/aiqna/internal/store"
)

// stubClient counts calls and returns a fixed answer or error.
type stubClient struct {
	calls   atomic.Int64
	answer  string
	err     error
	started chan struct{}
	release chan struct{}
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Complete(ctx context.Context, req provider.CompletionRequest) (string, error) {
	n := c.calls.Add(1)
	if c.started != nil && n == 1 {
		close(c.started)
	}
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return "", c.err
	}
	return c.answer, nil
}

func testParams() Params {
	return Params{ContentID: 42, Question: "Why .io?", Lang: "en", Model: "m"}
}

func TestGenerate_CachesSuccess(t *testing.T) {
	client := &stubClient{answer: "Because domains."}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	for i := 0; i < 3; i++ {
		got, err := svc.Generate(context.Background(), testParams())
		if err != nil {
			t.Fatalf("Generate #%d: %v", i, err)
		}
		if got != "Because domains." {
			t.Errorf("Generate #%d = %q", i, got)
		}
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestGenerate_NeverCachesErrors(t *testing.T) {
	client := &stubClient{err: &provider.APIError{Provider: "stub", Category: provider.CategoryUnavailable}}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	for i := 0; i < 2; i++ {
		if _, err := svc.Generate(context.Background(), testParams()); err == nil {
			t.Fatalf("Generate #%d: expected error", i)
		}
	}
	if n := client.calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2 (errors must not be cached)", n)
	}

	// A later success is cached normally.
	client.err = nil
	client.answer = "recovered"
	if got, err := svc.Generate(context.Background(), testParams()); err != nil || got != "recovered" {
		t.Fatalf("Generate after recovery = %q, %v", got, err)
	}
	if _, err := svc.Generate(context.Background(), testParams()); err != nil {
		t.Fatal(err)
	}
	if n := client.calls.Load(); n != 3 {
		t.Errorf("provider calls = %d, want 3", n)
	}
}

func TestGenerate_SanitizesCitations(t *testing.T) {
	client := &stubClient{answer: "Body.\n\n參考資料\n- [Short](https://bit.ly/x)\n- [OK](https://ok.example/y)"}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	got, err := svc.Generate(context.Background(), testParams())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "bit.ly") {
		t.Error("denied citation survived")
	}
	if !strings.Contains(got, "ok.example/y") {
		t.Error("allowed citation dropped")
	}
}

func TestGenerate_ConcurrentRequestsShareOneFlight(t *testing.T) {
	client := &stubClient{
		answer:  "shared",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Generate(context.Background(), testParams())
		}(i)
	}

	<-client.started
	close(client.release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] != "shared" {
			t.Errorf("worker %d = %q", i, results[i])
		}
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
}

func TestGenerate_DistinctParamsDoNotCollide(t *testing.T) {
	client := &stubClient{answer: "a"}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	base := testParams()
	variants := []Params{base}
	{
		p := base
		p.Question = "Why .dev?"
		variants = append(variants, p)
	}
	{
		p := base
		p.Lang = "ja"
		variants = append(variants, p)
	}
	{
		p := base
		p.Model = "m2"
		variants = append(variants, p)
	}
	{
		p := base
		p.Context = "different article text"
		variants = append(variants, p)
	}

	for _, p := range variants {
		if _, err := svc.Generate(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	if n := client.calls.Load(); n != int64(len(variants)) {
		t.Errorf("provider calls = %d, want %d (param variants must not share keys)", n, len(variants))
	}
}

func TestGenerate_StoresUnderAnswerKey(t *testing.T) {
	client := &stubClient{answer: "keyed"}
	eph := store.NewMemoryStore()
	svc := NewService(eph, client, nil, 0)

	p := testParams()
	p.Context = "Article body."
	if _, err := svc.Generate(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	// The raw context goes straight into AnswerKey, which digests it
	// exactly once.
	key := cachekey.AnswerKey(p.ContentID, p.Question, p.Model, p.Context, p.Lang)
	got, ok, err := eph.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("Get(%q) = ok=%v, err=%v", key, ok, err)
	}
	if got != "keyed" {
		t.Errorf("cached value = %q", got)
	}
}

func TestInvalidate(t *testing.T) {
	client := &stubClient{answer: "v1"}
	svc := NewService(store.NewMemoryStore(), client, nil, 0)

	if _, err := svc.Generate(context.Background(), testParams()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Invalidate(context.Background(), testParams()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Generate(context.Background(), testParams()); err != nil {
		t.Fatal(err)
	}
	if n := client.calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2 after invalidation", n)
	}
}
