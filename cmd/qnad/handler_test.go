package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/moelog/aiqna/internal/answer"
	"github.com/moelog/aiqna/internal/content"
	"github.com/moelog/aiqna/internal/provider"
	"github.com/moelog/aiqna/internal/ratelimit"
	"github.com/moelog/aiqna/internal/render"
	"github.com/moelog/aiqna/internal/router"
	"github.com/moelog/aiqna/internal/scheduler"
	"github.com/moelog/aiqna/internal/store"
)

type stubClient struct {
	calls atomic.Int64
	err   error
}

func (c *stubClient) Name() string { return "stub" }

func (c *stubClient) Complete(context.Context, provider.CompletionRequest) (string, error) {
	c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return "A generated answer.", nil
}

type testApp struct {
	engine *gin.Engine
	rt     *router.Router
	pages  *store.PageStore
	queue  *scheduler.MemoryQueue
	client *stubClient
}

func newTestApp(t *testing.T, hourlyCap int64) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &AppConfig{
		Model:      "m",
		Secrets:    []string{"handler-test-secret"},
		AdminToken: "tok",
	}

	eph := store.NewMemoryStore()
	pages := store.NewPageStore(t.TempDir(), time.Hour)
	contents := content.NewMemoryStore()
	contents.Put(&content.Item{
		ID: 42, Title: "Domains", Body: "Article body.", Published: true,
		Permalink: "https://moelog.com/domains/",
	}, []content.Question{
		{Text: "Why .io?", Lang: "en"},
		{Text: "What is DNS?", Lang: "en"},
	})

	client := &stubClient{}
	answers := answer.NewService(eph, client, nil, 0)

	rt, err := router.New(cfg.Secrets, "", contents)
	if err != nil {
		t.Fatal(err)
	}

	queue := scheduler.NewMemoryQueue()
	sched := scheduler.New(scheduler.Config{Model: "m"}, queue, eph, pages, contents,
		answers, render.NewHTMLRenderer())
	limiter := ratelimit.NewLimiter(eph, 0, hourlyCap)

	h := NewQnaHandler(cfg, rt, pages, eph, contents, answers,
		render.NewHTMLRenderer(), limiter, sched)

	engine := gin.New()
	h.RegisterRoutes(engine)
	return &testApp{engine: engine, rt: rt, pages: pages, queue: queue, client: client}
}

func (a *testApp) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "1.2.3.4:5678"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestAnswerPage_ColdThenWarm(t *testing.T) {
	app := newTestApp(t, 0)
	path := app.rt.BuildURL(42, "Why .io?")

	// Cold: generated on demand.
	w := app.get(t, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cold status = %d, body: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Cache"); got != "MISS" {
		t.Errorf("cold X-Cache = %q", got)
	}
	if !strings.Contains(w.Body.String(), "A generated answer.") {
		t.Error("answer missing from page")
	}

	// Warm: served from the durable cache, provider untouched.
	w = app.get(t, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("warm status = %d", w.Code)
	}
	if got := w.Header().Get("X-Cache"); got != "HIT" {
		t.Errorf("warm X-Cache = %q", got)
	}
	if n := app.client.calls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}

	// Conditional revalidation.
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on cached response")
	}
	w = app.get(t, path, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Errorf("revalidation status = %d, want 304", w.Code)
	}
}

func TestAnswerPage_LinkErrors(t *testing.T) {
	app := newTestApp(t, 0)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown slug", "/ai/zzz-abc-42/", http.StatusNotFound},
		{"unknown path", "/nothing/here/", http.StatusNotFound},
		{"bad legacy token", "/ai-answer/why-io-42/?k=bogus", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := app.get(t, tt.path, nil); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAnswerPage_PrefetchNeverGenerates(t *testing.T) {
	app := newTestApp(t, 0)
	path := app.rt.BuildURL(42, "Why .io?")

	w := app.get(t, path+"?pf=1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Error("prefetch response has a body")
	}
	if n := app.client.calls.Load(); n != 0 {
		t.Errorf("prefetch called the provider %d times", n)
	}
	if queued, _ := app.queue.IsScheduled(context.Background(), scheduler.JobNameGenerate, 42, "Why .io?"); queued {
		t.Error("prefetch queued a generation job")
	}

	// A cached page reports a cache hit but still sends no body.
	if err := app.pages.Save(42, "Why .io?", []byte("page")); err != nil {
		t.Fatal(err)
	}
	w = app.get(t, path+"?pf=1", nil)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("cached prefetch = %d with %d body bytes", w.Code, w.Body.Len())
	}
	if w.Header().Get("X-Cache") != "HIT" {
		t.Error("cached prefetch did not report a hit")
	}
}

func TestAnswerPage_RateLimited(t *testing.T) {
	app := newTestApp(t, 1)

	if w := app.get(t, app.rt.BuildURL(42, "Why .io?"), nil); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d", w.Code)
	}
	w := app.get(t, app.rt.BuildURL(42, "What is DNS?"), nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-cap status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header")
	}

	// Cached pages bypass the limiter.
	if w := app.get(t, app.rt.BuildURL(42, "Why .io?"), nil); w.Code != http.StatusOK {
		t.Errorf("cached page status = %d, want 200", w.Code)
	}
}

func TestAnswerPage_ProviderFailureServedUncached(t *testing.T) {
	app := newTestApp(t, 0)
	app.client.err = &provider.APIError{
		Provider: "stub", Category: provider.CategoryUnavailable, Status: 503, Detail: "secret detail",
	}
	path := app.rt.BuildURL(42, "Why .io?")

	w := app.get(t, path, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with inline message", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret detail") {
		t.Error("raw provider detail leaked into the page")
	}
	if app.pages.Exists(42, "Why .io?") {
		t.Error("error page was cached")
	}

	// Recovery: next request retries and caches.
	app.client.err = nil
	if w := app.get(t, path, nil); !strings.Contains(w.Body.String(), "A generated answer.") {
		t.Error("recovered answer not served")
	}
	if !app.pages.Exists(42, "Why .io?") {
		t.Error("recovered page not cached")
	}
}

func TestAdminAPI(t *testing.T) {
	app := newTestApp(t, 0)

	do := func(method, path, body, token string) *httptest.ResponseRecorder {
		var reader *strings.Reader
		if body == "" {
			reader = strings.NewReader("")
		} else {
			reader = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		w := httptest.NewRecorder()
		app.engine.ServeHTTP(w, req)
		return w
	}

	t.Run("requires token", func(t *testing.T) {
		if w := do(http.MethodPost, "/api/v1/content/42/generate", "", ""); w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("upsert and batch generate", func(t *testing.T) {
		body := `{"title":"New post","body":"text","published":true,"questions":["One?","Two?"]}`
		if w := do(http.MethodPut, "/api/v1/content/77", body, "tok"); w.Code != http.StatusOK {
			t.Fatalf("upsert status = %d, body: %s", w.Code, w.Body.String())
		}
		w := do(http.MethodPost, "/api/v1/content/77/generate", "", "tok")
		if w.Code != http.StatusOK {
			t.Fatalf("generate status = %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"scheduled":2`) {
			t.Errorf("generate body = %s", w.Body.String())
		}
	})

	t.Run("edit invalidates cached pages", func(t *testing.T) {
		if err := app.pages.Save(42, "Why .io?", []byte("stale")); err != nil {
			t.Fatal(err)
		}
		body := `{"title":"Domains v2","body":"updated","published":true,"questions":["Why .io?"]}`
		if w := do(http.MethodPut, "/api/v1/content/42", body, "tok"); w.Code != http.StatusOK {
			t.Fatalf("upsert status = %d", w.Code)
		}
		if app.pages.Exists(42, "Why .io?") {
			t.Error("stale page survived the content edit")
		}
	})

	t.Run("stats is public", func(t *testing.T) {
		w := app.get(t, "/api/v1/stats", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("stats status = %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "cache") {
			t.Errorf("stats body = %s", w.Body.String())
		}
	})
}
