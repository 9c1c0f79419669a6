package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/moelog/aiqna/internal/answer"
	"github.com/moelog/aiqna/internal/content"
	"github.com/moelog/aiqna/internal/provider"
	"github.com/moelog/aiqna/internal/ratelimit"
	"github.com/moelog/aiqna/internal/render"
	"github.com/moelog/aiqna/internal/router"
	"github.com/moelog/aiqna/internal/scheduler"
	"github.com/moelog/aiqna/internal/store"
	"github.com/moelog/aiqna/internal/version"
)

// QnaHandler serves the public answer pages and the admin API.
type QnaHandler struct {
	cfg      *AppConfig
	router   *router.Router
	pages    *store.PageStore
	eph      store.Ephemeral
	contents *content.MemoryStore
	answers  *answer.Service
	renderer render.Renderer
	limiter  *ratelimit.Limiter
	sched    *scheduler.Scheduler
}

func NewQnaHandler(cfg *AppConfig, rt *router.Router, pages *store.PageStore,
	eph store.Ephemeral, contents *content.MemoryStore, answers *answer.Service,
	renderer render.Renderer, limiter *ratelimit.Limiter, sched *scheduler.Scheduler) *QnaHandler {
	return &QnaHandler{
		cfg:      cfg,
		router:   rt,
		pages:    pages,
		eph:      eph,
		contents: contents,
		answers:  answers,
		renderer: renderer,
		limiter:  limiter,
		sched:    sched,
	}
}

// RegisterRoutes attaches all routes to the engine. Answer pages come in
// under three path shapes (the current scheme plus two legacy ones), and
// canonical URLs carry a trailing slash, so the URL codec owns public
// path matching via the fallback handler instead of gin's route tree.
func (h *QnaHandler) RegisterRoutes(engine *gin.Engine) {
	engine.NoRoute(h.HandleAnswerPage)

	api := engine.Group("/api/v1")
	api.GET("/stats", h.HandleStats)

	admin := api.Group("/", h.requireAdmin)
	{
		admin.PUT("/content/:id", h.HandleUpsertContent)
		admin.POST("/content/:id/publish", h.HandlePublish)
		admin.POST("/content/:id/generate", h.HandleBatchGenerate)
		admin.DELETE("/content/:id/pages", h.HandlePurgeContent)
		admin.DELETE("/pages", h.HandleClearPages)
	}
}

// requestIDMiddleware tags every request for log correlation.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func (h *QnaHandler) requireAdmin(c *gin.Context) {
	if h.cfg.AdminToken == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin API disabled: AIQNA_ADMIN_TOKEN not set"})
		return
	}
	if c.GetHeader("X-Admin-Token") != h.cfg.AdminToken {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "bad admin token"})
		return
	}
	c.Next()
}

// HandleAnswerPage serves one answer page: decode the link, serve from
// the durable cache when possible, otherwise generate on demand.
func (h *QnaHandler) HandleAnswerPage(c *gin.Context) {
	m, err := h.router.Decode(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrExpired):
			c.String(http.StatusGone, "This link has expired.")
		case errors.Is(err, router.ErrBadSignature):
			c.String(http.StatusForbidden, "This link is not valid.")
		case errors.Is(err, router.ErrNotFound):
			c.String(http.StatusNotFound, "Not found.")
		default:
			log.Printf("ERROR: link decode failed: %v", err)
			c.String(http.StatusInternalServerError, "Something went wrong.")
		}
		return
	}

	if router.IsPrefetch(c.Request) {
		h.handlePrefetch(c, m)
		return
	}

	if h.serveCached(c, m) {
		return
	}

	ip := ratelimit.ClientIP(c.Request)
	if !h.limiter.Allow(c.Request.Context(), ip, m.ContentID, m.Question) {
		c.Header("Retry-After", "60")
		c.String(http.StatusTooManyRequests, "Too many requests. Please try again shortly.")
		return
	}

	h.generateAndServe(c, m)
}

// handlePrefetch answers a link-hover probe. It is an empty 204 either
// way: a probe never triggers generation and never counts against the
// rate limit.
func (h *QnaHandler) handlePrefetch(c *gin.Context, m *router.Match) {
	if h.pages.Exists(m.ContentID, m.Question) {
		c.Header("X-Cache", "HIT")
	}
	c.Status(http.StatusNoContent)
}

// serveCached serves the durable page if one is live, honoring
// conditional request headers. It reports whether it handled the
// request.
func (h *QnaHandler) serveCached(c *gin.Context, m *router.Match) bool {
	modTime, size, ok := h.pages.Stat(m.ContentID, m.Question)
	if !ok {
		return false
	}

	etag := fmt.Sprintf(`"%x-%x"`, modTime.Unix(), size)
	c.Header("ETag", etag)
	c.Header("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	c.Header("X-Cache", "HIT")

	if c.GetHeader("If-None-Match") == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	if ims := c.GetHeader("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !modTime.Truncate(time.Second).After(t) {
			c.Status(http.StatusNotModified)
			return true
		}
	}

	body, ok := h.pages.Load(m.ContentID, m.Question)
	if !ok {
		// Expired between Stat and Load.
		return false
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", body)
	return true
}

// generateAndServe produces the page on demand. A provider failure still
// yields a readable page carrying the localized error text; that page is
// never cached, so the next visit retries.
func (h *QnaHandler) generateAndServe(c *gin.Context, m *router.Match) {
	ctx := c.Request.Context()

	item, err := h.contents.GetContent(ctx, m.ContentID)
	if err != nil || !item.Published {
		c.String(http.StatusNotFound, "Not found.")
		return
	}

	lang := m.Lang
	if lang == "auto" {
		lang = content.DetectLanguage(m.Question)
	}

	page := render.Page{
		Title:     item.Title,
		Question:  m.Question,
		Lang:      lang,
		Permalink: item.Permalink,
	}

	text, genErr := h.answers.Generate(ctx, answer.Params{
		ContentID:   m.ContentID,
		Question:    m.Question,
		Lang:        lang,
		Context:     content.Truncate(item.Body, 6000),
		Permalink:   item.Permalink,
		Model:       h.cfg.Model,
		Temperature: h.cfg.Tuning.Temperature,
	})

	cacheable := genErr == nil
	if genErr != nil {
		var apiErr *provider.APIError
		if !errors.As(genErr, &apiErr) {
			log.Printf("ERROR: generation for content %d failed: %v", m.ContentID, genErr)
			c.String(http.StatusInternalServerError, "Something went wrong.")
			return
		}
		log.Printf("ERROR: provider failure for content %d: %v", m.ContentID, apiErr)
		page.Answer = apiErr.UserMessage(lang)
	} else {
		page.Answer = text
	}

	body, err := h.renderer.Render(ctx, page)
	if err != nil {
		log.Printf("ERROR: render for content %d failed: %v", m.ContentID, err)
		c.String(http.StatusInternalServerError, "Something went wrong.")
		return
	}

	if cacheable {
		if err := h.pages.Save(m.ContentID, m.Question, body); err != nil {
			// Serve the page anyway; only durability is lost.
			log.Printf("WARN: page save for content %d failed: %v", m.ContentID, err)
		}
	}

	c.Header("X-Cache", "MISS")
	c.Data(http.StatusOK, "text/html; charset=utf-8", body)
}

// HandleStats reports cache health for monitoring.
func (h *QnaHandler) HandleStats(c *gin.Context) {
	counters, _ := h.eph.(store.CounterSource)
	c.JSON(http.StatusOK, gin.H{
		"build": version.Get(),
		"cache": h.pages.Stats(counters),
	})
}

type upsertContentRequest struct {
	Title     string   `json:"title" binding:"required"`
	Body      string   `json:"body"`
	Permalink string   `json:"permalink"`
	Published bool     `json:"published"`
	Questions []string `json:"questions"`
	Langs     []string `json:"langs"`
}

// HandleUpsertContent feeds one content item and its questions into the
// store, mirroring what a CMS plugin would push on save.
func (h *QnaHandler) HandleUpsertContent(c *gin.Context) {
	id, ok := contentIDParam(c)
	if !ok {
		return
	}
	var req upsertContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	questions := make([]content.Question, 0, len(req.Questions))
	for i, q := range content.ParseQuestions(strings.Join(req.Questions, "\n")) {
		lang := "auto"
		if i < len(req.Langs) && req.Langs[i] != "" {
			lang = req.Langs[i]
		}
		questions = append(questions, content.Question{Text: q, Lang: lang})
	}

	h.contents.Put(&content.Item{
		ID:         id,
		Title:      req.Title,
		Body:       req.Body,
		Permalink:  req.Permalink,
		ModifiedAt: time.Now(),
		Published:  req.Published,
	}, questions)

	// Edited content invalidates its cached pages; keys are derivable
	// from (id, question), so this is a direct delete, not a scan.
	purged, err := h.pages.DeleteAll(id)
	if err != nil {
		log.Printf("WARN: page purge on content %d update failed: %v", id, err)
	}

	c.JSON(http.StatusOK, gin.H{"content_id": id, "questions": len(questions), "purged": purged})
}

// HandlePublish reacts to a publish event: the first one schedules
// background generation for every question.
func (h *QnaHandler) HandlePublish(c *gin.Context) {
	id, ok := contentIDParam(c)
	if !ok {
		return
	}
	scheduled, err := h.sched.OnPublish(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": scheduled})
}

// HandleBatchGenerate queues generation for every uncached question of
// one item.
func (h *QnaHandler) HandleBatchGenerate(c *gin.Context) {
	id, ok := contentIDParam(c)
	if !ok {
		return
	}
	scheduled, skipped, err := h.sched.BatchGenerate(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown content id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": scheduled, "skipped": skipped})
}

// HandlePurgeContent drops every cached page of one item.
func (h *QnaHandler) HandlePurgeContent(c *gin.Context) {
	id, ok := contentIDParam(c)
	if !ok {
		return
	}
	removed, err := h.pages.DeleteAll(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// HandleClearPages clears the page cache: everything, or only expired
// entries with ?expired=1. Pending jobs are cancelled on a full clear.
func (h *QnaHandler) HandleClearPages(c *gin.Context) {
	if c.Query("expired") == "1" {
		removed, err := h.pages.ClearExpired()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
		return
	}

	removed, err := h.pages.ClearAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cancelled, err := h.sched.CancelAll(c.Request.Context())
	if err != nil {
		log.Printf("WARN: job cancellation during cache clear failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed, "jobs_cancelled": cancelled})
}

func contentIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid content id"})
		return 0, false
	}
	return id, true
}
