package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

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

// main is the composition root: it loads configuration, wires all
// services together, and runs the HTTP server and the job runner.
func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	build := version.Get()
	log.Printf("🚀 Starting aiqna | Version: %s | Commit: %s", build.Version, build.GitCommit)

	// 1. LOAD CONFIGURATION
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("❌ FATAL: Configuration Error: %v", err)
	}
	log.Println("✅ Configuration loaded.")

	// 2. INITIALIZE SERVICES
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		log.Fatalf("❌ FATAL: Could not connect to Redis: %v", err)
	}

	eph := store.NewRedisStore(rdb)
	pages := store.NewPageStore(cfg.CacheDir, cfg.Tuning.PageTTL())

	client, err := initializeProviderClient(cfg)
	if err != nil {
		log.Fatalf("❌ FATAL: %v", err)
	}
	log.Printf("✅ Provider client ready: %s (%s)", client.Name(), cfg.Model)

	sanitizer := provider.NewSanitizer(cfg.Tuning.CitationHeading, cfg.Tuning.DeniedDomains)
	answers := answer.NewService(eph, client, sanitizer, cfg.Tuning.AnswerTTL())

	contents := loadContentStore()

	rt, err := router.New(cfg.Secrets, cfg.Tuning.BasePath, contents)
	if err != nil {
		log.Fatalf("❌ FATAL: Could not build the URL router: %v", err)
	}

	limiter := ratelimit.NewLimiter(eph,
		time.Duration(cfg.Tuning.RateLimit.CooldownSeconds)*time.Second,
		cfg.Tuning.RateLimit.HourlyCap)

	renderer := render.NewHTMLRenderer()

	queue := scheduler.NewRedisQueue(rdb)
	sched := scheduler.New(scheduler.Config{
		Model:       cfg.Model,
		Temperature: cfg.Tuning.Temperature,
		FirstDelay:  time.Duration(cfg.Tuning.Scheduler.FirstDelaySeconds) * time.Second,
		Stagger:     time.Duration(cfg.Tuning.Scheduler.StaggerSeconds) * time.Second,
	}, queue, eph, pages, contents, answers, renderer)

	handler := NewQnaHandler(cfg, rt, pages, eph, contents, answers, renderer, limiter, sched)
	log.Println("✅ All services initialized.")

	// 3. START BACKGROUND PROCESSES
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runner := scheduler.NewRunner(queue, sched,
		time.Duration(cfg.Tuning.Scheduler.PollIntervalSeconds)*time.Second)
	go runner.Start(runnerCtx)
	log.Println("⏱️ Job runner started.")

	// 4. SETUP AND RUN THE WEB SERVER
	gin.SetMode(os.Getenv("GIN_MODE"))
	engine := gin.Default()
	engine.Use(requestIDMiddleware())
	handler.RegisterRoutes(engine)

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: engine}
	runServerWithGracefulShutdown(srv, stopRunner)
}

// initializeProviderClient creates the configured provider client.
func initializeProviderClient(cfg *AppConfig) (provider.Client, error) {
	switch cfg.Provider {
	case "openai":
		return provider.NewOpenAIClient(cfg.APIKey)
	case "anthropic":
		return provider.NewAnthropicClient(cfg.APIKey)
	case "gemini":
		return provider.NewGeminiClient(context.Background(), cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// loadContentStore builds the content source. The daemon ships with the
// in-memory store fed over the admin API; a CMS-backed implementation
// plugs in behind the same interface.
func loadContentStore() *content.MemoryStore {
	return content.NewMemoryStore()
}

// runServerWithGracefulShutdown handles the server lifecycle.
func runServerWithGracefulShutdown(srv *http.Server, stopRunner context.CancelFunc) {
	go func() {
		log.Printf("👂 aiqna is listening on http://localhost%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Listen error: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")
	stopRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("❌ Server shutdown failed:", err)
	}

	log.Println("👋 Server exited gracefully.")
}
