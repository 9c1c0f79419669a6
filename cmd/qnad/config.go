package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/moelog/aiqna/internal/slug"
)

// AppConfig holds everything the daemon needs, loaded from the
// environment and config.yaml.
type AppConfig struct {
	ListenAddr string
	RedisAddr  string
	CacheDir   string

	Provider string
	Model    string
	APIKey   string

	// Secrets[0] signs new links; the rest are previous secrets still
	// accepted when decoding.
	Secrets []string

	AdminToken string

	Tuning TuningConfig
}

// TuningConfig is the operator-editable part, read from config.yaml.
type TuningConfig struct {
	BasePath        string   `yaml:"base_path"`
	PageTTLHours    int      `yaml:"page_ttl_hours"`
	AnswerTTLHours  int      `yaml:"answer_ttl_hours"`
	Temperature     *float32 `yaml:"temperature"`
	CitationHeading string   `yaml:"citation_heading"`
	DeniedDomains   []string `yaml:"denied_domains"`

	Scheduler struct {
		FirstDelaySeconds   int `yaml:"first_delay_seconds"`
		StaggerSeconds      int `yaml:"stagger_seconds"`
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"scheduler"`

	RateLimit struct {
		CooldownSeconds int   `yaml:"cooldown_seconds"`
		HourlyCap       int64 `yaml:"hourly_cap"`
	} `yaml:"rate_limit"`
}

func (t TuningConfig) PageTTL() time.Duration {
	if t.PageTTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(t.PageTTLHours) * time.Hour
}

func (t TuningConfig) AnswerTTL() time.Duration {
	if t.AnswerTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(t.AnswerTTLHours) * time.Hour
}

// LoadConfig loads configuration from a .env file, environment
// variables, and config.yaml. In containers (GIN_MODE=release) the .env
// file is skipped; the environment is provided by the orchestrator.
func LoadConfig() (*AppConfig, error) {
	if os.Getenv("GIN_MODE") != "release" {
		if err := godotenv.Load(); err != nil {
			log.Println("WARNING: No .env file found for local development.")
		}
	}

	cfg := &AppConfig{
		ListenAddr: ":" + envOr("PORT", "8087"),
		RedisAddr:  envOr("REDIS_ADDR", "localhost:6379"),
		CacheDir:   envOr("AIQNA_CACHE_DIR", "./cache"),
		Provider:   envOr("AIQNA_PROVIDER", "openai"),
		Model:      os.Getenv("AIQNA_MODEL"),
		AdminToken: os.Getenv("AIQNA_ADMIN_TOKEN"),
	}

	switch cfg.Provider {
	case "openai":
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
	case "anthropic":
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		if cfg.Model == "" {
			cfg.Model = "claude-3-5-haiku-latest"
		}
	case "gemini":
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
		if cfg.Model == "" {
			cfg.Model = "gemini-2.0-flash"
		}
	default:
		return nil, fmt.Errorf("unknown provider %q (want openai, anthropic, or gemini)", cfg.Provider)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.Provider)
	}

	secret := os.Getenv("AIQNA_SECRET")
	if secret == "" {
		generated, err := slug.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate a link secret: %w", err)
		}
		secret = generated
		log.Println("WARNING: AIQNA_SECRET not set; generated an ephemeral secret. Links will break on restart.")
	}
	cfg.Secrets = []string{secret}
	if prev := os.Getenv("AIQNA_PREVIOUS_SECRET"); prev != "" {
		cfg.Secrets = append(cfg.Secrets, prev)
	}

	if raw, err := os.ReadFile(envOr("AIQNA_CONFIG", "config.yaml")); err == nil {
		if err := yaml.Unmarshal(raw, &cfg.Tuning); err != nil {
			return nil, fmt.Errorf("failed to parse config.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if v := os.Getenv("AIQNA_PAGE_TTL_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AIQNA_PAGE_TTL_HOURS: %w", err)
		}
		cfg.Tuning.PageTTLHours = hours
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
