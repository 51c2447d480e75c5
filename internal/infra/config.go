package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	// Evolution defaults.
	TotalIterations int
	EvolutionMode   string
	AspectRatio     string
	StepDelay       time.Duration
	StaleRunAfter   time.Duration

	// Provider selection and credentials.
	ImageProvider    string
	PromptProvider   string
	FixedInstruction string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	DashScopeAPIKey  string
	DashScopeModel   string
	DashScopeBaseURL string

	// Worker tuning.
	WorkerConcurrency int
	JobPollInterval   time.Duration
	JobLeaseDuration  time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// API surface tuning.
	AllowedOrigins      []string
	RunCreatesPerMinute int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		TotalIterations: getEnvInt("EVOLUTION_ITERATIONS", 60),
		EvolutionMode:   getEnv("EVOLUTION_MODE", "guided"),
		AspectRatio:     getEnv("EVOLUTION_ASPECT_RATIO", "1:1"),
		StepDelay:       time.Second * time.Duration(getEnvInt("EVOLUTION_STEP_DELAY_SECONDS", 1)),
		StaleRunAfter:   time.Minute * time.Duration(getEnvInt("STALE_RUN_AFTER_MINUTES", 15)),

		ImageProvider:    getEnv("IMAGE_PROVIDER", "gemini"),
		PromptProvider:   getEnv("PROMPT_PROVIDER", "gemini"),
		FixedInstruction: getEnv("FIXED_INSTRUCTION", defaultFixedInstruction),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeModel:   getEnv("DASHSCOPE_MODEL", "qwen-image-edit"),
		DashScopeBaseURL: getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 2),
		JobPollInterval:   time.Second * time.Duration(getEnvInt("JOB_POLL_INTERVAL_SECONDS", 2)),
		JobLeaseDuration:  time.Minute * time.Duration(getEnvInt("JOB_LEASE_MINUTES", 30)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),

		AllowedOrigins:      splitEnvList("CORS_ALLOWED_ORIGINS"),
		RunCreatesPerMinute: getEnvInt("RUN_CREATES_PER_MINUTE", 6),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.TotalIterations < 1 {
		return nil, fmt.Errorf("EVOLUTION_ITERATIONS must be at least 1")
	}

	switch cfg.EvolutionMode {
	case "guided", "fixed":
	default:
		return nil, fmt.Errorf("EVOLUTION_MODE must be guided or fixed, got %q", cfg.EvolutionMode)
	}

	return cfg, nil
}

// defaultFixedInstruction is the constant img2img instruction reissued every
// iteration in fixed mode, so only the image output drifts across the chain.
const defaultFixedInstruction = "Recreate this exact image as faithfully as you can."

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
