package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/CaoMeiYouRen/momei-speech/adapters/volcengine"
)

const (
	defaultPort          = "8080"
	defaultProvider      = "volcengine"
	defaultTaskTTL       = 10 * time.Minute
	defaultCleanupPeriod = 5 * time.Minute
	defaultMetricsPrefix = "momei"
	defaultMongoDatabase = "momei_speech"
)

// SpeechConfig selects a provider and carries its settings. It is
// comparable, so a resolved value can key the provider registry.
type SpeechConfig struct {
	Provider   string
	Volcengine volcengine.Config
}

// Resolved returns a copy with provider defaults applied
func (c SpeechConfig) Resolved() SpeechConfig {
	if c.Provider == "" {
		c.Provider = defaultProvider
	}
	c.Volcengine = c.Volcengine.Resolved()
	return c
}

// AppConfig holds the server settings
type AppConfig struct {
	Port          string
	JWTSecret     string
	MongoURI      string
	MongoDatabase string
	MetricsPrefix string

	// Default daily limits for users without a stored quota; zero is unlimited
	DailyTTSChars   int
	DailyASRSeconds float64

	// Running tasks older than TaskTTL are expired every CleanupPeriod
	TaskTTL       time.Duration
	CleanupPeriod time.Duration

	Speech SpeechConfig
}

// Load reads .env when present and then the process environment
func Load() AppConfig {
	// A missing .env file is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg := AppConfig{
		Port:          getEnv("PORT", defaultPort),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		MongoURI:      os.Getenv("MONGODB_URI"),
		MongoDatabase: getEnv("MONGODB_DATABASE", defaultMongoDatabase),
		MetricsPrefix: getEnv("METRICS_NAMESPACE", defaultMetricsPrefix),
		TaskTTL:       getDuration("TASK_TTL", defaultTaskTTL),
		CleanupPeriod: getDuration("CLEANUP_INTERVAL", defaultCleanupPeriod),
		Speech: SpeechConfig{
			Provider:   getEnv("SPEECH_PROVIDER", defaultProvider),
			Volcengine: volcengine.NewConfigFromEnv(),
		},
	}

	if v, err := strconv.Atoi(os.Getenv("DAILY_TTS_CHARS")); err == nil && v > 0 {
		cfg.DailyTTSChars = v
	}
	if v, err := strconv.ParseFloat(os.Getenv("DAILY_ASR_SECONDS"), 64); err == nil && v > 0 {
		cfg.DailyASRSeconds = v
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return fallback
}
