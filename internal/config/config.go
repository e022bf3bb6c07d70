package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	Env         string
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
	CORSOrigin  string
	// Redis carries the live channels. Empty keeps them in process, which
	// only works with a single API instance.
	RedisURL    string
	PresenceTTL time.Duration
	// Collaboration timing
	SaveDebounce      time.Duration
	SavedCooldown     time.Duration
	BroadcastDebounce time.Duration
	CursorDebounce    time.Duration
	PresenceForViewer bool
	// MinIO archive of deleted documents, disabled when Endpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// SMTP for invitation emails, disabled when SMTPHost is empty
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	AppURL       string
}

// Load reads the environment, after applying a .env file from the working
// directory when there is one. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return fromEnv(), nil
}

func fromEnv() Config {
	return Config{
		Addr:              getenv("API_ADDR", ":8787"),
		Env:               getenv("COEDIT_ENV", "production"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		JWTSecret:         getenv("COEDIT_JWT_SECRET", "coedit-dev-secret"),
		TokenTTL:          time.Duration(getenvInt("COEDIT_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		CORSOrigin:        getenv("COEDIT_CORS_ORIGIN", "*"),
		RedisURL:          getenv("REDIS_URL", ""),
		PresenceTTL:       time.Duration(getenvInt("COEDIT_PRESENCE_TTL_SECONDS", 30)) * time.Second,
		SaveDebounce:      time.Duration(getenvInt("COEDIT_SAVE_DEBOUNCE_MS", 3000)) * time.Millisecond,
		SavedCooldown:     time.Duration(getenvInt("COEDIT_SAVED_COOLDOWN_MS", 3000)) * time.Millisecond,
		BroadcastDebounce: time.Duration(getenvInt("COEDIT_BROADCAST_DEBOUNCE_MS", 400)) * time.Millisecond,
		CursorDebounce:    time.Duration(getenvInt("COEDIT_CURSOR_DEBOUNCE_MS", 300)) * time.Millisecond,
		PresenceForViewer: getenvBool("COEDIT_PRESENCE_FOR_VIEWERS", false),
		MinioEndpoint:     getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey:    getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey:    getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:       getenv("MINIO_BUCKET", "coedit-archive"),
		MinioUseSSL:       getenvBool("MINIO_USE_SSL", false),
		SMTPHost:          getenv("SMTP_HOST", ""),
		SMTPPort:          getenv("SMTP_PORT", "587"),
		SMTPUsername:      getenv("SMTP_USERNAME", ""),
		SMTPPassword:      getenv("SMTP_PASSWORD", ""),
		SMTPFrom:          getenv("SMTP_FROM", ""),
		AppURL:            getenv("COEDIT_APP_URL", "http://localhost:3000"),
	}
}

func (c Config) Development() bool {
	return c.Env == "development"
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
