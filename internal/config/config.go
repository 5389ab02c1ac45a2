package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the analysis service.
type Config struct {
	ServerPort string

	ProfileURL  string
	ClassifyURL string

	RedisAddr   string
	DatabaseDSN string

	JWTSecret   string
	JWTAudience string

	// CameraSource is the path the file-backed camera device reads frames
	// from. Empty means no camera is attached and only the gallery path is
	// available.
	CameraSource string

	ClassifyTimeout time.Duration
	SessionTTL      time.Duration
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		ProfileURL:      getEnv("PROFILE_URL", "https://us-central1-frontend-simplified.cloudfunctions.net/skinstricPhaseOne"),
		ClassifyURL:     getEnv("CLASSIFY_URL", "https://us-central1-frontend-simplified.cloudfunctions.net/skinstricPhaseTwo"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceinsight port=5432 sslmode=disable"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		CameraSource:    os.Getenv("CAMERA_SOURCE"),
		ClassifyTimeout: getDuration("CLASSIFY_TIMEOUT_SECONDS", 30*time.Second),
		SessionTTL:      getDuration("SESSION_TTL_SECONDS", time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
