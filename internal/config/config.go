package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the range services.
type Config struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	JWTSecret      string
	AccessTokenTTL time.Duration

	DockerHost     string
	ServerHost     string
	ServerScheme   string
	ChallengeNet   string
	ContainerMemMB int
	ContainerNano  int64

	PortRangeMin int
	PortRangeMax int
	PortAttempts int

	HealthMaxAttempts  int
	HealthPollInterval time.Duration
	StopTimeout        time.Duration

	InstanceTTL    time.Duration
	ReaperInterval time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://range:range@db:5432/range?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		JWTSecret:      GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL: time.Duration(GetInt("ACCESS_TOKEN_TTL_HOURS", 168)) * time.Hour,

		DockerHost:     GetString("DOCKER_HOST", ""),
		ServerHost:     GetString("SERVER_HOST", "localhost"),
		ServerScheme:   GetString("SERVER_SCHEME", "http"),
		ChallengeNet:   GetString("CHALLENGE_NETWORK", "ctf-challenges"),
		ContainerMemMB: GetInt("CONTAINER_MEMORY_MB", 512),
		ContainerNano:  int64(GetInt("CONTAINER_NANO_CPUS", 256000000)),

		PortRangeMin: GetInt("PORT_RANGE_MIN", 3001),
		PortRangeMax: GetInt("PORT_RANGE_MAX", 4000),
		PortAttempts: GetInt("PORT_ATTEMPTS", 100),

		HealthMaxAttempts:  GetInt("HEALTH_MAX_ATTEMPTS", 30),
		HealthPollInterval: time.Duration(GetInt("HEALTH_POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		StopTimeout:        time.Duration(GetInt("CONTAINER_STOP_TIMEOUT_SECONDS", 10)) * time.Second,

		InstanceTTL:    time.Duration(GetInt("INSTANCE_TTL_MINUTES", 60)) * time.Minute,
		ReaperInterval: time.Duration(GetInt("REAPER_INTERVAL_SECONDS", 300)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
