// Package config loads runtime settings from the environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	HTTPPort        string
	JWTSecret       string
	RedisAddr       string
	RedisPrefix     string
	TemplatesFile   string
	TraceOutput     string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads .env if present and then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:        getenv("HTTP_PORT", "8080"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPrefix:     getenv("REDIS_PREFIX", "goapprove"),
		TemplatesFile:   getenv("TEMPLATES_FILE", "templates.yaml"),
		TraceOutput:     os.Getenv("TRACE_OUTPUT"),
		MaxOpenConns:    20,
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "DB_MAX_OPEN_CONNS")
		}
		cfg.MaxOpenConns = n
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errors.Wrap(err, "REQUEST_TIMEOUT")
		}
		cfg.RequestTimeout = d
	}
	url, err := databaseURL()
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseURL = url
	return cfg, nil
}

// databaseURL prefers DATABASE_URL and falls back to the DB_* variables.
// An empty result is not an error: commands that need the database check for it.
func databaseURL() (string, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" && dbPassword == "" && dbHost == "" && dbPort == "" && dbName == "" {
		return "", nil
	}
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return "", errors.New("incomplete DB_* env vars: DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME are all required")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
