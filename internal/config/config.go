// Package config loads application configuration from the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
	DB struct {
		// Driver selects the storage backend: postgres for deployments,
		// sqlite for the embedded single-binary mode.
		Driver string `validate:"required,oneof=postgres sqlite"`
		DSN    string
		Path   string
	}
	Runner struct {
		Workers       int           `validate:"min=1"`
		QueueSize     int           `validate:"min=1"`
		PollInterval  time.Duration `validate:"min=1s"`
		MaxAttempts   int           `validate:"min=1"`
		SendTimeout   time.Duration `validate:"min=1s"`
		RenderTimeout time.Duration `validate:"min=1s"`
	}
	Renderer struct {
		URL string `validate:"required,url"`
	}
	SMTP struct {
		Host     string
		Port     int
		Username string
		Password string
		From     string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/deliveryd.log")

	c.DB.Driver = getenv("DB_DRIVER", "sqlite")
	c.DB.DSN = os.Getenv("DB_DSN")
	c.DB.Path = getenv("DB_PATH", "data/deliveryd.db")

	c.Runner.Workers = getenvInt("RUNNER_WORKERS", 4)
	c.Runner.QueueSize = getenvInt("RUNNER_QUEUE_SIZE", 64)
	c.Runner.PollInterval = getenvDuration("RUNNER_POLL_INTERVAL", time.Minute)
	c.Runner.MaxAttempts = getenvInt("RUNNER_MAX_ATTEMPTS", 3)
	c.Runner.SendTimeout = getenvDuration("RUNNER_SEND_TIMEOUT", 30*time.Second)
	c.Runner.RenderTimeout = getenvDuration("RUNNER_RENDER_TIMEOUT", 2*time.Minute)

	c.Renderer.URL = os.Getenv("RENDERER_URL")

	c.SMTP.Host = os.Getenv("SMTP_HOST")
	c.SMTP.Port = getenvInt("SMTP_PORT", 587)
	c.SMTP.Username = os.Getenv("SMTP_USERNAME")
	c.SMTP.Password = os.Getenv("SMTP_PASSWORD")
	c.SMTP.From = os.Getenv("SMTP_FROM")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		return Config{}, errors.New("DB_DSN required when DB_DRIVER is postgres")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return Config{}, errors.New("SMTP_FROM required when SMTP_HOST is set")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
