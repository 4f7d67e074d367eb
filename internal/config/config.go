// Package config loads the enumerated environment-backed settings the
// service recognizes. Settings are read once at startup, defaulted, and
// validated; components receive the parts they need rather than the whole
// struct where practical.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuntimeType selects the execution backend at startup.
type RuntimeType string

const (
	RuntimeDocker     RuntimeType = "docker"
	RuntimeLambda     RuntimeType = "lambda"
	RuntimeKubernetes RuntimeType = "kubernetes"
)

// Settings holds every environment-backed knob the core recognizes.
type Settings struct {
	// DatabaseURL is the Postgres DSN shared by the stores and the
	// scheduler job store.
	DatabaseURL string `validate:"required"`

	// PublicAPIURL is the public HTTPS origin used to form webhook URLs
	// and the backendUrl field of runtime payloads.
	PublicAPIURL string `validate:"required,url"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `validate:"required"`

	RuntimeType RuntimeType `validate:"required,oneof=docker lambda kubernetes"`

	// WorkflowJWTSecret signs workflow invocation tokens (HS256).
	WorkflowJWTSecret     string        `validate:"required,min=16"`
	WorkflowJWTExpiration time.Duration `validate:"required"`

	// EncryptionKey is the 32-byte (hex-encoded, 64 chars) key used to
	// seal provider configs and user secrets at rest.
	EncryptionKey string `validate:"required,len=64,hexadecimal"`

	// ContainerIdleTimeout is how long a runtime container may sit without
	// non-health activity before the reaper removes it.
	ContainerIdleTimeout time.Duration

	// ImageRepo is the registry repository holding workflow runtime images;
	// an image_hash is a tag in it, resolved to a digest at dispatch time.
	ImageRepo string `validate:"required"`

	// RedisURL enables the realtime event bus when set.
	RedisURL string

	// SchedulerMisfireGrace drops scheduled fires that are claimed too late.
	SchedulerMisfireGrace time.Duration
}

// Load reads Settings from the environment, applies defaults, and validates.
func Load() (*Settings, error) {
	s := &Settings{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		PublicAPIURL:          envOr("PUBLIC_API_URL", "http://localhost:8080"),
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		RuntimeType:           RuntimeType(envOr("RUNTIME_TYPE", string(RuntimeDocker))),
		WorkflowJWTSecret:     os.Getenv("WORKFLOW_JWT_SECRET"),
		WorkflowJWTExpiration: envSecondsOr("WORKFLOW_JWT_EXPIRATION_SECONDS", 300*time.Second),
		EncryptionKey:         os.Getenv("ENCRYPTION_KEY"),
		ContainerIdleTimeout:  envSecondsOr("CONTAINER_IDLE_TIMEOUT", 300*time.Second),
		ImageRepo:             envOr("IMAGE_REPO", "ghcr.io/floww-sh/workflows"),
		RedisURL:              os.Getenv("REDIS_URL"),
		SchedulerMisfireGrace: envSecondsOr("SCHEDULER_MISFIRE_GRACE_SECONDS", 30*time.Second),
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envSecondsOr reads an integer number of seconds, matching how the
// deployment manifests express every timeout.
func envSecondsOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
