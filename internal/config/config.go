// Package config loads server configuration from the environment, an
// optional .env file, and GCP Secret Manager for secrets when a project
// is configured.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port         string
	CORSOrigins  []string
	AuthDisabled bool
	JWTSecret    string

	// Storage
	DBPath string

	// Providers
	DockerEnabled bool
	DockerNetwork string
	GCPProject    string
	GCPZone       string
	GCPNetwork    string
	GCESSHUser    string

	// Fleet SSH key for command execution on remote instances. When unset
	// a fresh pair is generated at startup.
	GCESSHPublicKey  string
	GCESSHPrivateKey string

	// Migration
	MigrationTimeout time.Duration
}

// Load reads configuration from a .env file (when present), the process
// environment, and Secret Manager for secrets.
func Load() (*Config, error) {
	// .env is for local development only; missing is fine.
	if err := godotenv.Load(); err == nil {
		logrus.Info("loaded environment from .env")
	}

	gcpProject := getEnv("GCP_PROJECT", "")

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		AuthDisabled:  getEnv("AUTH_DISABLED", "") == "true",
		DBPath:        getEnv("DB_PATH", "devswarm.db"),
		DockerEnabled: getEnv("DOCKER_ENABLED", "true") != "false",
		DockerNetwork: getEnv("DOCKER_NETWORK", "devswarm"),
		GCPProject:    gcpProject,
		GCPZone:       getEnv("GCP_ZONE", "us-central1-a"),
		GCPNetwork:    getEnv("GCP_NETWORK", "default"),
		GCESSHUser:    getEnv("GCE_SSH_USER", "devswarm"),

		GCESSHPublicKey:  getEnv("GCE_SSH_PUBLIC_KEY", ""),
		GCESSHPrivateKey: getEnv("GCE_SSH_PRIVATE_KEY", ""),
	}

	timeoutSec, err := strconv.Atoi(getEnv("MIGRATION_TIMEOUT_SECONDS", "600"))
	if err != nil || timeoutSec <= 0 {
		return nil, fmt.Errorf("invalid MIGRATION_TIMEOUT_SECONDS")
	}
	cfg.MigrationTimeout = time.Duration(timeoutSec) * time.Second

	// JWT secret: Secret Manager first, env fallback.
	secret, err := getSecret(gcpProject, "JWT_SECRET")
	if err != nil || secret == "" {
		secret = getEnv("JWT_SECRET", "")
	}
	cfg.JWTSecret = secret

	corsOrigins := getEnv("CORS_ORIGINS", "*")
	if corsOrigins == "" || corsOrigins == "*" {
		cfg.CORSOrigins = []string{"*"}
	} else {
		origins := strings.Split(corsOrigins, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		cfg.CORSOrigins = origins
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if !c.AuthDisabled && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if !c.DockerEnabled && c.GCPProject == "" {
		return fmt.Errorf("at least one provider must be configured (DOCKER_ENABLED or GCP_PROJECT)")
	}
	return nil
}

// getSecret retrieves a secret from GCP Secret Manager. Returns an empty
// string when no project is configured or the secret does not exist, so
// callers fall back to the environment.
func getSecret(project, secretName string) (string, error) {
	if project == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		logrus.WithError(err).Warn("Secret Manager unavailable, falling back to env")
		return "", nil
	}
	defer client.Close()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		// The secret may simply not exist; env fallback handles it.
		return "", nil
	}

	return string(result.Payload.Data), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
