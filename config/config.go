// Package config reads the aggregator's runtime configuration from the
// environment, grounded in original_source/cinch/__init__.py's
// env-to-config mapping. That file stripped a CINCH_ prefix from
// os.environ; this repo's keys are already the literal names below, so
// no prefix stripping is needed.
package config

import (
	"fmt"
	"os"
	"strings"
)

// Config is a read-only snapshot of the process's environment-derived
// configuration, read once at startup.
type Config struct {
	DBURI                 string
	RepoBaseDir           string
	BusURI                string
	ProviderToken         string
	ProviderWebhookSecret string
	ProviderDryRun        bool
	CIBaseURL             string
	ServerURL             string
	AdminUsers            []string
	SecretKey             string
}

// DefaultRepoBaseDir is used when REPO_BASE_DIR is unset.
const DefaultRepoBaseDir = "/var/lib/cinch/repos"

// Load reads Config from the process environment. It never fails on a
// missing key; callers that require a specific key (e.g. cmd/worker
// requiring BUS_URI for a durable bus) check for emptiness themselves
// and decide whether that's fatal.
func Load() Config {
	c := Config{
		DBURI:                 os.Getenv("DB_URI"),
		RepoBaseDir:           os.Getenv("REPO_BASE_DIR"),
		BusURI:                os.Getenv("BUS_URI"),
		ProviderToken:         os.Getenv("PROVIDER_TOKEN"),
		ProviderWebhookSecret: os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		ProviderDryRun:        parseBool(os.Getenv("PROVIDER_DRY_RUN")),
		CIBaseURL:             os.Getenv("CI_BASE_URL"),
		ServerURL:             os.Getenv("SERVER_URL"),
		AdminUsers:            splitCSV(os.Getenv("ADMIN_USERS")),
		SecretKey:             os.Getenv("SECRET_KEY"),
	}
	if c.RepoBaseDir == "" {
		c.RepoBaseDir = DefaultRepoBaseDir
	}
	return c
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RequireSecretKey fails fast if SECRET_KEY is unset, since session
// cookies cannot be signed without it.
func (c Config) RequireSecretKey() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set")
	}
	return nil
}
