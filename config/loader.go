package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the DUTCTL_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DUTCTL_ENV"); v != "" {
		cfg.EnvFile = v
	}
	if v := os.Getenv("DUTCTL_TARGET"); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv("DUTCTL_HOST"); v != "" {
		cfg.HostSpec = v
	}
	if v := os.Getenv("DUTCTL_IFACE"); v != "" {
		cfg.Interface = v
	}

	// SSH
	if v := os.Getenv("DUTCTL_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DUTCTL_SSH_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if envBool("DUTCTL_NATIVE") {
		cfg.Native = true
	}
	if v := envInt("DUTCTL_CONNECT_TIMEOUT"); v > 0 {
		cfg.ConnectTimeout = secondsDuration(v)
	}

	// Raw interface
	if v := os.Getenv("DUTCTL_WRAPPER"); v != "" {
		cfg.Wrapper = strings.Fields(v)
	}
	if envBool("DUTCTL_MANAGE_LINK") {
		cfg.ManageLink = true
	}
	if envBool("DUTCTL_DELETE_REMOTE") {
		cfg.DeleteRemoteArtifacts = true
	}

	// Output
	if v := envInt("DUTCTL_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
