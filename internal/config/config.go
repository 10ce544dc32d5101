// Package config holds OPERATOR-LEVEL configuration for an opscore process.
//
// This is infrastructure config set by whoever deploys the operations core,
// NOT the domain rule files. The boundary is:
//
//   - Operator config (this package): data directory, audit signing key,
//     rule file locations, router tuning constants, listen address.
//     Set via env vars (OPSCORE_*) or config file (opscore.config.yaml).
//
//   - Domain rules: handoff rules, agent capability sets, ABAC policies.
//     Declared in versioned YAML files (see internal/router and
//     internal/policy loaders), loaded once at startup, immutable after.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/Jgorzitza/HotDash-sub021/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the OPSCORE_ prefix
// (e.g. "signing_key" → OPSCORE_SIGNING_KEY) and to a YAML field
// in opscore.config.yaml.
const (
	KeyDataDir          = "data_dir"
	KeySigningKey       = "signing_key"
	KeyRulesFile        = "rules_file"
	KeyPoliciesFile     = "policies_file"
	KeyListenAddr       = "listen_addr"
	KeyConfidenceFloor  = "confidence_floor"
	KeyReviewThreshold  = "review_threshold"
	KeyMaxAutoImpact    = "max_auto_impact"
	KeyArchiveAfterDays = "archive_after_days"
)

// Defaults that do not involve crypto material. The signing key has no
// baked-in default; when unset we derive a per-machine fallback and warn.
const (
	DefaultRulesFile        = "opscore.rules.yaml"
	DefaultPoliciesFile     = "opscore.policies.yaml"
	DefaultListenAddr       = ":8090"
	DefaultConfidenceFloor  = 0.5
	DefaultReviewThreshold  = 0.75
	DefaultMaxAutoImpact    = 5000.0
	DefaultArchiveAfterDays = 30
)

// Config holds resolved operator-level configuration for an opscore process.
type Config struct {
	DataDir          string  // Base directory for all state (~/.opscore)
	SigningKey       string  // HMAC-SHA256 key for audit signing (≥32 bytes)
	RulesFile        string  // Handoff rule / capability file
	PoliciesFile     string  // ABAC policy file
	ListenAddr       string  // HTTP API listen address
	ConfidenceFloor  float64 // Minimum confidence for a single-signal rule match
	ReviewThreshold  float64 // Confidence below which human review is forced
	MaxAutoImpact    float64 // Impact ceiling for automated execution (gate policy data)
	ArchiveAfterDays int     // Pending actions older than this are archived by the sweeper

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the audit signing key was derived
// rather than set explicitly. Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// QueueDBPath returns the full path to the action queue SQLite database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.DataDir, "actions.db")
}

// AuditDBPath returns the full path to the audit trail SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

func init() {
	viper.SetEnvPrefix("OPSCORE")
	viper.AutomaticEnv()
	viper.SetDefault(KeyRulesFile, DefaultRulesFile)
	viper.SetDefault(KeyPoliciesFile, DefaultPoliciesFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyConfidenceFloor, DefaultConfidenceFloor)
	viper.SetDefault(KeyReviewThreshold, DefaultReviewThreshold)
	viper.SetDefault(KeyMaxAutoImpact, DefaultMaxAutoImpact)
	viper.SetDefault(KeyArchiveAfterDays, DefaultArchiveAfterDays)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		SigningKey:       viper.GetString(KeySigningKey),
		RulesFile:        viper.GetString(KeyRulesFile),
		PoliciesFile:     viper.GetString(KeyPoliciesFile),
		ListenAddr:       viper.GetString(KeyListenAddr),
		ConfidenceFloor:  viper.GetFloat64(KeyConfidenceFloor),
		ReviewThreshold:  viper.GetFloat64(KeyReviewThreshold),
		MaxAutoImpact:    viper.GetFloat64(KeyMaxAutoImpact),
		ArchiveAfterDays: viper.GetInt(KeyArchiveAfterDays),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opscore"
	}
	return filepath.Join(home, ".opscore")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong; it
// exists solely so `opscore serve` works out of the box while still signing
// audit records with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("opscore:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1] (got %v)", c.ConfidenceFloor)
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("review_threshold must be in [0,1] (got %v)", c.ReviewThreshold)
	}
	if c.ConfidenceFloor > c.ReviewThreshold {
		return fmt.Errorf("confidence_floor (%v) must not exceed review_threshold (%v)", c.ConfidenceFloor, c.ReviewThreshold)
	}
	if c.MaxAutoImpact <= 0 {
		return fmt.Errorf("max_auto_impact must be positive")
	}
	if c.ArchiveAfterDays <= 0 {
		return fmt.Errorf("archive_after_days must be positive")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 even-length hex
// characters (decoded length ≥32 for HMAC-SHA256).
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set OPSCORE_SIGNING_KEY", n)
}
