package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidPrivacyModes lists the PrivacyTransform modes Validate accepts
// (spec §4.6).
var ValidPrivacyModes = []string{"strict", "mask", "audit"}

// ValidLogLevels lists the accepted ServerConfig.LogLevel values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// ValidProviderNames lists known provider names per provider kind, used by
// [Validate] to warn about likely typos without rejecting unrecognised
// third-party providers outright.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anyllm", "anthropic", "ollama"},
	"asr":        {"whisper"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !slices.Contains(ValidLogLevels, cfg.Server.LogLevel) {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: %v", cfg.Server.LogLevel, ValidLogLevels))
	}
	if cfg.Server.BearerToken == "" {
		errs = append(errs, errors.New("server.bearer_token is required"))
	}
	if cfg.Server.MaxPayloadBytes <= 0 {
		errs = append(errs, errors.New("server.max_payload_bytes must be positive"))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; retrieval will run lexical-only")
	}
	if cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required"))
	}

	if cfg.Privacy.Mode != "" && !slices.Contains(ValidPrivacyModes, cfg.Privacy.Mode) {
		errs = append(errs, fmt.Errorf("privacy.mode %q is invalid; valid values: %v", cfg.Privacy.Mode, ValidPrivacyModes))
	}
	// Spec.md §9's Open Question (zero-retention vs. audit mode) is
	// resolved as a hard validation error: an operator combining
	// mode=audit with retain_audio=true persists the unredacted PII audit
	// trail unless they explicitly acknowledge it (SPEC_FULL.md §C, §E).
	auditAck := cfg.Privacy.PrivacyAuditAck || os.Getenv("PRIVACY_AUDIT_ACK") == "true"
	if cfg.Privacy.Mode == "audit" && cfg.Privacy.RetainAudio && !auditAck {
		errs = append(errs, errors.New("privacy.mode=audit with privacy.retain_audio=true requires privacy.privacy_audit_ack=true (or PRIVACY_AUDIT_ACK=true) to acknowledge raw PII retention"))
	}

	if cfg.Enrichment.RetryCount < 0 {
		errs = append(errs, errors.New("enrichment.retry_count must not be negative"))
	}
	for i, ms := range cfg.Enrichment.BackoffScheduleMs {
		if ms < 0 {
			errs = append(errs, fmt.Errorf("enrichment.backoff_schedule_ms[%d] must not be negative", i))
		}
	}

	for i, rule := range cfg.Retention.Rules {
		prefix := fmt.Sprintf("retention.rules[%d]", i)
		if rule.Table == "" {
			errs = append(errs, fmt.Errorf("%s.table is required", prefix))
		}
		if rule.AgeDays <= 0 {
			errs = append(errs, fmt.Errorf("%s.age_days must be positive", prefix))
		}
	}

	if cfg.UploadQueue.DropPolicy != "" && cfg.UploadQueue.DropPolicy != "oldest-drop" {
		errs = append(errs, fmt.Errorf("upload_queue.drop_policy %q is invalid; only \"oldest-drop\" is accepted", cfg.UploadQueue.DropPolicy))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
