// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads crew settings from defaults, YAML files, profile
// overlays, CREW_ environment variables and --set overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "CREW_"

// Role keys accepted under roles.<key>.
var RoleKeys = []string{"ceo", "manager", "researcher", "writer"}

type Config struct {
	Log        LogConfig             `koanf:"log"`
	Server     ServerConfig          `koanf:"server"`
	Ollama     OllamaConfig          `koanf:"ollama"`
	Roles      map[string]RoleConfig `koanf:"roles"`
	Pipeline   PipelineConfig        `koanf:"pipeline"`
	Telemetry  TelemetryConfig       `koanf:"telemetry"`
	Audit      AuditConfig           `koanf:"audit"`
	Guardrails GuardrailsConfig      `koanf:"guardrails"`

	// Sources lists the files that were merged, in load order.
	Sources []string `koanf:"-"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ServerConfig struct {
	Addr              string        `koanf:"addr"`
	MaxConcurrent     int           `koanf:"max_concurrent"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

type OllamaConfig struct {
	Host         string        `koanf:"host"`
	CheckOnStart bool          `koanf:"check_on_start"`
	CheckTimeout time.Duration `koanf:"check_timeout"`
}

type RoleConfig struct {
	Model string `koanf:"model"`
}

type PipelineConfig struct {
	StepTimeout time.Duration `koanf:"step_timeout"`
	MaxRetries  int           `koanf:"max_retries"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stdout, otlp, prometheus
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type GuardrailsConfig struct {
	PromptInjection bool     `koanf:"prompt_injection"`
	Patterns        []string `koanf:"patterns"`
	MinMatches      int      `koanf:"min_matches"`
	PII             string   `koanf:"pii"` // none, mask, redact
}

type AuditConfig struct {
	Driver     string `koanf:"driver"` // none, memory, sqlite
	DSN        string `koanf:"dsn"`
	MaxRecords int    `koanf:"max_records"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                   "info",
		"log.format":                  "text",
		"server.addr":                 ":5000",
		"server.max_concurrent":       4,
		"server.max_body_bytes":       int64(1 << 20),
		"server.read_header_timeout":  10 * time.Second,
		"server.shutdown_timeout":     15 * time.Second,
		"ollama.host":                 "http://localhost:11434",
		"ollama.check_on_start":       true,
		"ollama.check_timeout":        5 * time.Second,
		"roles.ceo.model":             "llama2:1b",
		"roles.manager.model":         "llama2:7b",
		"roles.researcher.model":      "mistral",
		"roles.writer.model":          "llama2:13b",
		"pipeline.step_timeout":       120 * time.Second,
		"pipeline.max_retries":        3,
		"pipeline.retry_delay":        5 * time.Second,
		"telemetry.exporter":          "none",
		"telemetry.otlp_endpoint":     "localhost:4317",
		"telemetry.otlp_insecure":     true,
		"audit.driver":                "none",
		"audit.dsn":                   "file:crew_audit.db",
		"audit.max_records":           10000,
		"guardrails.prompt_injection": false,
		"guardrails.min_matches":      1,
		"guardrails.pii":              "none",
	}
}

// Load reads configuration from path (optional), the profile overlay next to
// it and the environment.
func Load(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI loads configuration honoring --config, --profile (or --env) and
// repeated --set key=value arguments. Values given to --set are parsed as YAML,
// so numbers, booleans and JSON objects keep their type.
func LoadWithCLI(args []string) (*Config, error) {
	opts, sets, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	return load(opts.path, opts.profile, sets)
}

func load(path, profile string, sets map[string]any) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var sources []string
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		sources = append(sources, path)
	}
	if profilePath := profileConfigPath(path, profile); profilePath != "" {
		if err := k.Load(file.Provider(profilePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load profile %s: %w", profilePath, err)
		}
		sources = append(sources, profilePath)
	}

	// CREW_PIPELINE_STEP__TIMEOUT -> pipeline.step_timeout
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(sets))
	for key := range sets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := k.Set(key, sets[key]); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.Sources = sources
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "\x00")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "\x00", "_")
}

// profileConfigPath returns config.<profile>.yaml next to base when it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	path    string
	profile string
}

func parseCLIOverrides(args []string) (cliOptions, map[string]any, error) {
	var opts cliOptions
	sets := make(map[string]any)

	value := func(i *int, name string) (string, error) {
		arg := args[*i]
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("missing value for %s", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, _, _ := strings.Cut(arg, "=")
		switch name {
		case "--config":
			v, err := value(&i, name)
			if err != nil {
				return opts, nil, err
			}
			opts.path = v
		case "--profile", "--env":
			v, err := value(&i, name)
			if err != nil {
				return opts, nil, err
			}
			opts.profile = v
		case "--set":
			v, err := value(&i, name)
			if err != nil {
				return opts, nil, err
			}
			key, raw, ok := strings.Cut(v, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, nil, fmt.Errorf("invalid --set value %q, expected key=value", v)
			}
			sets[strings.TrimSpace(key)] = parseSetValue(raw)
		default:
			return opts, nil, fmt.Errorf("unknown config flag %q", arg)
		}
	}
	return opts, sets, nil
}

func parseSetValue(raw string) any {
	var v any
	if err := yamlv3.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

// RoleModel returns the configured model for a role key.
func (c *Config) RoleModel(key string) string {
	return c.Roles[strings.ToLower(key)].Model
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Ollama.Host) == "" {
		problems = append(problems, "ollama.host is required")
	}
	if c.Pipeline.MaxRetries < 0 {
		problems = append(problems, "pipeline.max_retries must not be negative")
	}
	if c.Pipeline.StepTimeout <= 0 {
		problems = append(problems, "pipeline.step_timeout must be positive")
	}
	if c.Pipeline.RetryDelay < 0 {
		problems = append(problems, "pipeline.retry_delay must not be negative")
	}
	if c.Server.MaxConcurrent < 1 {
		problems = append(problems, "server.max_concurrent must be at least 1")
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be positive")
	}
	for _, key := range RoleKeys {
		if strings.TrimSpace(c.RoleModel(key)) == "" {
			problems = append(problems, fmt.Sprintf("roles.%s.model is required", key))
		}
	}
	switch c.Telemetry.Exporter {
	case "", "none", "stdout", "otlp", "prometheus":
	default:
		problems = append(problems, fmt.Sprintf("telemetry.exporter %q is not supported", c.Telemetry.Exporter))
	}
	switch c.Audit.Driver {
	case "", "none", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Audit.DSN) == "" {
			problems = append(problems, "audit.dsn is required for the sqlite driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("audit.driver %q is not supported", c.Audit.Driver))
	}
	switch c.Guardrails.PII {
	case "", "none", "mask", "redact":
	default:
		problems = append(problems, fmt.Sprintf("guardrails.pii %q is not supported", c.Guardrails.PII))
	}
	if c.Guardrails.MinMatches < 0 {
		problems = append(problems, "guardrails.min_matches must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Map returns the effective configuration as nested maps keyed like the
// configuration file, with durations rendered as strings.
func (c *Config) Map() map[string]any {
	roles := make(map[string]any, len(c.Roles))
	for key, rc := range c.Roles {
		roles[key] = map[string]any{"model": rc.Model}
	}
	return map[string]any{
		"log": map[string]any{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"server": map[string]any{
			"addr":                c.Server.Addr,
			"max_concurrent":      c.Server.MaxConcurrent,
			"max_body_bytes":      c.Server.MaxBodyBytes,
			"read_header_timeout": c.Server.ReadHeaderTimeout.String(),
			"shutdown_timeout":    c.Server.ShutdownTimeout.String(),
		},
		"ollama": map[string]any{
			"host":           c.Ollama.Host,
			"check_on_start": c.Ollama.CheckOnStart,
			"check_timeout":  c.Ollama.CheckTimeout.String(),
		},
		"roles": roles,
		"pipeline": map[string]any{
			"step_timeout": c.Pipeline.StepTimeout.String(),
			"max_retries":  c.Pipeline.MaxRetries,
			"retry_delay":  c.Pipeline.RetryDelay.String(),
		},
		"telemetry": map[string]any{
			"exporter":      c.Telemetry.Exporter,
			"otlp_endpoint": c.Telemetry.OTLPEndpoint,
			"otlp_insecure": c.Telemetry.OTLPInsecure,
		},
		"audit": map[string]any{
			"driver":      c.Audit.Driver,
			"dsn":         c.Audit.DSN,
			"max_records": c.Audit.MaxRecords,
		},
		"guardrails": map[string]any{
			"prompt_injection": c.Guardrails.PromptInjection,
			"patterns":         append([]string{}, c.Guardrails.Patterns...),
			"min_matches":      c.Guardrails.MinMatches,
			"pii":              c.Guardrails.PII,
		},
	}
}
