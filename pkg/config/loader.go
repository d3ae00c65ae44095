package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// envPrefix is stripped and the rest lowered. A name that equals a
// built-in default key with its dots written as underscores maps to that
// key, so ORCHESTRATOR_GATEWAY_LISTEN_ADDR maps to gateway.listen_addr;
// any other name has every underscore turned into koanf's "." delimiter.
const envPrefix = "ORCHESTRATOR_"

// Load builds a Config by layering, lowest to highest precedence:
// built-in defaults, an optional YAML file at path, environment variables
// prefixed ORCHESTRATOR_, and CLI flags bound via flags (may be nil).
//
// Each layer only overrides keys it actually sets, so a YAML file that
// configures gateway.listen_addr leaves every scheduler default intact.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, path, err)
		}
	}

	envProvider := env.ProviderWithValue(envPrefix, ".", func(rawKey, value string) (string, any) {
		key := normalizeEnvKey(rawKey)
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	slog.Info("configuration loaded",
		"gateway_listen_addr", cfg.Gateway.ListenAddr,
		"scheduler_tick_interval", cfg.Scheduler.TickInterval,
		"llm_endpoints", len(cfg.LLM.Endpoints),
		"llm_models", len(cfg.LLM.Models),
		"postgres_enabled", cfg.Postgres.DSN != "")

	return &cfg, nil
}

// Watch re-loads the file at path whenever it changes on disk and hands
// the validated result to fn. Reload failures are logged and the
// previous configuration stays in effect.
func Watch(path string, flags *pflag.FlagSet, fn func(*Config)) error {
	if path == "" {
		return nil
	}
	f := file.Provider(path)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			slog.Warn("config watch event error", "path", path, "error", err)
			return
		}
		cfg, loadErr := Load(path, flags)
		if loadErr != nil {
			slog.Error("config reload failed, keeping previous configuration", "path", path, "error", loadErr)
			return
		}
		fn(cfg)
	})
}

func normalizeEnvKey(rawKey string) string {
	key := rawKey[len(envPrefix):]
	out := make([]rune, 0, len(key))
	for _, r := range key {
		out = append(out, toLower(r))
	}
	lowered := string(out)
	for known := range defaults() {
		if strings.ReplaceAll(known, ".", "_") == lowered {
			return known
		}
	}
	return strings.ReplaceAll(lowered, "_", ".")
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Validate checks cross-field and range constraints that struct tags
// can't express on their own.
func Validate(cfg *Config) error {
	if cfg.Gateway.ListenAddr == "" {
		return newValidationError("gateway", "listen_addr", ErrMissingRequired)
	}
	if cfg.Gateway.MaxConnsPerIP <= 0 {
		return newValidationError("gateway", "max_conns_per_ip", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Scheduler.TickInterval < defaultTickIntervalFloor {
		return newValidationError("scheduler", "tick_interval",
			fmt.Errorf("%w: must be at least %s", ErrInvalidValue, defaultTickIntervalFloor))
	}
	for i, cg := range cfg.Scheduler.CronGoals {
		if cg.Schedule == "" || cg.Title == "" {
			return newValidationError(fmt.Sprintf("scheduler.cron_goals[%d]", i), "schedule",
				fmt.Errorf("%w: schedule and title are required", ErrMissingRequired))
		}
	}
	for id, lane := range cfg.Scheduler.Lanes {
		if lane.MaxConcurrency <= 0 {
			return newValidationError(fmt.Sprintf("scheduler.lanes.%s", id), "max_concurrency",
				fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
	}
	for name, ep := range cfg.LLM.Endpoints {
		switch ep.Protocol {
		case "anthropic", "openai", "gemini", "bedrock":
		case "":
			return newValidationError(fmt.Sprintf("llm.endpoints.%s", name), "protocol", ErrMissingRequired)
		default:
			return newValidationError(fmt.Sprintf("llm.endpoints.%s", name), "protocol",
				fmt.Errorf("%w: unknown protocol %q", ErrInvalidValue, ep.Protocol))
		}
		if ep.Protocol == "bedrock" && ep.Region == "" {
			return newValidationError(fmt.Sprintf("llm.endpoints.%s", name), "region",
				fmt.Errorf("%w: bedrock endpoints need a region", ErrMissingRequired))
		}
	}
	for id, m := range cfg.LLM.Models {
		if len(m.Endpoints) == 0 {
			return newValidationError(fmt.Sprintf("llm.models.%s", id), "endpoints", ErrMissingRequired)
		}
		for _, epID := range m.Endpoints {
			if _, ok := cfg.LLM.Endpoints[epID]; !ok {
				return newValidationError(fmt.Sprintf("llm.models.%s", id), "endpoints",
					fmt.Errorf("%w: references unconfigured endpoint %q", ErrInvalidValue, epID))
			}
		}
	}
	for tier, t := range cfg.LLM.Tiers {
		if t.Primary == "" {
			return newValidationError(fmt.Sprintf("llm.tiers.%s", tier), "primary", ErrMissingRequired)
		}
		for _, id := range append([]string{t.Primary}, t.Fallback...) {
			if _, ok := cfg.LLM.Models[id]; !ok {
				return newValidationError(fmt.Sprintf("llm.tiers.%s", tier), "primary",
					fmt.Errorf("%w: references unconfigured model %q", ErrInvalidValue, id))
			}
		}
	}
	for name, a := range cfg.LLM.Agents {
		if a.Primary == "" && a.Tier == "" {
			return newValidationError(fmt.Sprintf("llm.agents.%s", name), "tier",
				fmt.Errorf("%w: agent needs a tier or a primary model", ErrMissingRequired))
		}
		if a.Tier != "" {
			if _, ok := cfg.LLM.Tiers[a.Tier]; !ok {
				return newValidationError(fmt.Sprintf("llm.agents.%s", name), "tier",
					fmt.Errorf("%w: references unconfigured tier %q", ErrInvalidValue, a.Tier))
			}
		}
	}
	return nil
}
