package config

import (
	"fmt"
	"os"
	"time"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         18882,
			RateLimitRPM: 30,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.omnihub/omnihub.db",
		},
		Tracing: TracingConfig{
			Enabled:           true,
			MaxPayloadBytes:   1 << 20,
			RetentionDays:     30,
			RetentionSchedule: "0 3 * * *",
		},
		WhatsApp: WhatsAppConfig{
			DefaultCountryCode: "55",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields defaults plus env, not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.resolveTimeouts()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Secrets are env-only; env values take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("OMNIHUB_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("OMNIHUB_REDIS_ADDR", &c.Redis.Addr)
	envStr("OMNIHUB_REDIS_PASSWORD", &c.Redis.Password)
	envStr("OMNIHUB_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	for i := range c.Instances {
		ic := &c.Instances[i]
		suffix := envSuffix(ic.Name)
		envStr("OMNIHUB_EVOLUTION_KEY_"+suffix, &ic.EvolutionKey)
		envStr("OMNIHUB_DISCORD_TOKEN_"+suffix, &ic.DiscordBotToken)
		envStr("OMNIHUB_AGENT_KEY_"+suffix, &ic.Agent.APIKey)
		envStr("OMNIHUB_LEO_SUBSCRIPTION_"+suffix, &ic.Agent.LeoSubscription)
		envStr("OMNIHUB_LEO_RUNTIME_TOKEN_"+suffix, &ic.Agent.LeoRuntimeToken)
	}
}

// resolveTimeouts converts file-level second counts into durations.
func (c *Config) resolveTimeouts() {
	for i := range c.Instances {
		ic := &c.Instances[i]
		if ic.Agent.Timeout == 0 && ic.Agent.TimeoutSec > 0 {
			ic.Agent.Timeout = time.Duration(ic.Agent.TimeoutSec) * time.Second
		}
	}
}

// ExpandHome expands a leading ~ in a path using the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
