package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Webhook payloads and hand-edited configs mix both.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OmniHub gateway.
type Config struct {
	Gateway   GatewayConfig    `json:"gateway"`
	Database  DatabaseConfig   `json:"database,omitempty"`
	Redis     RedisConfig      `json:"redis,omitempty"`
	Tracing   TracingConfig    `json:"tracing,omitempty"`
	Telemetry TelemetryConfig  `json:"telemetry,omitempty"`
	WhatsApp  WhatsAppConfig   `json:"whatsapp,omitempty"`
	Discord   DiscordConfig    `json:"discord,omitempty"`
	Instances []InstanceConfig `json:"instances,omitempty"`
}

// GatewayConfig configures the webhook ingress HTTP server.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"`
}

// DatabaseConfig selects and configures the trace/user store.
// PostgresDSN is NEVER read from config.json (secret) — only from env OMNIHUB_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env OMNIHUB_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone fallback store
}

// UsesPostgres reports whether the gateway should open a Postgres store.
func (d DatabaseConfig) UsesPostgres() bool { return d.PostgresDSN != "" }

// RedisConfig configures the optional Redis-backed webhook dedup cache.
// When Addr is empty an in-process cache is used instead.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"-"` // from env OMNIHUB_REDIS_PASSWORD only
	DB       int    `json:"db,omitempty"`
}

// TracingConfig configures message-lifecycle trace persistence.
type TracingConfig struct {
	Enabled           bool   `json:"enabled"`
	MaxPayloadBytes   int    `json:"max_payload_bytes,omitempty"`  // default 1 MiB
	RetentionDays     int    `json:"retention_days,omitempty"`     // 0 disables the sweeper
	RetentionSchedule string `json:"retention_schedule,omitempty"` // cron expression, default "0 3 * * *"
}

// TelemetryConfig configures the optional OTLP span exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Protocol     string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	ServiceName  string `json:"service_name,omitempty"`
}

// WhatsAppConfig holds gateway-wide WhatsApp behavior shared by instances.
type WhatsAppConfig struct {
	// DefaultCountryCode is prefixed onto short phone numbers during
	// normalization. Configurable because the rule is locale-specific.
	DefaultCountryCode string `json:"default_country_code,omitempty"` // default "55"
}

// DiscordConfig holds gateway-wide Discord behavior shared by instances.
type DiscordConfig struct {
	IPCSocketDir string `json:"ipc_socket_dir,omitempty"` // default os.TempDir()
}

// ChannelType discriminates instance channel bindings.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelDiscord  = "discord"
)

// AgentKind discriminates agent backend variants. Adding a backend is a new
// kind plus a constructor, not a string comparison scattered across call sites.
type AgentKind string

const (
	AgentAutomagik AgentKind = "automagik"
	AgentHive      AgentKind = "hive"
	AgentLeo       AgentKind = "leo"
)

// AgentConfig is the per-instance agent backend configuration.
// Secrets come from env (OMNIHUB_AGENT_KEY_<INSTANCE>) or the instance store.
type AgentConfig struct {
	Kind       AgentKind     `json:"kind"`
	APIURL     string        `json:"api_url"`
	APIKey     string        `json:"-"`
	AgentID    string        `json:"agent_id,omitempty"`   // agent or workflow id
	AgentType  string        `json:"agent_type,omitempty"` // hive: "agent" or "team"
	Timeout    time.Duration `json:"-"`
	TimeoutSec int           `json:"timeout_seconds,omitempty"` // default 60
	StreamMode bool          `json:"stream_mode,omitempty"`

	// Leo-specific workflow envelope fields.
	LeoBPC          string `json:"leo_bpc,omitempty"`
	LeoEnvironment  string `json:"leo_environment,omitempty"`
	LeoVersion      string `json:"leo_version,omitempty"`
	LeoSubscription string `json:"-"` // ocp-apim-subscription-key, env only
	LeoRuntimeToken string `json:"-"`
}

// InstanceConfig is one configured channel+agent pairing (a tenant). The
// routing core treats it as an immutable snapshot per call.
type InstanceConfig struct {
	Name        string `json:"name"`
	ChannelType string `json:"channel_type"` // ChannelWhatsApp or ChannelDiscord
	IsDefault   bool   `json:"is_default,omitempty"`
	IsActive    bool   `json:"is_active"`

	// WhatsApp (Evolution bridge) binding.
	EvolutionURL     string `json:"evolution_url,omitempty"`
	EvolutionKey     string `json:"-"` // from env OMNIHUB_EVOLUTION_KEY_<NAME> only
	WhatsAppInstance string `json:"whatsapp_instance,omitempty"`
	WebhookBase64    bool   `json:"webhook_base64,omitempty"`
	// EvolutionWebsocket subscribes to the bridge's websocket event feed in
	// addition to (or instead of) webhooks.
	EvolutionWebsocket bool  `json:"evolution_websocket,omitempty"`
	EnableAutoSplit    *bool `json:"enable_auto_split,omitempty"` // nil = default true

	// Discord binding.
	DiscordBotToken         string `json:"-"` // from env OMNIHUB_DISCORD_TOKEN_<NAME> only
	DiscordClientID         string `json:"discord_client_id,omitempty"`
	DiscordGuildID          string `json:"discord_guild_id,omitempty"`
	DiscordDefaultChannelID string `json:"discord_default_channel_id,omitempty"`

	SessionIDPrefix string      `json:"session_id_prefix,omitempty"`
	Agent           AgentConfig `json:"agent"`
}

// SessionPrefix returns the prefix under which this instance's sessions are
// named. The prefix also scopes the cached agent-side user id: a different
// prefix means a different tenant, and the cache must not leak across.
func (ic *InstanceConfig) SessionPrefix() string {
	if ic.SessionIDPrefix != "" {
		return ic.SessionIDPrefix
	}
	return ic.Name
}

// AutoSplit resolves the instance-level split flag (default true).
func (ic *InstanceConfig) AutoSplit() bool {
	if ic.EnableAutoSplit == nil {
		return true
	}
	return *ic.EnableAutoSplit
}

// AgentTimeout resolves the per-instance agent call timeout.
func (ic *InstanceConfig) AgentTimeout() time.Duration {
	if ic.Agent.Timeout > 0 {
		return ic.Agent.Timeout
	}
	if ic.Agent.TimeoutSec > 0 {
		return time.Duration(ic.Agent.TimeoutSec) * time.Second
	}
	return 60 * time.Second
}

// Validate checks an instance for the fields its channel binding requires.
func (ic *InstanceConfig) Validate() error {
	if ic.Name == "" {
		return fmt.Errorf("instance name is required")
	}
	switch ic.ChannelType {
	case ChannelWhatsApp:
		if ic.EvolutionURL == "" {
			return fmt.Errorf("instance %s: evolution_url is required", ic.Name)
		}
		if ic.WhatsAppInstance == "" {
			return fmt.Errorf("instance %s: whatsapp_instance is required", ic.Name)
		}
	case ChannelDiscord:
		if ic.DiscordBotToken == "" {
			return fmt.Errorf("instance %s: discord bot token missing (set OMNIHUB_DISCORD_TOKEN_%s)", ic.Name, envSuffix(ic.Name))
		}
	default:
		return fmt.Errorf("instance %s: unknown channel_type %q", ic.Name, ic.ChannelType)
	}
	switch ic.Agent.Kind {
	case AgentAutomagik, AgentHive, AgentLeo:
	case "":
		return fmt.Errorf("instance %s: agent.kind is required", ic.Name)
	default:
		return fmt.Errorf("instance %s: unknown agent kind %q", ic.Name, ic.Agent.Kind)
	}
	if ic.Agent.APIURL == "" {
		return fmt.Errorf("instance %s: agent.api_url is required", ic.Name)
	}
	return nil
}

// DefaultInstance returns the instance marked is_default, or the first
// active one when none is marked.
func (c *Config) DefaultInstance() *InstanceConfig {
	var firstActive *InstanceConfig
	for i := range c.Instances {
		ic := &c.Instances[i]
		if !ic.IsActive {
			continue
		}
		if ic.IsDefault {
			return ic
		}
		if firstActive == nil {
			firstActive = ic
		}
	}
	return firstActive
}

// Instance looks up an active instance by name.
func (c *Config) Instance(name string) *InstanceConfig {
	for i := range c.Instances {
		if c.Instances[i].Name == name && c.Instances[i].IsActive {
			return &c.Instances[i]
		}
	}
	return nil
}

// envSuffix converts an instance name to the form used in env var names.
func envSuffix(name string) string {
	s := strings.ToUpper(name)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
