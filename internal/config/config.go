// Package config provides configuration types and loading for salesclaw.
package config

import "time"

// Config is the root configuration struct.
// Top-level groups: Paths, Model, Providers, Agent, Buffer, Channels, Dispatch,
// Tools, Handoff, Kafka, Followups, Gateway, Log.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Providers ProvidersConfig `json:"providers"`
	Agent     AgentConfig     `json:"agent"`
	Buffer    BufferConfig    `json:"buffer"`
	Channels  ChannelsConfig  `json:"channels"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Tools     ToolsConfig     `json:"tools"`
	Handoff   HandoffConfig   `json:"handoff"`
	Kafka     KafkaConfig     `json:"kafka"`
	Followups FollowupsConfig `json:"followups"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// Workspace holds PERSONA.md, KNOWLEDGE.md and catalog.yaml.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	// DataDir holds the sqlite databases, session history and lock files.
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model and orchestration-loop settings.
type ModelConfig struct {
	Name              string        `json:"name" envconfig:"MODEL"`
	MaxTokens         int           `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature       float64       `json:"temperature" envconfig:"TEMPERATURE"`
	MaxToolIterations int           `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
	RunTimeout        time.Duration `json:"runTimeout" envconfig:"RUN_TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// ---------------------------------------------------------------------------
// Agent – conversation service behaviour
// ---------------------------------------------------------------------------

// AgentConfig controls what happens around an orchestrator run.
type AgentConfig struct {
	// FailureReply is sent when a run fails on a dispatching channel.
	// Empty means stay silent.
	FailureReply string `json:"failureReply" envconfig:"FAILURE_REPLY"`
	// RetryOnModelError retries a failed run once before giving up.
	RetryOnModelError bool `json:"retryOnModelError" envconfig:"RETRY_ON_MODEL_ERROR"`
	// MaxHistory caps the prior turns fed to the model.
	MaxHistory int `json:"maxHistory" envconfig:"MAX_HISTORY"`
}

// ---------------------------------------------------------------------------
// Buffer – inbound aggregation
// ---------------------------------------------------------------------------

// BufferConfig configures the per-entity debounce buffer.
type BufferConfig struct {
	QuietPeriod  time.Duration `json:"quietPeriod" envconfig:"QUIET_PERIOD"`
	MaxFragments int           `json:"maxFragments" envconfig:"MAX_FRAGMENTS"`
	MaxAge       time.Duration `json:"maxAge" envconfig:"MAX_AGE"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Presale  PresaleConfig  `json:"presale"`
}

// WhatsAppConfig configures the WhatsApp channel.
type WhatsAppConfig struct {
	Enabled          bool     `json:"enabled" envconfig:"ENABLED"`
	AllowFrom        []string `json:"allowFrom" envconfig:"ALLOW_FROM"`
	DropUnauthorized bool     `json:"dropUnauthorized" envconfig:"DROP_UNAUTHORIZED"`
	IgnoreReactions  bool     `json:"ignoreReactions" envconfig:"IGNORE_REACTIONS"`
	MaxLength        int      `json:"maxLength" envconfig:"MAX_LENGTH"`
	// StartSilent turns silent mode on at every start, so nothing is sent
	// until an operator runs "salesclaw silent off".
	StartSilent bool `json:"startSilent" envconfig:"START_SILENT"`
}

// PresaleConfig configures the marketplace pre-sale Q&A endpoint.
type PresaleConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	Path      string `json:"path" envconfig:"ENDPOINT_PATH"`
	MaxLength int    `json:"maxLength" envconfig:"MAX_LENGTH"`
}

// ---------------------------------------------------------------------------
// Dispatch – outbound pacing
// ---------------------------------------------------------------------------

// DispatchConfig controls how long answers are split and paced.
type DispatchConfig struct {
	PartDelay     time.Duration `json:"partDelay" envconfig:"PART_DELAY"`
	TypingPerChar time.Duration `json:"typingPerChar" envconfig:"TYPING_PER_CHAR"`
	MinTyping     time.Duration `json:"minTyping" envconfig:"MIN_TYPING"`
	MaxTyping     time.Duration `json:"maxTyping" envconfig:"MAX_TYPING"`
	SendTimeout   time.Duration `json:"sendTimeout" envconfig:"SEND_TIMEOUT"`
	// RatePerSecond is the shared send budget across all conversations.
	RatePerSecond float64 `json:"ratePerSecond" envconfig:"RATE_PER_SECOND"`
	Burst         int     `json:"burst" envconfig:"BURST"`
}

// ---------------------------------------------------------------------------
// Tools – capability adapters
// ---------------------------------------------------------------------------

// ToolsConfig contains tool-specific settings.
type ToolsConfig struct {
	Catalog  CatalogConfig  `json:"catalog"`
	Shipping ShippingConfig `json:"shipping"`
}

// CatalogConfig points at the product catalog file.
type CatalogConfig struct {
	Path     string `json:"path" envconfig:"CATALOG_FILE"`
	Currency string `json:"currency" envconfig:"CURRENCY"`
}

// ShippingConfig configures the shipping quote API.
// An empty APIBase falls back to the built-in rate table.
type ShippingConfig struct {
	APIBase      string        `json:"apiBase" envconfig:"API_BASE"`
	APIKey       string        `json:"apiKey" envconfig:"API_KEY"`
	OriginPostal string        `json:"originPostal" envconfig:"ORIGIN_POSTAL"`
	Timeout      time.Duration `json:"timeout" envconfig:"TIMEOUT"`
}

// ---------------------------------------------------------------------------
// Handoff – human escalation
// ---------------------------------------------------------------------------

// HandoffConfig configures where human-handoff alerts go.
type HandoffConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig configures the Slack notifier.
type SlackConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Token   string `json:"token" envconfig:"TOKEN"`
	Channel string `json:"channel" envconfig:"CHANNEL"`
	APIURL  string `json:"apiUrl,omitempty" envconfig:"API_URL"`
}

// ---------------------------------------------------------------------------
// Kafka – intake and exchange mirroring
// ---------------------------------------------------------------------------

// KafkaConfig configures the optional Kafka intake and exchange mirror.
type KafkaConfig struct {
	Enabled       bool     `json:"enabled" envconfig:"ENABLED"`
	Brokers       []string `json:"brokers" envconfig:"BROKERS"`
	GroupID       string   `json:"groupId" envconfig:"GROUP_ID"`
	IntakeTopic   string   `json:"intakeTopic" envconfig:"INTAKE_TOPIC"`
	ExchangeTopic string   `json:"exchangeTopic" envconfig:"EXCHANGE_TOPIC"`
	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512. Empty disables SASL.
	SASLMechanism string `json:"saslMechanism,omitempty" envconfig:"SASL_MECHANISM"`
	Username      string `json:"username,omitempty" envconfig:"USERNAME"`
	Password      string `json:"password,omitempty" envconfig:"PASSWORD"`
	TLS           bool   `json:"tls,omitempty" envconfig:"TLS"`
	CAFile        string `json:"caFile,omitempty" envconfig:"CA_FILE"`
}

// ---------------------------------------------------------------------------
// Followups – scheduled proactive messages
// ---------------------------------------------------------------------------

// FollowupsConfig configures the follow-up worker.
type FollowupsConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"MAX_CONCURRENT"`
	BatchSize     int           `json:"batchSize" envconfig:"BATCH_SIZE"`
	MaxAttempts   int           `json:"maxAttempts" envconfig:"MAX_ATTEMPTS"`
	// SendWindow is a cron expression; follow-ups only go out on ticks it
	// matches. Empty means any time.
	SendWindow string `json:"sendWindow" envconfig:"SEND_WINDOW"`
	TimeZone   string `json:"timeZone" envconfig:"TIMEZONE"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP server networking
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host      string `json:"host" envconfig:"HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // "text" or "json"
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "~/SalesClaw-Workspace",
			DataDir:   "~/.salesclaw",
		},
		Model: ModelConfig{
			Name:              "gpt-4o-mini",
			MaxTokens:         1024,
			Temperature:       0.4,
			MaxToolIterations: 5,
			RunTimeout:        90 * time.Second,
		},
		Agent: AgentConfig{
			MaxHistory: 20,
		},
		Buffer: BufferConfig{
			QuietPeriod:  3 * time.Second,
			MaxFragments: 10,
			MaxAge:       30 * time.Second,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				IgnoreReactions: true,
				MaxLength:       1000,
				StartSilent:     true,
			},
			Presale: PresaleConfig{
				Path:      "/presale/answer",
				MaxLength: 2000,
			},
		},
		Dispatch: DispatchConfig{
			PartDelay:     1500 * time.Millisecond,
			TypingPerChar: 30 * time.Millisecond,
			MinTyping:     time.Second,
			MaxTyping:     6 * time.Second,
			SendTimeout:   20 * time.Second,
			RatePerSecond: 5,
			Burst:         5,
		},
		Tools: ToolsConfig{
			Catalog: CatalogConfig{
				Currency: "BRL",
			},
			Shipping: ShippingConfig{
				Timeout: 8 * time.Second,
			},
		},
		Kafka: KafkaConfig{
			GroupID:       "salesclaw",
			IntakeTopic:   "salesclaw.inbound",
			ExchangeTopic: "salesclaw.exchanges",
		},
		Followups: FollowupsConfig{
			TickInterval:  time.Minute,
			MaxConcurrent: 3,
			BatchSize:     20,
			MaxAttempts:   3,
			SendWindow:    "* 8-19 * * MON-SAT",
			TimeZone:      "America/Sao_Paulo",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1", // Secure default
			Port: 18790,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
