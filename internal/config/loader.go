package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SALESCLAW"
	// PathVar points at an explicit config file.
	PathVar = EnvPrefix + "_CONFIG"
	// HomeVar replaces the user home directory for every default path.
	HomeVar = EnvPrefix + "_HOME"

	configDir  = ".salesclaw"
	configFile = "config.json"
)

// ConfigPath returns the config file location. SALESCLAW_CONFIG wins,
// otherwise ~/.salesclaw/config.json under the resolved home.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(PathVar)); explicit != "" {
		return withHome(explicit)
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDir, configFile), nil
}

func homeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv(HomeVar)); h != "" {
		if rest, ok := strings.CutPrefix(h, "~"); ok {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, rest), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// withHome expands a leading "~" against the resolved home.
func withHome(p string) (string, error) {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok {
		return p, nil
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, rest), nil
}

// Load reads configuration with precedence env > file > defaults.
func Load() (*Config, error) {
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		// No resolvable home: defaults and env only.
		path = ""
	}
	return LoadFrom(path)
}

// LoadFrom reads the file at path over the defaults and applies env
// overrides. A missing file is not an error; an empty path skips the file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read %s: %w", path, err)
		default:
			if err := decodeFile(expandRefs(data), cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	for _, g := range envGroups(cfg) {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return nil, fmt.Errorf("env %s: %w", g.prefix, err)
		}
	}
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	for _, p := range []*string{&cfg.Paths.Workspace, &cfg.Paths.DataDir, &cfg.Tools.Catalog.Path} {
		if expanded, err := withHome(*p); err == nil {
			*p = expanded
		}
	}
	applyFloors(cfg)
	return cfg, nil
}

func decodeFile(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, cfg)
}

var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandRefs replaces ${NAME} with the JSON-escaped value of NAME. Unset
// names are left as written so a typo shows up in the loaded value.
func expandRefs(data []byte) []byte {
	return refPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(refPattern.FindSubmatch(m)[1])
		val, ok := os.LookupEnv(name)
		if !ok {
			return m
		}
		quoted, err := json.Marshal(val)
		if err != nil {
			return m
		}
		// Drop the surrounding quotes; the reference already sits in a string.
		return quoted[1 : len(quoted)-1]
	})
}

type envGroup struct {
	prefix string
	target any
}

// envGroups lists each config group with its environment prefix, e.g.
// SALESCLAW_BUFFER_QUIET_PERIOD.
func envGroups(cfg *Config) []envGroup {
	return []envGroup{
		{EnvPrefix + "_PATHS", &cfg.Paths},
		{EnvPrefix + "_MODEL", &cfg.Model},
		{EnvPrefix + "_OPENAI", &cfg.Providers.OpenAI},
		{EnvPrefix + "_AGENT", &cfg.Agent},
		{EnvPrefix + "_BUFFER", &cfg.Buffer},
		{EnvPrefix + "_CHANNELS_WHATSAPP", &cfg.Channels.WhatsApp},
		{EnvPrefix + "_CHANNELS_PRESALE", &cfg.Channels.Presale},
		{EnvPrefix + "_DISPATCH", &cfg.Dispatch},
		{EnvPrefix + "_TOOLS_CATALOG", &cfg.Tools.Catalog},
		{EnvPrefix + "_TOOLS_SHIPPING", &cfg.Tools.Shipping},
		{EnvPrefix + "_HANDOFF_SLACK", &cfg.Handoff.Slack},
		{EnvPrefix + "_KAFKA", &cfg.Kafka},
		{EnvPrefix + "_FOLLOWUPS", &cfg.Followups},
		{EnvPrefix + "_GATEWAY", &cfg.Gateway},
		{EnvPrefix + "_LOG", &cfg.Log},
	}
}

// applyFloors replaces zero or negative values that would disable a loop.
func applyFloors(cfg *Config) {
	def := DefaultConfig()
	floor := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	floor(&cfg.Model.MaxToolIterations, def.Model.MaxToolIterations)
	floor(&cfg.Buffer.MaxFragments, def.Buffer.MaxFragments)
	floor(&cfg.Followups.MaxConcurrent, def.Followups.MaxConcurrent)

	if cfg.Buffer.QuietPeriod <= 0 {
		cfg.Buffer.QuietPeriod = def.Buffer.QuietPeriod
	}
	if cfg.Buffer.MaxAge <= 0 {
		cfg.Buffer.MaxAge = def.Buffer.MaxAge
	}
	if cfg.Dispatch.SendTimeout <= 0 {
		cfg.Dispatch.SendTimeout = def.Dispatch.SendTimeout
	}
	if cfg.Followups.TickInterval <= 0 {
		cfg.Followups.TickInterval = def.Followups.TickInterval
	}
}

// EnsureDir creates path and its parents.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}
