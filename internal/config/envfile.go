package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileVar names an extra env file loaded before the default locations.
const EnvFileVar = "SALESCLAW_ENV_FILE"

// envFileCandidates lists env files in load order. The first file that
// sets a key wins, and the process environment beats all of them.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVar)); explicit != "" {
		out = append(out, explicit)
	}
	out = append(out, ".env")
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out,
			filepath.Join(home, ".salesclaw", ".env"),
			filepath.Join(home, ".config", "salesclaw", "env"),
		)
	}
	return out
}

// LoadEnvFileCandidates applies the env files that exist and returns their
// absolute paths. Variables already set in the process are kept.
func LoadEnvFileCandidates() []string {
	var loaded []string
	seen := map[string]bool{}
	for _, p := range envFileCandidates() {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		vars, err := readEnvFile(abs)
		if err != nil {
			continue
		}
		for k, v := range vars {
			if _, set := os.LookupEnv(k); !set {
				os.Setenv(k, v)
			}
		}
		loaded = append(loaded, abs)
	}
	return loaded
}

// readEnvFile parses KEY=VALUE lines. It accepts an "export " prefix,
// single or double quotes, and trailing " #" comments on unquoted values.
func readEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		vars[key] = envValue(strings.TrimSpace(val))
	}
	return vars, sc.Err()
}

func envValue(v string) string {
	if n := len(v); n >= 2 && (v[0] == '"' || v[0] == '\'') && v[n-1] == v[0] {
		return v[1 : n-1]
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}
