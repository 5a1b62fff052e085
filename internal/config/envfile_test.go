package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env")
	content := `
# comment
export SALESCLAW_MODEL_MODEL=gpt-4o
SALESCLAW_CHANNELS_WHATSAPP_ENABLED=true   # inline
QUOTED="Olá, tudo bem? # not a comment"
SINGLE='x y'
BROKEN LINE
=novalue
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	vars, err := readEnvFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]string{
		"SALESCLAW_MODEL_MODEL":               "gpt-4o",
		"SALESCLAW_CHANNELS_WHATSAPP_ENABLED": "true",
		"QUOTED":                              "Olá, tudo bem? # not a comment",
		"SINGLE":                              "x y",
	}
	if len(vars) != len(want) {
		t.Errorf("got %d vars, want %d: %v", len(vars), len(want), vars)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("%s = %q, want %q", k, vars[k], v)
		}
	}
}

func TestLoadEnvFileCandidatesKeepsProcessEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salesclaw.env")
	if err := os.WriteFile(path, []byte("SC_TEST_NEW=42\nSC_TEST_SET=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvFileVar, path)
	t.Setenv("SC_TEST_SET", "from-process")
	t.Setenv("SC_TEST_NEW", "")
	os.Unsetenv("SC_TEST_NEW")

	loaded := LoadEnvFileCandidates()
	t.Cleanup(func() { os.Unsetenv("SC_TEST_NEW") })

	if len(loaded) == 0 || loaded[0] != path {
		t.Errorf("expected %s to be reported as loaded, got %v", path, loaded)
	}
	if got := os.Getenv("SC_TEST_NEW"); got != "42" {
		t.Errorf("SC_TEST_NEW = %q, want 42", got)
	}
	if got := os.Getenv("SC_TEST_SET"); got != "from-process" {
		t.Errorf("process env must win, got %q", got)
	}
}
