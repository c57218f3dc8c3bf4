package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/quinneden/virby-nix-darwin/internal/errs"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `{"cores":4,"memory":8192,"port":31222,"on-demand":true,"ttl":10}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cores != 4 || cfg.MemoryMiB != 8192 || cfg.Port != 31222 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if !cfg.OnDemand || cfg.TTLSeconds != 10 {
		t.Fatalf("unexpected on-demand/ttl: %+v", cfg)
	}
	if cfg.VfkitAPIPort() != 31223 {
		t.Fatalf("VfkitAPIPort() = %d, want 31223", cfg.VfkitAPIPort())
	}
	// Defaults applied.
	if cfg.IPDiscoveryTimeout != defaultIPDiscoveryTimeout || cfg.SSHReadyTimeout != defaultSSHReadyTimeout {
		t.Fatalf("unexpected defaulted timeouts: %+v", cfg)
	}
}

// B1: memory < 1024 or cores < 1 -> ConfigurationError.
func TestLoadRejectsInvalidCoresAndMemory(t *testing.T) {
	tests := []string{
		`{"cores":0,"memory":8192,"port":31222}`,
		`{"cores":4,"memory":512,"port":31222}`,
	}
	for _, contents := range tests {
		path := writeConfig(t, contents)
		_, err := Load(path)

		var cfgErr *errs.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("contents=%s: err = %v, want *errs.ConfigurationError", contents, err)
		}
	}
}

// B2: port outside 1024..65535 -> ConfigurationError.
func TestLoadRejectsInvalidPort(t *testing.T) {
	tests := []string{
		`{"cores":4,"memory":8192,"port":80}`,
		`{"cores":4,"memory":8192,"port":70000}`,
		`{"cores":4,"memory":8192}`,
	}
	for _, contents := range tests {
		path := writeConfig(t, contents)
		_, err := Load(path)

		var cfgErr *errs.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("contents=%s: err = %v, want *errs.ConfigurationError", contents, err)
		}
	}
}

// S5: {"cores":0,"memory":8192} -> ConfigurationError.
func TestLoadScenarioS5(t *testing.T) {
	path := writeConfig(t, `{"cores":0,"memory":8192}`)
	_, err := Load(path)

	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))

	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := Load(path)

	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestLoadSharedDirsMustExist(t *testing.T) {
	contents, _ := json.Marshal(map[string]any{
		"cores": 2, "memory": 4096, "port": 31222,
		"shared-dirs": map[string]string{"home": "/definitely/does/not/exist"},
	})
	path := writeConfig(t, string(contents))
	_, err := Load(path)

	var cfgErr *errs.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *errs.ConfigurationError", err)
	}
}

func TestLoadSharedDirsResolved(t *testing.T) {
	dir := t.TempDir()
	contents, _ := json.Marshal(map[string]any{
		"cores": 2, "memory": 4096, "port": 31222,
		"shared-dirs": map[string]string{"home": dir},
	})
	path := writeConfig(t, string(contents))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SharedDirs["home"] != dir {
		t.Fatalf("SharedDirs[home] = %q, want %q", cfg.SharedDirs["home"], dir)
	}
}

func TestWorkingDirectoryEnvOverride(t *testing.T) {
	t.Setenv(EnvWorkingDirectory, "/tmp/custom-virby")
	if got := WorkingDirectory(); got != "/tmp/custom-virby" {
		t.Fatalf("WorkingDirectory() = %q, want /tmp/custom-virby", got)
	}
}

func TestWorkingDirectoryDefault(t *testing.T) {
	t.Setenv(EnvWorkingDirectory, "")
	if got := WorkingDirectory(); got != DefaultWorkingDirectory {
		t.Fatalf("WorkingDirectory() = %q, want %q", got, DefaultWorkingDirectory)
	}
}
