// Package config loads and validates the supervisor's JSON configuration
// file. The configuration is immutable after Load returns: nothing in this
// package mutates a *Config once it is handed back to the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/quinneden/virby-nix-darwin/internal/errs"
)

// Environment variable names recognised by the supervisor.
const (
	EnvConfigFile      = "VIRBY_VM_CONFIG_FILE"
	EnvWorkingDirectory = "VIRBY_WORKING_DIRECTORY"
)

// Config is the supervisor's validated, immutable configuration.
type Config struct {
	Cores      int
	MemoryMiB  int
	Debug      bool
	Port       int
	Rosetta    bool
	OnDemand   bool
	TTLSeconds int

	IPDiscoveryTimeout int
	SSHReadyTimeout    int
	PauseTimeout       int
	ResumeTimeout      int
	StopTimeout        int

	SharedDirs map[string]string
}

// VfkitAPIPort is vfkit's RESTful control-plane port, derived from the
// SSH listener port.
func (c *Config) VfkitAPIPort() int { return c.Port + 1 }

// rawConfig mirrors the on-disk JSON schema exactly, including its
// hyphenated field names.
type rawConfig struct {
	Cores   *int  `json:"cores"`
	Memory  *int  `json:"memory"`
	Debug   *bool `json:"debug"`
	Port    *int  `json:"port"`
	Rosetta *bool `json:"rosetta"`

	OnDemand *bool `json:"on-demand"`
	TTL      *int  `json:"ttl"`

	SharedDirs map[string]string `json:"shared-dirs"`

	IPDiscoveryTimeout *int `json:"ip_discovery_timeout"`
	SSHReadyTimeout    *int `json:"ssh_ready_timeout"`
	PauseTimeout       *int `json:"vm_pause_timeout"`
	ResumeTimeout      *int `json:"vm_resume_timeout"`
	StopTimeout        *int `json:"vm_stop_timeout"`
}

const (
	defaultTTLSeconds         = 10800
	defaultIPDiscoveryTimeout = 60
	defaultSSHReadyTimeout    = 30
	defaultOperationTimeout   = 30
)

// Load reads and validates the JSON configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NewConfigurationError("path", fmt.Errorf("configuration file not found: %s", path))
		}
		return nil, errs.NewConfigurationError("path", err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.NewConfigurationError("json", err)
	}
	logrus.WithField("path", path).Debug("config: loaded configuration file")

	return validate(&raw)
}

func validate(raw *rawConfig) (*Config, error) {
	cfg := &Config{
		TTLSeconds:         defaultTTLSeconds,
		IPDiscoveryTimeout: defaultIPDiscoveryTimeout,
		SSHReadyTimeout:    defaultSSHReadyTimeout,
		PauseTimeout:       defaultOperationTimeout,
		ResumeTimeout:      defaultOperationTimeout,
		StopTimeout:        defaultOperationTimeout,
		SharedDirs:         map[string]string{},
	}

	if raw.Cores == nil {
		return nil, errs.NewConfigurationError("cores", fmt.Errorf("required field missing"))
	}
	if *raw.Cores < 1 {
		return nil, errs.NewConfigurationError("cores", fmt.Errorf("%d: expected a positive integer", *raw.Cores))
	}
	cfg.Cores = *raw.Cores

	if raw.Memory == nil {
		return nil, errs.NewConfigurationError("memory", fmt.Errorf("required field missing"))
	}
	if *raw.Memory < 1024 {
		return nil, errs.NewConfigurationError("memory", fmt.Errorf("%d: expected at least 1024 MiB", *raw.Memory))
	}
	cfg.MemoryMiB = *raw.Memory

	if raw.Debug != nil {
		cfg.Debug = *raw.Debug
	}
	if raw.Rosetta != nil {
		cfg.Rosetta = *raw.Rosetta
	}
	if raw.OnDemand != nil {
		cfg.OnDemand = *raw.OnDemand
	}

	if raw.Port == nil {
		return nil, errs.NewConfigurationError("port", fmt.Errorf("required field missing"))
	}
	if *raw.Port < 1024 || *raw.Port > 65535 {
		return nil, errs.NewConfigurationError("port", fmt.Errorf("%d: expected an integer between 1024 and 65535", *raw.Port))
	}
	cfg.Port = *raw.Port

	if raw.TTL != nil {
		if *raw.TTL < 0 {
			return nil, errs.NewConfigurationError("ttl", fmt.Errorf("%d: expected a non-negative integer", *raw.TTL))
		}
		cfg.TTLSeconds = *raw.TTL
	}

	for name, valPtr := range map[string]*int{
		"ip_discovery_timeout": raw.IPDiscoveryTimeout,
		"ssh_ready_timeout":    raw.SSHReadyTimeout,
		"vm_pause_timeout":     raw.PauseTimeout,
		"vm_resume_timeout":    raw.ResumeTimeout,
		"vm_stop_timeout":      raw.StopTimeout,
	} {
		if valPtr == nil {
			continue
		}
		if *valPtr < 1 {
			return nil, errs.NewConfigurationError(name, fmt.Errorf("%d: expected an integer >= 1", *valPtr))
		}
		switch name {
		case "ip_discovery_timeout":
			cfg.IPDiscoveryTimeout = *valPtr
		case "ssh_ready_timeout":
			cfg.SSHReadyTimeout = *valPtr
		case "vm_pause_timeout":
			cfg.PauseTimeout = *valPtr
		case "vm_resume_timeout":
			cfg.ResumeTimeout = *valPtr
		case "vm_stop_timeout":
			cfg.StopTimeout = *valPtr
		}
	}

	for tag, path := range raw.SharedDirs {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errs.NewConfigurationError("shared-dirs", fmt.Errorf("%s: %w", tag, err))
		}
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return nil, errs.NewConfigurationError("shared-dirs", fmt.Errorf("%s: host path does not exist: %s", tag, abs))
		}
		cfg.SharedDirs[tag] = resolved
	}

	return cfg, nil
}

// WorkingDirectory resolves the supervisor's working directory from
// VIRBY_WORKING_DIRECTORY, falling back to the compiled-in default.
func WorkingDirectory() string {
	if v := os.Getenv(EnvWorkingDirectory); v != "" {
		return v
	}
	return DefaultWorkingDirectory
}
