// Package config loads the supervisor's YAML configuration, applies defaults
// and validates the result.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/protocol"
	"gopkg.in/yaml.v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Default returns a Config with the stock worker, deploy and source commands.
func Default() protocol.Config {
	return protocol.Config{
		Version: "1",
		Worker: protocol.WorkerConfig{
			Command: []string{"python", "-m", "masabot"},
		},
		IPC: protocol.IPCConfig{Dir: consts.DefaultIPCDir},
		Restart: protocol.RestartConfig{
			Backoff:      consts.DefaultBackoff.String(),
			Unrecognized: protocol.UnrecognizedRetry,
		},
		Deploy: protocol.DeployConfig{
			Packages: protocol.PackagesConfig{
				ListCommand:      []string{"python", "setup.py", "get_required_packages"},
				InstallCommand:   []string{"pip", "install"},
				UninstallCommand: []string{"pip", "uninstall", "-y"},
			},
		},
		Source: protocol.SourceConfig{
			Command: []string{"git", "pull"},
			Timeout: consts.DefaultSourceTimeout.String(),
		},
		Observability: protocol.ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load reads and parses the config file at path over Default(). A missing
// file yields the defaults.
func Load(path string) (*protocol.Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadConfig", "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "LoadConfig", "failed to parse config file", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg for values the supervisor cannot run with.
func Validate(cfg *protocol.Config) error {
	if err := validate(cfg); err != nil {
		return perrors.New(perrors.ErrCodeConfigInvalid, "ValidateConfig", "invalid configuration", err)
	}
	return nil
}

func validate(cfg *protocol.Config) error {
	if len(cfg.Worker.Command) == 0 {
		return ValidationError{Field: "worker.command", Message: "must not be empty"}
	}
	if cfg.IPC.Dir == "" {
		return ValidationError{Field: "ipc.dir", Message: "must not be empty"}
	}
	if _, err := parseDuration(cfg.Restart.Backoff); err != nil {
		return ValidationError{Field: "restart.backoff", Message: err.Error()}
	}
	if cfg.Restart.MaxRetries < 0 {
		return ValidationError{Field: "restart.max_retries", Message: "must be >= 0"}
	}
	switch cfg.Restart.Unrecognized {
	case "", protocol.UnrecognizedRetry, protocol.UnrecognizedRelaunch:
	default:
		return ValidationError{Field: "restart.unrecognized", Message: fmt.Sprintf("unknown policy %q", cfg.Restart.Unrecognized)}
	}
	for i, h := range cfg.Deploy.Hooks {
		if len(h.Command) == 0 {
			return ValidationError{Field: fmt.Sprintf("deploy.hooks[%d].command", i), Message: "must not be empty"}
		}
		if _, err := parseDuration(h.Timeout); err != nil {
			return ValidationError{Field: fmt.Sprintf("deploy.hooks[%d].timeout", i), Message: err.Error()}
		}
	}
	pkgs := cfg.Deploy.Packages
	if len(pkgs.ListCommand) > 0 && (len(pkgs.InstallCommand) == 0 || len(pkgs.UninstallCommand) == 0) {
		return ValidationError{Field: "deploy.packages", Message: "install_command and uninstall_command are required with list_command"}
	}
	if _, err := parseDuration(cfg.Source.Timeout); err != nil {
		return ValidationError{Field: "source.timeout", Message: err.Error()}
	}
	if cfg.Source.Required && len(cfg.Source.Command) == 0 {
		return ValidationError{Field: "source.command", Message: "required source update needs a command"}
	}
	return nil
}

// Backoff returns the configured restart backoff.
func Backoff(cfg *protocol.Config) time.Duration {
	d, err := parseDuration(cfg.Restart.Backoff)
	if err != nil || cfg.Restart.Backoff == "" {
		return consts.DefaultBackoff
	}
	return d
}

// HookTimeout returns the timeout for h, or the default when unset.
func HookTimeout(h protocol.Hook) time.Duration {
	d, err := parseDuration(h.Timeout)
	if err != nil || d == 0 {
		return consts.DefaultHookTimeout
	}
	return d
}

// SourceTimeout returns the timeout for the source update command.
func SourceTimeout(cfg *protocol.Config) time.Duration {
	d, err := parseDuration(cfg.Source.Timeout)
	if err != nil || d == 0 {
		return consts.DefaultSourceTimeout
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// Personal.AI order the ending
