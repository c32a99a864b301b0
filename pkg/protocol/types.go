package protocol

import "time"

// Config represents the root supervisor configuration.
type Config struct {
	Version       string              `yaml:"version"`
	Worker        WorkerConfig        `yaml:"worker"`
	IPC           IPCConfig           `yaml:"ipc"`
	Restart       RestartConfig       `yaml:"restart"`
	Deploy        DeployConfig        `yaml:"deploy"`
	Source        SourceConfig        `yaml:"source"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type WorkerConfig struct {
	Command []string `yaml:"command"`  // Worker run command
	Dir     string   `yaml:"dir"`      // Working directory, defaults to the supervisor's
	Env     []string `yaml:"env"`      // Extra KEY=VALUE pairs
	EnvFile string   `yaml:"env_file"` // Optional dotenv file
}

type IPCConfig struct {
	Dir string `yaml:"dir"`
}

// UnrecognizedPolicy selects what happens when the restart command file holds
// something other than redeploy or quit.
type UnrecognizedPolicy string

const (
	UnrecognizedRetry    UnrecognizedPolicy = "retry"    // Treat as an unclean exit
	UnrecognizedRelaunch UnrecognizedPolicy = "relaunch" // Relaunch immediately, no pull or deploy
)

type RestartConfig struct {
	Backoff      string             `yaml:"backoff"`
	MaxRetries   int                `yaml:"max_retries"` // 0 = unbounded
	Unrecognized UnrecognizedPolicy `yaml:"unrecognized"`
}

type DeployConfig struct {
	Hooks    []Hook         `yaml:"hooks"`
	Packages PackagesConfig `yaml:"packages"`
}

type Hook struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

// PackagesConfig drives dependency reconciliation during deploys. An empty
// ListCommand disables it.
type PackagesConfig struct {
	ListCommand      []string `yaml:"list_command"`
	InstallCommand   []string `yaml:"install_command"`
	UninstallCommand []string `yaml:"uninstall_command"`
}

type SourceConfig struct {
	Command  []string `yaml:"command"`
	Timeout  string   `yaml:"timeout"`
	Required bool     `yaml:"required"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Command is the worker's completion message left in the restart command file.
type Command string

const (
	CommandRedeploy Command = "redeploy"
	CommandQuit     Command = "quit"
)

// Known reports whether c is one of the recognized commands.
func (c Command) Known() bool {
	return c == CommandRedeploy || c == CommandQuit
}

// UncleanShutdown is one line of the unclean-shutdown log.
type UncleanShutdown struct {
	Reason    string    `json:"reason"`
	Time      time.Time `json:"time"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Attempt   int       `json:"attempt"`
}

// DeployStatus is written to the status file after each deployment for the
// worker to report on.
type DeployStatus struct {
	Action              string                   `json:"action"` // "deploy" or "redeploy"
	Success             bool                     `json:"success"`
	Message             string                   `json:"message"`
	CheckPackageSuccess bool                     `json:"check_package_success"`
	Packages            map[string]PackageStatus `json:"packages"`
}

type PackageStatus struct {
	Success bool   `json:"success"`
	Action  string `json:"action"` // "install" or "uninstall"
	Message string `json:"message"`
}

// Personal.AI order the ending
