package consts

import "time"

// DeployMode is the mode token handed to the deployment step.
type DeployMode string

const (
	ModeInitialDeploy DeployMode = "initial-deploy" // First deployment of a supervisor lifetime
	ModeRedeploy      DeployMode = "redeploy"       // Deployment after a worker-requested redeploy
)

// LoopState is a state of the supervisor control loop.
type LoopState string

const (
	StateStarting    LoopState = "STARTING"     // Resolve env, reset IPC, initial deploy
	StateRunning     LoopState = "RUNNING"      // Worker launched, supervisor blocked on exit
	StateDeciding    LoopState = "DECIDING"     // Inspecting the restart command signal
	StateRedeploying LoopState = "REDEPLOYING"  // Pull latest source + redeploy
	StateFailedRetry LoopState = "FAILED_RETRY" // Unclean exit recorded, backing off
	StateStopped     LoopState = "STOPPED"      // Terminal, clean
	StateFailed      LoopState = "FAILED"       // Terminal, fatal error
)

// Loop events fired on the state machine.
const (
	EventDeployed   = "deployed"
	EventExited     = "exited"
	EventRedeploy   = "redeploy"
	EventRedeployed = "redeployed"
	EventQuit       = "quit"
	EventUnclean    = "unclean"
	EventRelaunch   = "relaunch"
	EventRetry      = "retry"
	EventFatal      = "fatal"
)

// IPC file names inside the IPC directory.
const (
	FileRestartCommand    = "restart-command"
	FileUncleanShutdown   = "unclean-shutdown"
	FileStatus            = "status"
	FileReason            = "reason"
	FileInstalledPackages = "installed-packages"
)

// Environment variables exported to the worker and deploy commands.
const (
	EnvVirtualEnv = "VIRTUAL_ENV"
	EnvIPCDir     = "PHOENIX_IPC_DIR"
	EnvSessionID  = "PHOENIX_SESSION_ID"
	EnvRunID      = "PHOENIX_RUN_ID"
	EnvDeployMode = "PHOENIX_DEPLOY_MODE"
	EnvEnvDir     = "PHOENIX_ENV_DIR"
)

// Defaults.
const (
	DefaultIPCDir        = "ipc"
	DefaultConfigFile    = "phoenix.yaml"
	DefaultBackoff       = 30 * time.Second
	DefaultHookTimeout   = 10 * time.Minute
	DefaultSourceTimeout = 5 * time.Minute
)

// EnvDirCandidates are tried in order when no environment path is given.
var EnvDirCandidates = []string{"venv", ".venv"}

// BinDirCandidates are tried in order inside the chosen environment.
var BinDirCandidates = []string{"bin", "Scripts"}

// Process exit codes.
const (
	ExitOK               = 0
	ExitConfig           = 1
	ExitDeploy           = 2
	ExitRetriesExhausted = 3
	ExitUsage            = 3
	ExitInterrupted      = 130
)

// Personal.AI order the ending
