package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/turtacn/Phoenix/internal/config"
	"github.com/turtacn/Phoenix/internal/monitor"
	"github.com/turtacn/Phoenix/internal/orchestrator"
	"github.com/turtacn/Phoenix/pkg/logger"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

type runOptions struct {
	ipcDir       string
	backoff      string
	maxRetries   int
	metricsAddr  string
	unrecognized string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [ENV_DIR]",
		Short: "Deploy and supervise the worker until it quits",
		Long: `Resolve the runtime environment (ENV_DIR, or ./venv, or ./.venv), clear the
IPC directory, run the initial deploy and then supervise the worker.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := config.Validate(cfg); err != nil {
				return err
			}

			envPath := ""
			if len(args) == 1 {
				envPath = args[0]
			}

			monitor.InitMetrics(cfg.Observability.MetricsAddr)
			logger.Log.Info("Booting Phoenix supervisor...", "worker", cfg.Worker.Command, "ipc", cfg.IPC.Dir)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return orchestrator.NewEngine(cfg, envPath).Run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ipcDir, "ipc-dir", "", "IPC directory (overrides ipc.dir)")
	f.StringVar(&opts.backoff, "backoff", "", "wait before relaunching after an unclean exit, e.g. 30s")
	f.IntVar(&opts.maxRetries, "max-retries", 0, "consecutive unclean exits allowed before giving up (0 = unbounded)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.unrecognized, "unrecognized", "", "policy for unknown restart commands (retry, relaunch)")
	return cmd
}

// apply copies explicitly set flags over the loaded config.
func (o *runOptions) apply(cmd *cobra.Command, cfg *protocol.Config) {
	f := cmd.Flags()
	if f.Changed("ipc-dir") {
		cfg.IPC.Dir = o.ipcDir
	}
	if f.Changed("backoff") {
		cfg.Restart.Backoff = o.backoff
	}
	if f.Changed("max-retries") {
		cfg.Restart.MaxRetries = o.maxRetries
	}
	if f.Changed("metrics-addr") {
		cfg.Observability.MetricsAddr = o.metricsAddr
	}
	if f.Changed("unrecognized") {
		cfg.Restart.Unrecognized = protocol.UnrecognizedPolicy(o.unrecognized)
	}
}

// Personal.AI order the ending
