package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/turtacn/Phoenix/internal/config"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/logger"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

// Version is set at build time via ldflags.
var Version = "dev"

type rootOptions struct {
	cfgFile   string
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "phoenix",
		Short: "Phoenix: worker supervisor with in-place redeploys",
		Long: `Phoenix runs a worker process to completion over and over. When the worker
exits it leaves a command in the IPC directory: "redeploy" pulls the latest
source and redeploys before relaunching, "quit" stops the supervisor. A worker
that exits without a command is recorded as an unclean shutdown and relaunched
after a backoff.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("phoenix version {{.Version}}\n")

	root.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", consts.DefaultConfigFile, "config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (json, text)")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newDeployCmd(opts))
	root.AddCommand(newSignalCmd(opts))
	return root
}

// load reads the config file and initialises the logger from it, letting
// the persistent flags override the file.
func (o *rootOptions) load() (*protocol.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Observability.LogFormat = o.logFormat
	}
	logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return cfg, nil
}

// run executes the command line in args and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "phoenix: %v\n", err)
	}
	return perrors.ExitCode(err)
}

// Execute runs the root command against os.Args and exits with its status.
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Personal.AI order the ending
