package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/turtacn/Phoenix/internal/deploy"
	"github.com/turtacn/Phoenix/internal/environment"
	"github.com/turtacn/Phoenix/internal/ipc"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
)

func newDeployCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <initial-deploy|redeploy> [ENV_DIR]",
		Short: "Run only the deployment step",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := consts.DeployMode(args[0])
			if mode != consts.ModeInitialDeploy && mode != consts.ModeRedeploy {
				return perrors.New(perrors.ErrCodeUsage, "Deploy", fmt.Sprintf("unknown subcommand '%s'", args[0]), nil)
			}

			cfg, err := root.load()
			if err != nil {
				return err
			}

			envPath := ""
			if len(args) == 2 {
				envPath = args[1]
			}
			env, err := environment.Resolver{}.Resolve(envPath)
			if err != nil {
				return err
			}

			mb := ipc.New(cfg.IPC.Dir)
			if err := os.MkdirAll(mb.Dir(), 0o755); err != nil {
				return perrors.New(perrors.ErrCodeIPC, "Deploy", "cannot create ipc directory", err)
			}

			if mode == consts.ModeRedeploy {
				fmt.Fprintln(cmd.OutOrStdout(), "Running redeploy...")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Running deploy...")
			}

			d := &deploy.Deployer{
				Hooks:    cfg.Deploy.Hooks,
				Packages: cfg.Deploy.Packages,
				Mailbox:  mb,
				Dir:      cfg.Worker.Dir,
				Env:      os.Environ(),
			}
			status, err := d.Deploy(cmd.Context(), mode, env)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.Message)
			return nil
		},
	}
}

// Personal.AI order the ending
