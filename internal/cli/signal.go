package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/turtacn/Phoenix/internal/ipc"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

func newSignalCmd(root *rootOptions) *cobra.Command {
	var ipcDir, reason string

	cmd := &cobra.Command{
		Use:   "signal <redeploy|quit>",
		Short: "Leave a restart command for the supervisor (run by the worker before it exits)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := protocol.Command(args[0])
			if !command.Known() {
				return perrors.New(perrors.ErrCodeUsage, "Signal", fmt.Sprintf("unknown command '%s'", args[0]), nil)
			}

			dir := ipcDir
			if dir == "" {
				dir = os.Getenv(consts.EnvIPCDir)
			}
			if dir == "" {
				cfg, err := root.load()
				if err != nil {
					return err
				}
				dir = cfg.IPC.Dir
			}

			return ipc.New(dir).PutCommand(command, reason)
		},
	}

	cmd.Flags().StringVar(&ipcDir, "ipc-dir", "", "IPC directory (defaults to $"+consts.EnvIPCDir+", then the config)")
	cmd.Flags().StringVar(&reason, "reason", "", "reason passed back to the worker after a redeploy")
	return cmd
}

// Personal.AI order the ending
