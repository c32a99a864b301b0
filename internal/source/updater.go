// Package source pulls the latest worker source before a redeploy.
package source

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/logger"
)

// Updater runs the configured source update command, "git pull" by default.
type Updater struct {
	Command []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Update runs the update command and returns its combined output. An empty
// command is a no-op.
func (u *Updater) Update(ctx context.Context) (string, error) {
	if len(u.Command) == 0 {
		logger.Log.Debug("Source: no update command configured")
		return "", nil
	}

	if u.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, u.Command[0], u.Command[1:]...)
	cmd.Dir = u.Dir
	if u.Env != nil {
		cmd.Env = u.Env
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Log.Info("Source: pulling latest", "cmd", u.Command)
	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = ctx.Err()
		}
		return out.String(), perrors.New(perrors.ErrCodeSourceUpdate, "UpdateSource",
			strings.TrimSpace(lastLine(out.String())), err)
	}
	logger.Log.Info("Source: updated", "duration", time.Since(start))
	return out.String(), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	if s == "" {
		return "source update failed"
	}
	return s
}

// Personal.AI order the ending
