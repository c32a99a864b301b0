// Package deploy implements the deployment step run before every worker
// generation: configured hooks first, then reconciliation of the
// environment's packages against what the source requires.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/turtacn/Phoenix/internal/config"
	"github.com/turtacn/Phoenix/internal/environment"
	"github.com/turtacn/Phoenix/internal/ipc"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/logger"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

// Status messages written to the deploy status file.
const (
	msgAllDone        = "All packages changes completed"
	msgCheckFailed    = "Checking required packages failed"
	msgInstallFailed  = "Some package installation(s) failed."
	msgRemoveFailed   = "Some package removal(s) failed."
	msgBothFailed     = "Some package installation(s) failed, and some package removal(s) failed."
	msgHookFailedTmpl = "Deploy hook %q failed"
)

// Deployer runs the deployment step.
type Deployer struct {
	Hooks    []protocol.Hook
	Packages protocol.PackagesConfig
	Mailbox  *ipc.Mailbox
	// Dir is the working directory for hooks and package commands.
	Dir string
	// Env is the base environment, usually os.Environ().
	Env []string
}

// Deploy runs the step in the given mode against env. The resulting status is
// also written to the mailbox. Only a failed hook is returned as a deployment
// error. A failed package listing and individual package failures are
// reported in the status and leave the worker to start anyway.
func (d *Deployer) Deploy(ctx context.Context, mode consts.DeployMode, env environment.Environment) (protocol.DeployStatus, error) {
	status := protocol.DeployStatus{
		Action:   action(mode),
		Packages: map[string]protocol.PackageStatus{},
	}
	if mode != consts.ModeInitialDeploy && mode != consts.ModeRedeploy {
		return status, perrors.New(perrors.ErrCodeDeployFailed, "Deploy", fmt.Sprintf("unknown deploy mode %q", mode), nil)
	}

	log := logger.Log.With("mode", string(mode), "env", env.Dir)
	log.Info("Deploy: starting")
	start := time.Now()

	// Hooks run in d.Dir, so the paths handed to them must not be relative.
	procEnv := append(env.Activate(d.Env),
		consts.EnvDeployMode+"="+string(mode),
		consts.EnvEnvDir+"="+absPath(env.Dir),
	)
	if d.Mailbox != nil {
		procEnv = append(procEnv, consts.EnvIPCDir+"="+absPath(d.Mailbox.Dir()))
	}

	for _, h := range d.Hooks {
		log.Info("Deploy: running hook", "name", h.Name)
		out, err := d.run(ctx, config.HookTimeout(h), env.Command(h.Command), procEnv)
		if err != nil {
			status.Message = fmt.Sprintf(msgHookFailedTmpl, h.Name)
			d.writeStatus(status)
			log.Error("Deploy: hook failed", "name", h.Name, "err", err, "output", out)
			return status, perrors.New(perrors.ErrCodeDeployFailed, "Deploy", status.Message, err)
		}
	}

	if err := d.syncPackages(ctx, env, procEnv, &status); err != nil {
		d.writeStatus(status)
		return status, err
	}

	d.writeStatus(status)
	log.Info("Deploy: finished", "success", status.Success, "message", status.Message, "duration", time.Since(start))
	return status, nil
}

func (d *Deployer) syncPackages(ctx context.Context, env environment.Environment, procEnv []string, status *protocol.DeployStatus) error {
	status.Success = true
	status.CheckPackageSuccess = true
	status.Message = msgAllDone
	if len(d.Packages.ListCommand) == 0 {
		return nil
	}

	var installed []string
	if d.Mailbox != nil {
		var err error
		if installed, err = d.Mailbox.InstalledPackages(); err != nil {
			return perrors.New(perrors.ErrCodeDeployFailed, "Deploy", "cannot read installed packages", err)
		}
	}

	out, err := d.run(ctx, 0, env.Command(d.Packages.ListCommand), procEnv)
	if err != nil {
		status.Success = false
		status.CheckPackageSuccess = false
		status.Message = msgCheckFailed
		logger.Log.Warn("Deploy: cannot list required packages", "err", err, "output", out)
		return nil
	}
	required := lines(out)

	var installFailed, removeFailed int
	for _, req := range required {
		if contains(installed, req) {
			continue
		}
		argv := env.Command(append(append([]string{}, d.Packages.InstallCommand...), req))
		if out, err := d.run(ctx, 0, argv, procEnv); err != nil {
			installFailed++
			status.Packages[req] = protocol.PackageStatus{Success: false, Action: "install", Message: out}
			continue
		}
		status.Packages[req] = protocol.PackageStatus{Success: true, Action: "install", Message: "Installed successfully"}
		installed = append(installed, req)
	}

	kept := make([]string, 0, len(installed))
	for _, inst := range installed {
		if contains(required, inst) {
			kept = append(kept, inst)
			continue
		}
		argv := env.Command(append(append([]string{}, d.Packages.UninstallCommand...), inst))
		if out, err := d.run(ctx, 0, argv, procEnv); err != nil {
			removeFailed++
			status.Packages[inst] = protocol.PackageStatus{Success: false, Action: "uninstall", Message: out}
			kept = append(kept, inst)
			continue
		}
		status.Packages[inst] = protocol.PackageStatus{Success: true, Action: "uninstall", Message: "Uninstalled successfully"}
	}

	switch {
	case installFailed > 0 && removeFailed > 0:
		status.Success, status.Message = false, msgBothFailed
	case installFailed > 0:
		status.Success, status.Message = false, msgInstallFailed
	case removeFailed > 0:
		status.Success, status.Message = false, msgRemoveFailed
	}

	if d.Mailbox != nil {
		if err := d.Mailbox.SetInstalledPackages(kept); err != nil {
			return perrors.New(perrors.ErrCodeDeployFailed, "Deploy", "cannot record installed packages", err)
		}
	}
	return nil
}

func (d *Deployer) writeStatus(status protocol.DeployStatus) {
	if d.Mailbox == nil {
		return
	}
	if err := d.Mailbox.WriteStatus(status); err != nil {
		logger.Log.Warn("Deploy: cannot write status", "err", err)
	}
}

// run executes argv and returns its combined output.
func (d *Deployer) run(ctx context.Context, timeout time.Duration, argv []string, env []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = d.Dir
	cmd.Env = env
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return out.String(), err
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func action(mode consts.DeployMode) string {
	if mode == consts.ModeRedeploy {
		return "redeploy"
	}
	return "deploy"
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Personal.AI order the ending
