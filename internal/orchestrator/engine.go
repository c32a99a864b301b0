package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/Phoenix/internal/config"
	"github.com/turtacn/Phoenix/internal/deploy"
	"github.com/turtacn/Phoenix/internal/environment"
	"github.com/turtacn/Phoenix/internal/ipc"
	"github.com/turtacn/Phoenix/internal/monitor"
	"github.com/turtacn/Phoenix/internal/source"
	"github.com/turtacn/Phoenix/internal/supervisor"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/fsm"
	"github.com/turtacn/Phoenix/pkg/logger"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

// ReasonNoSignal is recorded when the worker exits without a restart command.
const ReasonNoSignal = "worker exited without leaving a command signal"

// Resolver locates the runtime environment.
type Resolver interface {
	Resolve(explicit string) (environment.Environment, error)
}

// Deployer runs the deployment step.
type Deployer interface {
	Deploy(ctx context.Context, mode consts.DeployMode, env environment.Environment) (protocol.DeployStatus, error)
}

// Updater pulls the latest source.
type Updater interface {
	Update(ctx context.Context) (string, error)
}

// Runner launches one worker at a time and waits for it to exit.
type Runner interface {
	Start(spec supervisor.Spec) error
	Wait() (int, error)
	Stop() error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Session is the supervisor context carried through every state of one
// supervisor lifetime.
type Session struct {
	ID  string
	Env environment.Environment
	// WorkerEnv holds KEY=VALUE pairs from the worker config and env file.
	WorkerEnv []string

	Epochs   int // completed deployment steps
	Launches int
	RunID    string
	LastExit int

	launchErr error
	reason    string
	// Failures counts unclean exits since the last clean redeploy.
	Failures int
	err      error
}

// Engine drives the supervisor control loop.
type Engine struct {
	cfg     *protocol.Config
	envPath string
	fsm     *fsm.StateMachine

	resolver Resolver
	mailbox  *ipc.Mailbox
	deployer Deployer
	updater  Updater
	runner   Runner
	sleep    Sleeper
	newID    func() string
	baseEnv  []string

	backoff time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

func WithResolver(r Resolver) Option { return func(e *Engine) { e.resolver = r } }
func WithDeployer(d Deployer) Option { return func(e *Engine) { e.deployer = d } }
func WithUpdater(u Updater) Option   { return func(e *Engine) { e.updater = u } }
func WithRunner(r Runner) Option     { return func(e *Engine) { e.runner = r } }
func WithSleeper(s Sleeper) Option   { return func(e *Engine) { e.sleep = s } }
func WithBaseEnv(env []string) Option {
	return func(e *Engine) { e.baseEnv = env }
}

// NewEngine builds an engine for cfg. envPath is the optional explicit
// environment directory.
func NewEngine(cfg *protocol.Config, envPath string, opts ...Option) *Engine {
	mb := ipc.New(cfg.IPC.Dir)
	base := os.Environ()

	e := &Engine{
		cfg:      cfg,
		envPath:  envPath,
		fsm:      fsm.New(fsm.State(consts.StateStarting)),
		resolver: environment.Resolver{},
		mailbox:  mb,
		updater: &source.Updater{
			Command: cfg.Source.Command,
			Dir:     cfg.Worker.Dir,
			Timeout: config.SourceTimeout(cfg),
		},
		runner:  supervisor.New(),
		sleep:   sleepCtx,
		newID:   uuid.NewString,
		baseEnv: base,
		backoff: config.Backoff(cfg),
	}
	for _, o := range opts {
		o(e)
	}
	if e.deployer == nil {
		e.deployer = &deploy.Deployer{
			Hooks:    cfg.Deploy.Hooks,
			Packages: cfg.Deploy.Packages,
			Mailbox:  mb,
			Dir:      cfg.Worker.Dir,
			Env:      e.baseEnv,
		}
	}
	e.setupFSM()
	return e
}

func (e *Engine) setupFSM() {
	s := func(st consts.LoopState) fsm.State { return fsm.State(st) }

	e.fsm.AddTransition(s(consts.StateStarting), s(consts.StateRunning), consts.EventDeployed)
	e.fsm.AddTransition(s(consts.StateRunning), s(consts.StateDeciding), consts.EventExited)

	// Decisions
	e.fsm.AddTransition(s(consts.StateDeciding), s(consts.StateRedeploying), consts.EventRedeploy)
	e.fsm.AddTransition(s(consts.StateDeciding), s(consts.StateStopped), consts.EventQuit)
	e.fsm.AddTransition(s(consts.StateDeciding), s(consts.StateFailedRetry), consts.EventUnclean)
	e.fsm.AddTransition(s(consts.StateDeciding), s(consts.StateRunning), consts.EventRelaunch)

	e.fsm.AddTransition(s(consts.StateRedeploying), s(consts.StateRunning), consts.EventRedeployed)
	e.fsm.AddTransition(s(consts.StateFailedRetry), s(consts.StateRunning), consts.EventRetry)

	// Fatal errors and interruption
	for _, from := range []consts.LoopState{consts.StateStarting, consts.StateRunning, consts.StateDeciding, consts.StateRedeploying, consts.StateFailedRetry} {
		e.fsm.AddTransition(s(from), s(consts.StateFailed), consts.EventFatal)
	}

	e.fsm.OnTransition(func(from, to fsm.State, event fsm.Event) {
		logger.Log.Debug("Loop: transition", "from", from, "to", to, "event", event)
		monitor.SetState(string(from), string(to))
	})
}

// State returns the current loop state.
func (e *Engine) State() consts.LoopState {
	return consts.LoopState(e.fsm.Current())
}

// Run executes the control loop until the worker asks to quit (nil error) or
// a fatal error occurs. Cancelling ctx forwards SIGTERM to the running worker
// and ends the loop once it has exited.
func (e *Engine) Run(ctx context.Context) error {
	sess := &Session{ID: e.newID()}
	log := logger.Log.With("session", sess.ID)
	monitor.SetState("", string(consts.StateStarting))

	stop := context.AfterFunc(ctx, func() {
		if err := e.runner.Stop(); err != nil {
			log.Warn("Loop: cannot stop worker", "err", err)
		}
	})
	defer stop()

	for {
		state := e.State()
		switch state {
		case consts.StateStopped:
			log.Info("Loop: stopped", "launches", sess.Launches)
			return nil
		case consts.StateFailed:
			log.Error("Loop: fatal error", "err", sess.err)
			return sess.err
		}

		if err := ctx.Err(); err != nil {
			sess.err = perrors.New(perrors.ErrCodeInterrupted, "Run", "supervisor interrupted", err)
			if ferr := e.fsm.Fire(consts.EventFatal); ferr != nil {
				return ferr
			}
			continue
		}

		var (
			event fsm.Event
			err   error
		)
		switch state {
		case consts.StateStarting:
			event, err = e.start(ctx, sess)
		case consts.StateRunning:
			event, err = e.runWorker(ctx, sess)
		case consts.StateDeciding:
			event, err = e.decide(sess)
		case consts.StateRedeploying:
			event, err = e.redeploy(ctx, sess)
		case consts.StateFailedRetry:
			event, err = e.retry(ctx, sess)
		default:
			return fmt.Errorf("unknown loop state %s", state)
		}

		if err != nil {
			sess.err = err
			event = consts.EventFatal
		}
		if ferr := e.fsm.Fire(event); ferr != nil {
			return ferr
		}
	}
}

// start resolves the environment, resets the mailbox and runs the initial
// deployment.
func (e *Engine) start(ctx context.Context, sess *Session) (fsm.Event, error) {
	env, err := e.resolver.Resolve(e.envPath)
	if err != nil {
		return "", err
	}
	sess.Env = env
	logger.Log.Info("Loop: environment resolved", "dir", env.Dir, "bin", env.BinDir)

	fileEnv, err := supervisor.LoadEnvFile(e.cfg.Worker.EnvFile)
	if err != nil {
		return "", err
	}
	sess.WorkerEnv = append(fileEnv, e.cfg.Worker.Env...)

	if err := e.mailbox.Reset(); err != nil {
		return "", err
	}

	if err := e.deploy(ctx, consts.ModeInitialDeploy, sess); err != nil {
		return "", err
	}
	return consts.EventDeployed, nil
}

// runWorker launches the worker and blocks until it exits. A launch failure
// is not fatal; it is judged like any other exit without a signal.
func (e *Engine) runWorker(ctx context.Context, sess *Session) (fsm.Event, error) {
	sess.Launches++
	sess.RunID = e.newID()
	monitor.WorkerLaunches.Inc()

	ipcDir, err := filepath.Abs(e.mailbox.Dir())
	if err != nil {
		ipcDir = e.mailbox.Dir()
	}

	env := sess.Env.Activate(e.baseEnv)
	env = append(env, sess.WorkerEnv...)
	env = append(env,
		consts.EnvIPCDir+"="+ipcDir,
		consts.EnvSessionID+"="+sess.ID,
		consts.EnvRunID+"="+sess.RunID,
	)

	err = e.runner.Start(supervisor.Spec{
		Command: sess.Env.Command(e.cfg.Worker.Command),
		Env:     env,
		Dir:     e.cfg.Worker.Dir,
	})
	if err != nil {
		sess.LastExit = -1
		sess.launchErr = err
		logger.Log.Warn("Loop: worker did not run", "run", sess.RunID, "err", err)
		return consts.EventExited, nil
	}

	// A cancellation that landed before Start found no worker to stop.
	if ctx.Err() != nil {
		if err := e.runner.Stop(); err != nil {
			logger.Log.Warn("Loop: cannot stop worker", "run", sess.RunID, "err", err)
		}
	}

	code, err := e.runner.Wait()
	sess.LastExit = code
	sess.launchErr = nil
	if err != nil {
		logger.Log.Warn("Loop: cannot wait for worker", "run", sess.RunID, "err", err)
	}
	logger.Log.Info("Loop: worker exited", "run", sess.RunID, "exit_code", code)
	return consts.EventExited, nil
}

// decide consumes the worker's restart command and picks the next state.
func (e *Engine) decide(sess *Session) (fsm.Event, error) {
	cmd, ok, err := e.mailbox.TakeCommand()
	if err != nil {
		return "", err
	}

	log := logger.Log.With("run", sess.RunID, "exit_code", sess.LastExit)
	switch {
	case !ok:
		sess.reason = ReasonNoSignal
		if sess.launchErr != nil {
			sess.reason = fmt.Sprintf("worker could not be started: %v", sess.launchErr)
		}
		monitor.WorkerExits.WithLabelValues("unclean").Inc()
		log.Warn("Loop: unclean worker exit",
			"err", perrors.New(perrors.ErrCodeWorkerUnclean, "Decide", sess.reason, sess.launchErr))
		return consts.EventUnclean, nil

	case cmd == protocol.CommandRedeploy:
		monitor.WorkerExits.WithLabelValues("redeploy").Inc()
		log.Info("Loop: worker requested redeploy")
		return consts.EventRedeploy, nil

	case cmd == protocol.CommandQuit:
		monitor.WorkerExits.WithLabelValues("quit").Inc()
		log.Info("Loop: worker requested quit")
		return consts.EventQuit, nil
	}

	monitor.WorkerExits.WithLabelValues("unrecognized").Inc()
	log.Warn("Loop: unrecognized restart command",
		"err", perrors.New(perrors.ErrCodeSignalUnrecognized, "Decide", fmt.Sprintf("content %q", cmd), nil),
		"policy", e.cfg.Restart.Unrecognized)

	if e.cfg.Restart.Unrecognized == protocol.UnrecognizedRelaunch {
		return consts.EventRelaunch, nil
	}
	sess.reason = fmt.Sprintf("worker left unrecognized command signal %q", string(cmd))
	return consts.EventUnclean, nil
}

// redeploy pulls the latest source and runs the redeploy step.
func (e *Engine) redeploy(ctx context.Context, sess *Session) (fsm.Event, error) {
	sess.Failures = 0
	monitor.ConsecutiveFailures.Set(0)

	if out, err := e.updater.Update(ctx); err != nil {
		monitor.SourceUpdateFailures.Inc()
		if e.cfg.Source.Required {
			return "", err
		}
		logger.Log.Warn("Loop: source update failed, deploying current tree", "err", err, "output", out)
	}

	if err := e.deploy(ctx, consts.ModeRedeploy, sess); err != nil {
		return "", err
	}
	return consts.EventRedeployed, nil
}

// retry records the unclean shutdown and backs off before relaunching.
func (e *Engine) retry(ctx context.Context, sess *Session) (fsm.Event, error) {
	sess.Failures++
	monitor.ConsecutiveFailures.Set(float64(sess.Failures))

	rec := protocol.UncleanShutdown{
		Reason:    sess.reason,
		Time:      time.Now().UTC(),
		SessionID: sess.ID,
		RunID:     sess.RunID,
		ExitCode:  sess.LastExit,
		Attempt:   sess.Failures,
	}
	if err := e.mailbox.AppendUnclean(rec); err != nil {
		logger.Log.Error("Loop: cannot record unclean shutdown", "err", err)
	}

	if limit := e.cfg.Restart.MaxRetries; limit > 0 && sess.Failures > limit {
		msg := fmt.Sprintf("worker exited uncleanly %d times in a row (max_retries=%d)", sess.Failures, limit)
		return "", perrors.New(perrors.ErrCodeRetriesExhausted, "Retry", msg, nil)
	}

	logger.Log.Warn("Loop: restarting worker after backoff",
		"reason", sess.reason, "backoff", e.backoff, "attempt", sess.Failures)
	if err := e.sleep(ctx, e.backoff); err != nil {
		return "", perrors.New(perrors.ErrCodeInterrupted, "Retry", "interrupted during backoff", err)
	}
	return consts.EventRetry, nil
}

func (e *Engine) deploy(ctx context.Context, mode consts.DeployMode, sess *Session) error {
	start := time.Now()
	_, err := e.deployer.Deploy(ctx, mode, sess.Env)
	monitor.DeployDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		monitor.Deploys.WithLabelValues(string(mode), "failure").Inc()
		if perrors.CodeOf(err) != perrors.ErrCodeDeployFailed {
			err = perrors.New(perrors.ErrCodeDeployFailed, "Deploy", string(mode)+" failed", err)
		}
		return err
	}
	monitor.Deploys.WithLabelValues(string(mode), "success").Inc()
	sess.Epochs++
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Personal.AI order the ending
