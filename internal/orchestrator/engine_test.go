package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/Phoenix/internal/config"
	"github.com/turtacn/Phoenix/internal/environment"
	"github.com/turtacn/Phoenix/internal/ipc"
	"github.com/turtacn/Phoenix/internal/supervisor"
	"github.com/turtacn/Phoenix/pkg/consts"
	perrors "github.com/turtacn/Phoenix/pkg/errors"
	"github.com/turtacn/Phoenix/pkg/protocol"
)

// fakeRunner plays a scripted worker: behave receives the 1-based launch
// number and returns the exit code. failStart makes a launch fail outright.
type fakeRunner struct {
	mu        sync.Mutex
	specs     []supervisor.Spec
	behave    func(n int, spec supervisor.Spec) (int, error)
	failStart map[int]error
	stops     int
}

func (f *fakeRunner) Start(spec supervisor.Spec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.failStart[len(f.specs)]
}

func (f *fakeRunner) Wait() (int, error) {
	f.mu.Lock()
	n := len(f.specs)
	spec := f.specs[n-1]
	f.mu.Unlock()
	return f.behave(n, spec)
}

func (f *fakeRunner) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRunner) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type fakeDeployer struct {
	modes []consts.DeployMode
	fail  map[consts.DeployMode]error
}

func (f *fakeDeployer) Deploy(_ context.Context, mode consts.DeployMode, _ environment.Environment) (protocol.DeployStatus, error) {
	f.modes = append(f.modes, mode)
	if err := f.fail[mode]; err != nil {
		return protocol.DeployStatus{}, err
	}
	return protocol.DeployStatus{Success: true}, nil
}

type fakeUpdater struct {
	calls int
	err   error
}

func (f *fakeUpdater) Update(context.Context) (string, error) {
	f.calls++
	return "", f.err
}

type harness struct {
	base     string
	cfg      *protocol.Config
	mailbox  *ipc.Mailbox
	runner   *fakeRunner
	deployer *fakeDeployer
	updater  *fakeUpdater
	sleeps   []time.Duration
}

func newHarness(t *testing.T, script ...string) *harness {
	t.Helper()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".venv", "bin"), 0o755))

	cfg := config.Default()
	cfg.IPC.Dir = filepath.Join(base, "ipc")
	cfg.Restart.Backoff = "30s"

	h := &harness{
		base:     base,
		cfg:      &cfg,
		mailbox:  ipc.New(cfg.IPC.Dir),
		deployer: &fakeDeployer{fail: map[consts.DeployMode]error{}},
		updater:  &fakeUpdater{},
	}
	h.runner = &fakeRunner{behave: h.scripted(t, script)}
	return h
}

// scripted returns a worker that, on launch n, leaves script[n-1] as its
// restart command ("" leaves nothing). Past the end of the script it quits.
func (h *harness) scripted(t *testing.T, script []string) func(int, supervisor.Spec) (int, error) {
	return func(n int, _ supervisor.Spec) (int, error) {
		cmd := "quit"
		if n <= len(script) {
			cmd = script[n-1]
		}
		if cmd == "" {
			return 1, nil
		}
		require.NoError(t, h.mailbox.PutCommand(protocol.Command(cmd), ""))
		return 0, nil
	}
}

func (h *harness) engine(envPath string, opts ...Option) *Engine {
	all := []Option{
		WithResolver(environment.Resolver{BaseDir: h.base}),
		WithRunner(h.runner),
		WithDeployer(h.deployer),
		WithUpdater(h.updater),
		WithSleeper(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	}
	return NewEngine(h.cfg, envPath, append(all, opts...)...)
}

func (h *harness) records(t *testing.T) []protocol.UncleanShutdown {
	recs, err := h.mailbox.UncleanRecords()
	require.NoError(t, err)
	return recs
}

func TestEngine_InitialState(t *testing.T) {
	h := newHarness(t)
	e := h.engine("")
	assert.Equal(t, consts.StateStarting, e.State())
}

func TestEngine_QuitStopsAfterOneLaunch(t *testing.T) {
	h := newHarness(t, "quit")
	e := h.engine("")

	require.NoError(t, e.Run(context.Background()))

	assert.Equal(t, consts.StateStopped, e.State())
	assert.Equal(t, 1, h.runner.launches())
	assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy}, h.deployer.modes)
	assert.Zero(t, h.updater.calls)
	assert.Empty(t, h.records(t))
}

func TestEngine_RedeployPullsAndDeploysOnce(t *testing.T) {
	h := newHarness(t, "redeploy", "quit")
	inner := h.runner.behave
	h.runner.behave = func(n int, spec supervisor.Spec) (int, error) {
		if n == 2 {
			_, err := os.Stat(h.mailbox.Path(consts.FileRestartCommand))
			assert.True(t, os.IsNotExist(err), "signal file must be deleted before relaunch")
			assert.Equal(t, 1, h.updater.calls)
		}
		return inner(n, spec)
	}

	require.NoError(t, h.engine("").Run(context.Background()))

	assert.Equal(t, 2, h.runner.launches())
	assert.Equal(t, 1, h.updater.calls)
	assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy, consts.ModeRedeploy}, h.deployer.modes)
	assert.Empty(t, h.sleeps)
}

func TestEngine_UncleanExitsRetryWithBackoff(t *testing.T) {
	const n = 4
	h := newHarness(t, "", "", "", "", "quit")

	require.NoError(t, h.engine("").Run(context.Background()))

	assert.Equal(t, n+1, h.runner.launches())
	require.Len(t, h.sleeps, n)
	for _, d := range h.sleeps {
		assert.Equal(t, 30*time.Second, d)
	}

	recs := h.records(t)
	require.Len(t, recs, n)
	for i, r := range recs {
		assert.Equal(t, ReasonNoSignal, r.Reason)
		assert.Equal(t, i+1, r.Attempt)
		assert.Equal(t, 1, r.ExitCode)
		assert.NotEmpty(t, r.RunID)
	}
	assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy}, h.deployer.modes, "crashes never redeploy")
}

func TestEngine_MissingEnvironmentIsConfigurationError(t *testing.T) {
	h := newHarness(t, "quit")

	err := h.engine("does-not-exist").Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeConfigInvalid, perrors.CodeOf(err))
	assert.Equal(t, 1, perrors.ExitCode(err))
	assert.Zero(t, h.runner.launches())
	assert.Empty(t, h.deployer.modes)

	_, statErr := os.Stat(h.cfg.IPC.Dir)
	assert.True(t, os.IsNotExist(statErr), "no IPC side effects before the environment resolves")
}

func TestEngine_InitialDeployFailureIsFatal(t *testing.T) {
	h := newHarness(t, "quit")
	h.deployer.fail[consts.ModeInitialDeploy] = errors.New("pip exploded")

	e := h.engine("")
	err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeDeployFailed, perrors.CodeOf(err))
	assert.Equal(t, 2, perrors.ExitCode(err))
	assert.Equal(t, consts.StateFailed, e.State())
	assert.Zero(t, h.runner.launches())
}

func TestEngine_RedeployFailureIsFatal(t *testing.T) {
	h := newHarness(t, "redeploy", "quit")
	h.deployer.fail[consts.ModeRedeploy] = perrors.New(perrors.ErrCodeDeployFailed, "Deploy", "hook failed", nil)

	err := h.engine("").Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeDeployFailed, perrors.CodeOf(err))
	assert.Equal(t, 1, h.runner.launches(), "no relaunch after a failed redeploy")
	assert.Empty(t, h.sleeps)
}

func TestEngine_SourceUpdateFailure(t *testing.T) {
	t.Run("best effort", func(t *testing.T) {
		h := newHarness(t, "redeploy", "quit")
		h.updater.err = perrors.New(perrors.ErrCodeSourceUpdate, "UpdateSource", "offline", nil)

		require.NoError(t, h.engine("").Run(context.Background()))
		assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy, consts.ModeRedeploy}, h.deployer.modes)
		assert.Equal(t, 2, h.runner.launches())
	})

	t.Run("required", func(t *testing.T) {
		h := newHarness(t, "redeploy", "quit")
		h.cfg.Source.Required = true
		h.updater.err = perrors.New(perrors.ErrCodeSourceUpdate, "UpdateSource", "offline", nil)

		err := h.engine("").Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, perrors.ErrCodeSourceUpdate, perrors.CodeOf(err))
		assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy}, h.deployer.modes)
	})
}

func TestEngine_UnrecognizedSignal(t *testing.T) {
	t.Run("retry policy treats it as unclean", func(t *testing.T) {
		h := newHarness(t, "restart", "quit")

		require.NoError(t, h.engine("").Run(context.Background()))

		assert.Equal(t, 2, h.runner.launches())
		assert.Len(t, h.sleeps, 1)
		recs := h.records(t)
		require.Len(t, recs, 1)
		assert.Contains(t, recs[0].Reason, `"restart"`)
		assert.Zero(t, h.updater.calls)
	})

	t.Run("relaunch policy relaunches without pull or deploy", func(t *testing.T) {
		h := newHarness(t, "restart", "quit")
		h.cfg.Restart.Unrecognized = protocol.UnrecognizedRelaunch

		require.NoError(t, h.engine("").Run(context.Background()))

		assert.Equal(t, 2, h.runner.launches())
		assert.Empty(t, h.sleeps)
		assert.Empty(t, h.records(t))
		assert.Zero(t, h.updater.calls)
		assert.Equal(t, []consts.DeployMode{consts.ModeInitialDeploy}, h.deployer.modes)
	})
}

func TestEngine_MaxRetriesCeiling(t *testing.T) {
	h := newHarness(t)
	h.cfg.Restart.MaxRetries = 2
	h.runner.behave = func(int, supervisor.Spec) (int, error) { return 1, nil }

	err := h.engine("").Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeRetriesExhausted, perrors.CodeOf(err))
	assert.Equal(t, 3, perrors.ExitCode(err))
	assert.Equal(t, 3, h.runner.launches())
	assert.Len(t, h.records(t), 3)
	assert.Len(t, h.sleeps, 2)
}

func TestEngine_RedeployResetsRetryCounter(t *testing.T) {
	h := newHarness(t, "", "redeploy", "", "quit")
	h.cfg.Restart.MaxRetries = 1

	require.NoError(t, h.engine("").Run(context.Background()))
	assert.Equal(t, 4, h.runner.launches())

	recs := h.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 1, recs[1].Attempt)
}

func TestEngine_StaleSignalsClearedAtStartup(t *testing.T) {
	h := newHarness(t, "", "quit")
	require.NoError(t, h.mailbox.PutCommand(protocol.CommandQuit, "stale"))
	require.NoError(t, h.mailbox.AppendUnclean(protocol.UncleanShutdown{Reason: "old"}))

	require.NoError(t, h.engine("").Run(context.Background()))

	assert.Equal(t, 2, h.runner.launches(), "a stale quit must not stop the first worker")
	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonNoSignal, recs[0].Reason)
}

func TestEngine_WorkerEnvironment(t *testing.T) {
	h := newHarness(t, "", "quit")
	h.cfg.Worker.Env = []string{"BOT_TOKEN=secret"}
	h.cfg.Worker.Dir = h.base

	require.NoError(t, h.engine("", WithBaseEnv([]string{"PATH=/bin"})).Run(context.Background()))

	require.Len(t, h.runner.specs, 2)
	first, second := h.runner.specs[0], h.runner.specs[1]

	assert.Equal(t, h.base, first.Dir)
	assert.Contains(t, first.Env, "BOT_TOKEN=secret")
	assert.Contains(t, first.Env, consts.EnvIPCDir+"="+h.cfg.IPC.Dir)
	assert.Contains(t, first.Env, consts.EnvVirtualEnv+"="+filepath.Join(h.base, ".venv"))
	assert.Contains(t, first.Env, "PATH="+filepath.Join(h.base, ".venv", "bin")+string(os.PathListSeparator)+"/bin")

	runID := func(env []string) string {
		for _, kv := range env {
			if strings.HasPrefix(kv, consts.EnvRunID+"=") {
				return kv
			}
		}
		return ""
	}
	assert.NotEmpty(t, runID(first.Env))
	assert.NotEqual(t, runID(first.Env), runID(second.Env))
}

func TestEngine_LaunchFailureIsRetried(t *testing.T) {
	h := newHarness(t, "", "quit")
	h.runner.failStart = map[int]error{1: errors.New("exec: no such file")}
	inner := h.runner.behave
	h.runner.behave = func(n int, spec supervisor.Spec) (int, error) {
		require.NotEqual(t, 1, n, "a failed launch is never waited on")
		return inner(n, spec)
	}

	require.NoError(t, h.engine("").Run(context.Background()))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Reason, "could not be started")
	assert.Equal(t, -1, recs[0].ExitCode)
}

// lateRunner models a worker whose launch races a termination signal: Stop
// calls that arrive before Start has returned find nothing to signal.
type lateRunner struct {
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	early    chan struct{}
	stopped  chan struct{}
	once     sync.Once
	signaled bool
}

func newLateRunner(cancel context.CancelFunc) *lateRunner {
	return &lateRunner{cancel: cancel, early: make(chan struct{}, 1), stopped: make(chan struct{})}
}

func (r *lateRunner) Start(supervisor.Spec) error {
	r.cancel()
	select {
	case <-r.early:
	case <-time.After(time.Second):
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *lateRunner) Wait() (int, error) {
	select {
	case <-r.stopped:
		return -1, nil
	case <-time.After(5 * time.Second):
		return 0, nil
	}
}

func (r *lateRunner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		select {
		case r.early <- struct{}{}:
		default:
		}
		return nil
	}
	r.signaled = true
	r.once.Do(func() { close(r.stopped) })
	return nil
}

func TestEngine_CancelDuringLaunchStopsWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := newLateRunner(cancel)

	start := time.Now()
	err := h.engine("", WithRunner(runner)).Run(ctx)
	require.Error(t, err)
	assert.Equal(t, perrors.ErrCodeInterrupted, perrors.CodeOf(err))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.True(t, runner.signaled, "worker started after the signal must still be stopped")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestEngine_CancelEndsLoop(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.runner.behave = func(int, supervisor.Spec) (int, error) {
		cancel()
		return 1, nil
	}

	e := h.engine("", WithSleeper(sleepCtx))
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, perrors.ErrCodeInterrupted, perrors.CodeOf(err))
		assert.Equal(t, 130, perrors.ExitCode(err))
		assert.Equal(t, 1, h.runner.launches())
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func TestEngine_EndToEndWithRealWorker(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".venv", "bin"), 0o755))

	cfg := config.Default()
	cfg.IPC.Dir = filepath.Join(base, "ipc")
	cfg.Worker.Command = []string{"/bin/sh", "-c", `printf quit > "$PHOENIX_IPC_DIR/restart-command"`}
	cfg.Deploy.Packages = protocol.PackagesConfig{}

	e := NewEngine(&cfg, filepath.Join(base, ".venv"))
	require.NoError(t, e.Run(context.Background()))

	_, err := os.Stat(filepath.Join(cfg.IPC.Dir, consts.FileUncleanShutdown))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.IPC.Dir, consts.FileRestartCommand))
	assert.True(t, os.IsNotExist(err))

	status, err := ipc.New(cfg.IPC.Dir).ReadStatus()
	require.NoError(t, err)
	assert.Equal(t, "deploy", status.Action)
}
