// Package launch starts the external validator process and supervises its
// lifecycle. The process runs detached in its own session: it survives the
// launching program so that a host supervisor, not this process, owns its
// restart behavior.
package launch

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/thep2p/go-validator-testnet/internal/config"
)

// DefaultInitTimeout bounds the wait for the init-complete marker.
const DefaultInitTimeout = 600 * time.Second

// oomScoreAdj is the kill priority written for launched validators. A
// negative score makes the OOM killer prefer other processes first.
const oomScoreAdj = -500

// JoinTimeoutError reports that a join-related wait (init marker, catchup)
// never observed its condition. It is a reported failure, not a crash; the
// external orchestrator may retry the whole join.
type JoinTimeoutError struct {
	What    string
	Timeout time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.What)
}

// Launcher owns the node process lifecycle for one node.
type Launcher struct {
	logger      zerolog.Logger
	cfg         config.Config
	policy      RestartPolicy
	initTimeout time.Duration

	// gpuAvailable is swappable for tests; the default checks for an
	// NVIDIA device node.
	gpuAvailable func() bool

	state  State
	handle Handle
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithInitTimeout overrides the bound on the init-complete wait.
func WithInitTimeout(d time.Duration) Option {
	return func(l *Launcher) { l.initTimeout = d }
}

// WithRestartPolicy sets the supervisor restart policy recorded at launch.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(l *Launcher) { l.policy = p }
}

// WithGPUProbe overrides GPU availability detection.
func WithGPUProbe(probe func() bool) Option {
	return func(l *Launcher) { l.gpuAvailable = probe }
}

// NewLauncher creates a Launcher for the given resolved config.
func NewLauncher(logger zerolog.Logger, cfg config.Config, opts ...Option) *Launcher {
	l := &Launcher{
		logger:       logger.With().Str("component", "node-launcher").Logger(),
		cfg:          cfg,
		policy:       RestartPolicy{OnHostRestart: true},
		initTimeout:  DefaultInitTimeout,
		gpuAvailable: defaultGPUProbe,
		state:        NotStarted,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the launcher's view of the process lifecycle.
func (l *Launcher) State() State {
	if l.state != Running {
		return l.state
	}
	alive, err := l.handle.Alive()
	if err != nil || alive {
		return Running
	}
	l.state = Crashed
	return l.state
}

// Handle returns the persisted handle of the launched process.
// Only valid after a successful Launch.
func (l *Launcher) Handle() Handle { return l.handle }

// Launch starts the external validator detached and records its handle and
// relaunch policy. A previous init marker is removed first so WaitForInit
// can never observe a marker from an earlier run.
func (l *Launcher) Launch(spec Spec) (Handle, error) {
	l.state = Launching

	args := spec.Args()
	env := os.Environ()

	// GPU negotiation is a soft failure: when a required GPU is absent the
	// failure flag is forwarded to the process, which decides for itself.
	if l.cfg.GPU.RequireGPU && !l.gpuAvailable() {
		l.logger.Warn().Msg("gpu required but not detected, forwarding failure flag to the node")
		env = append(env, "GPU_REQUIREMENT_UNMET=1")
	}

	if err := os.MkdirAll(l.cfg.LogDir(), 0o755); err != nil {
		l.state = Stopped
		return Handle{}, fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(l.cfg.RunDir(), 0o755); err != nil {
		l.state = Stopped
		return Handle{}, fmt.Errorf("create run dir: %w", err)
	}

	markerPath := spec.InitCompletePath()
	if err := os.Remove(markerPath); err != nil && !os.IsNotExist(err) {
		l.state = Stopped
		return Handle{}, fmt.Errorf("remove stale init marker: %w", err)
	}

	logPath := spec.LogPath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.state = Stopped
		return Handle{}, fmt.Errorf("open node log: %w", err)
	}
	defer func() {
		_ = logFile.Close()
	}()

	cmd := exec.Command(l.cfg.ValidatorBin, args...)
	cmd.Env = env
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own session: the node keeps running when the launching program dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	l.logger.Info().
		Str("bin", l.cfg.ValidatorBin).
		Strs("args", args).
		Str("log", logPath).
		Msg("launching validator")
	if err := cmd.Start(); err != nil {
		l.state = Stopped
		return Handle{}, fmt.Errorf("start %s: %w", l.cfg.ValidatorBin, err)
	}

	handle := Handle{
		PID:                    cmd.Process.Pid,
		InitCompleteMarkerPath: markerPath,
		LogPath:                logPath,
	}

	adjustOOMScore(l.logger, handle.PID)

	if err := handle.Write(l.cfg.RunDir()); err != nil {
		return Handle{}, err
	}
	record := RelaunchRecord{Command: l.cfg.ValidatorBin, Args: args, Policy: l.policy}
	if err := record.Write(l.cfg.RunDir()); err != nil {
		return Handle{}, err
	}

	// Detach: the child is no longer waited on by this process.
	if err := cmd.Process.Release(); err != nil {
		return Handle{}, fmt.Errorf("release process: %w", err)
	}

	l.handle = handle
	l.state = Running
	return handle, nil
}

// WaitForInit blocks until the init-complete marker appears, bounded by the
// configured timeout. A timeout is a reported JoinTimeoutError, not a crash;
// the node process is left running for the orchestrator to deal with.
func (l *Launcher) WaitForInit(ctx context.Context) error {
	deadline := time.Now().Add(l.initTimeout)
	for {
		if _, err := os.Stat(l.handle.InitCompleteMarkerPath); err == nil {
			l.logger.Info().Msg("node init complete")
			return nil
		}
		if time.Now().After(deadline) {
			return &JoinTimeoutError{What: "init-complete marker", Timeout: l.initTimeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Stop terminates the launched process and removes its handle.
func (l *Launcher) Stop() error {
	if l.state != Running {
		return nil
	}
	if err := l.handle.Terminate(); err != nil {
		return err
	}
	if err := RemoveHandle(l.cfg.RunDir()); err != nil {
		return err
	}
	l.state = Stopped
	return nil
}

// adjustOOMScore lowers the kill priority of the launched node, best
// effort. Losing a validator to the OOM killer tears the whole node down,
// so other processes should go first.
func adjustOOMScore(logger zerolog.Logger, pid int) {
	path := filepath.Join("/proc", strconv.Itoa(pid), "oom_score_adj")
	if err := os.WriteFile(path, []byte(strconv.Itoa(oomScoreAdj)), 0o644); err != nil {
		logger.Debug().Err(err).Msg("could not adjust oom score")
	}
}

// defaultGPUProbe reports whether an NVIDIA device node is present.
func defaultGPUProbe() bool {
	_, err := os.Stat("/dev/nvidia0")
	return err == nil
}
