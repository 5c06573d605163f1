package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/listener"
	"github.com/XaF/omnienv/pkg/logging"
)

// State is where a supervised invocation currently stands.
type State int

const (
	StateSpawned State = iota
	StateDraining
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateDraining:
		return "draining"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Supervisor runs external provisioning commands. It never retries;
// execution and timeout errors propagate to the caller, who decides
// whether to retry, skip, or abort.
type Supervisor struct {
	logger zerolog.Logger
}

// New creates a Supervisor.
func New() *Supervisor {
	return &Supervisor{logger: logging.GetLogger("runner.supervisor")}
}

// streamLine is one complete line read from the child, tagged with
// its stream. Ordering is preserved within a stream only. The eof
// marker carries the read error that ended the stream, if any.
type streamLine struct {
	text   string
	stderr bool
	eof    bool
	err    error
}

// captureBuffers collects the raw bytes of both streams, exactly as
// the child wrote them. Each buffer is written by a single drain
// goroutine and read only after supervise returns.
type captureBuffers struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Run executes the command with live progress reporting. Each line
// from stdout or stderr updates the handler as soon as it is read;
// the relay listeners configured in cfg are serviced concurrently.
// On failure the returned error carries the path of the combined log
// file mirroring the raw output.
func (s *Supervisor) Run(ctx context.Context, cfg RunConfig, handler ProgressHandler, name string, args ...string) error {
	err := s.supervise(ctx, cfg, name, args, func(line streamLine) {
		text := line.text
		if cfg.StripControlChars {
			text = stripControlChars(text)
		}
		if strings.TrimSpace(text) != "" {
			handler.Progress(text)
		}
	}, handler, nil)
	if err != nil {
		handler.ErrorWithMessage(err.Error())
		return err
	}
	handler.Success()
	return nil
}

// RunLines executes the command synchronously, forwarding complete
// lines to the given callbacks. Same idle-timeout semantics as Run,
// but no progress UI and no relay listeners.
func (s *Supervisor) RunLines(ctx context.Context, cfg RunConfig, onStdout, onStderr func(string), name string, args ...string) error {
	cfg.AskpassRelay = false
	cfg.LogPipe = false
	return s.supervise(ctx, cfg, name, args, func(line streamLine) {
		text := line.text
		if cfg.StripControlChars {
			text = stripControlChars(text)
		}
		if line.stderr {
			if onStderr != nil {
				onStderr(text)
			}
		} else if onStdout != nil {
			onStdout(text)
		}
	}, nil, nil)
}

// RunCaptured executes the command and returns the full stdout and
// stderr bytes, still timeout-aware and relay-aware. The streams are
// captured raw, so output without a trailing newline round-trips
// byte-exactly.
func (s *Supervisor) RunCaptured(ctx context.Context, cfg RunConfig, name string, args ...string) (stdout, stderr []byte, err error) {
	var capture captureBuffers
	err = s.supervise(ctx, cfg, name, args, func(streamLine) {}, nil, &capture)
	return capture.stdout.Bytes(), capture.stderr.Bytes(), err
}

// supervise is the shared core: spawn, drain both streams and the
// relay listeners concurrently, race everything against the idle
// timer, and reap the child on every exit path.
func (s *Supervisor) supervise(ctx context.Context, cfg RunConfig, name string, args []string, onLine func(streamLine), handler ProgressHandler, capture *captureBuffers) error {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	logFile, err := os.CreateTemp("", "omnienv-run-*.log")
	if err != nil {
		return errors.Wrap(err, errors.ErrIO, "failed to create combined log file")
	}
	logPath := logFile.Name()
	defer func() { _ = logFile.Close() }()

	manager := listener.NewManager()
	if cfg.AskpassRelay && cfg.Prompt != nil {
		manager.Add(listener.NewAskpassListener(cfg.Prompt))
	}
	if cfg.LogPipe {
		manager.Add(listener.NewLogPipeListener(func(line string) {
			fmt.Fprintln(logFile, line)
		}))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if manager.Len() > 0 {
		if err := manager.Start(runCtx); err != nil {
			return errors.Wrap(err, errors.ErrIO, "failed to start relay listeners")
		}
		defer func() {
			if err := manager.Stop(); err != nil {
				s.logger.Warn().Err(err).Msg("Relay listener shutdown reported errors")
			}
		}()
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, manager.Env()...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, errors.ErrSpawn, "failed to open stdout pipe")
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, errors.ErrSpawn, "failed to open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, errors.ErrSpawn, "failed to spawn %q", cmdline)
	}

	s.logger.Debug().Str("command", cmdline).Int("pid", cmd.Process.Pid).Msg("Spawned command")

	// Each stream gets its own drain goroutine so a stall on one never
	// blocks the other. Line order is preserved per stream; no order
	// is promised across streams.
	lines := make(chan streamLine)
	done := make(chan struct{})
	drains := 2
	drain := func(r io.Reader, isStderr bool) {
		// ReadString accumulates fragments, so a line of any length is
		// delivered whole and the pipe is always drained to EOF.
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			raw, readErr := br.ReadString('\n')
			if capture != nil && raw != "" {
				buf := &capture.stdout
				if isStderr {
					buf = &capture.stderr
				}
				buf.WriteString(raw)
			}
			if raw != "" {
				text := strings.TrimSuffix(strings.TrimSuffix(raw, "\n"), "\r")
				select {
				case lines <- streamLine{text: text, stderr: isStderr}:
				case <-done:
					return
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					readErr = nil
				}
				select {
				case lines <- streamLine{stderr: isStderr, eof: true, err: readErr}:
				case <-done:
				}
				return
			}
		}
	}
	go drain(stdoutPipe, false)
	go drain(stderrPipe, true)

	var idleCh <-chan time.Time
	var idleTimer *time.Timer
	if cfg.IdleTimeout > 0 {
		idleTimer = time.NewTimer(cfg.IdleTimeout)
		defer idleTimer.Stop()
		idleCh = idleTimer.C
	}
	resetIdle := func() {
		if idleTimer == nil {
			return
		}
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(cfg.IdleTimeout)
	}

	state := StateDraining
	timedOut := false
	canceled := false
	var readErr error
	ctxDone := ctx.Done()

	for drains > 0 {
		select {
		case line := <-lines:
			if line.eof {
				drains--
				if line.err != nil && readErr == nil {
					readErr = line.err
				}
				continue
			}
			resetIdle()
			fmt.Fprintln(logFile, line.text)
			onLine(line)

		case ev := <-manager.Events():
			if ev.PauseUI && handler != nil {
				handler.Hide()
			}
			if err := ev.Handle(); err != nil {
				s.logger.Warn().Int("listener", ev.Source).Err(err).Msg("Relay handler failed")
			}
			if ev.PauseUI && handler != nil {
				handler.Show()
			}

		case <-idleCh:
			timedOut = true
			idleCh = nil
			s.killChild(cmd, cmdline)

		case <-ctxDone:
			canceled = true
			ctxDone = nil
			s.killChild(cmd, cmdline)
			// Keep draining until the pipes close so the child can be
			// reaped below.
		}
	}
	close(done)

	// Both streams are closed, but the child may still be alive, e.g.
	// an installer that daemonized after closing its outputs. The idle
	// timer stays armed from the last read, so a silent straggler is
	// killed on the same window as one that kept its pipes open.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
reap:
	for {
		select {
		case waitErr = <-waitCh:
			break reap
		case ev := <-manager.Events():
			if ev.PauseUI && handler != nil {
				handler.Hide()
			}
			if err := ev.Handle(); err != nil {
				s.logger.Warn().Int("listener", ev.Source).Err(err).Msg("Relay handler failed")
			}
			if ev.PauseUI && handler != nil {
				handler.Show()
			}
		case <-idleCh:
			timedOut = true
			idleCh = nil
			s.killChild(cmd, cmdline)
		case <-ctxDone:
			canceled = true
			ctxDone = nil
			s.killChild(cmd, cmdline)
		}
	}

	switch {
	case timedOut:
		state = StateTimedOut
	case waitErr != nil || canceled || readErr != nil:
		state = StateFailed
	default:
		state = StateSucceeded
	}
	s.logger.Debug().Str("command", cmdline).Stringer("state", state).Msg("Command finished")

	if timedOut {
		return errors.Newf(errors.ErrTimeout, "command %q produced no output for %s", cmdline, cfg.IdleTimeout).
			WithDetail("command", cmdline).
			WithDetail("log", logPath)
	}
	if canceled {
		return errors.Wrapf(ctx.Err(), errors.ErrExecFailed, "command %q canceled", cmdline).
			WithDetail("command", cmdline).
			WithDetail("log", logPath)
	}
	if waitErr != nil {
		return errors.Wrapf(waitErr, errors.ErrExecFailed, "command %q failed; full output in %s", cmdline, logPath).
			WithDetail("command", cmdline).
			WithDetail("log", logPath)
	}
	if readErr != nil {
		return errors.Wrapf(readErr, errors.ErrIO, "failed reading output of %q", cmdline).
			WithDetail("command", cmdline).
			WithDetail("log", logPath)
	}

	_ = os.Remove(logPath)
	return nil
}

// killChild kills the child best-effort. A failed kill is not fatal;
// the outer error already dominates. Reaping happens in the caller's
// Wait on every exit path, so no zombies are left behind.
func (s *Supervisor) killChild(cmd *exec.Cmd, cmdline string) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil && !strings.Contains(err.Error(), "already finished") {
		s.logger.Warn().Str("command", cmdline).Err(err).Msg("Failed to kill child process")
	}
}
