package listener

import (
	"bufio"
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/logging"
	"github.com/XaF/omnienv/pkg/paths"
)

// EnvLogPipe names the FIFO a child process writes one-way log lines
// to. Unlike the askpass relay this channel never needs a response.
const EnvLogPipe = "OMNIENV_LOG_PIPE"

// LogPipeListener captures log lines written by a child process into
// a named pipe, forwarding each line to a callback. It does not pause
// progress output; log capture is invisible to the user.
type LogPipeListener struct {
	onLine func(string)
	logger zerolog.Logger

	mu    sync.Mutex
	dir   string
	path  string
	pipe  *os.File
	lines chan string
}

// NewLogPipeListener creates the pipe listener with a per-line
// callback.
func NewLogPipeListener(onLine func(string)) *LogPipeListener {
	return &LogPipeListener{
		onLine: onLine,
		logger: logging.GetLogger("listener.logpipe"),
	}
}

// Name implements Listener.
func (l *LogPipeListener) Name() string { return "logpipe" }

// PausesUI implements Listener.
func (l *LogPipeListener) PausesUI() bool { return false }

// Env implements Listener.
func (l *LogPipeListener) Env() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	return []string{EnvLogPipe + "=" + l.path}
}

// Start creates the FIFO in an owner-only temporary directory and
// begins reading it.
func (l *LogPipeListener) Start(ctx context.Context) error {
	dir, err := paths.PrivateTempDir("omnienv-logpipe-")
	if err != nil {
		return err
	}

	path := filepath.Join(dir, "log.pipe")
	if err := unix.Mkfifo(path, 0600); err != nil {
		_ = os.RemoveAll(dir)
		return errors.Wrap(err, errors.ErrIO, "failed to create log pipe")
	}

	// O_RDWR keeps a write end open on our side, so the open does not
	// block waiting for the child and the reader never sees EOF while
	// the pipe is alive.
	pipe, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		_ = os.RemoveAll(dir)
		return errors.Wrap(err, errors.ErrIO, "failed to open log pipe")
	}

	lines := make(chan string)

	l.mu.Lock()
	l.dir = dir
	l.path = path
	l.pipe = pipe
	l.lines = lines
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = pipe.Close()
	}()

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pipe)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	l.logger.Debug().Str("pipe", path).Msg("Log pipe ready")
	return nil
}

// Wait blocks until the child writes a complete line.
func (l *LogPipeListener) Wait(ctx context.Context) (Handler, error) {
	l.mu.Lock()
	lines := l.lines
	l.mu.Unlock()
	if lines == nil {
		return nil, errors.New(errors.ErrListenerStopped, "log pipe listener is not started")
	}

	select {
	case line, ok := <-lines:
		if !ok {
			return nil, errors.New(errors.ErrListenerStopped, "log pipe closed")
		}
		return func() error {
			l.onLine(line)
			return nil
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop implements Listener.
func (l *LogPipeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.pipe != nil {
		if err := l.pipe.Close(); err != nil && !stderrors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
		l.pipe = nil
	}
	if l.dir != "" {
		if err := os.RemoveAll(l.dir); err != nil {
			errs = append(errs, err)
		}
		l.dir = ""
	}
	l.lines = nil
	return stderrors.Join(errs...)
}
