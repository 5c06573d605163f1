package listener

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/XaF/omnienv/pkg/errors"
	"github.com/XaF/omnienv/pkg/logging"
	"github.com/XaF/omnienv/pkg/paths"
)

// EnvAskpassSocket names the unix socket a child process connects to
// when it needs a secret from the interactive user.
const EnvAskpassSocket = "OMNIENV_ASKPASS_SOCKET"

// askpassIOTimeout bounds each read/write on a relay connection so a
// stuck client cannot wedge the handler.
const askpassIOTimeout = 30 * time.Second

// PromptFunc asks the interactive user for a secret. It runs while
// progress output is paused.
type PromptFunc func(prompt string) (string, error)

// AskpassListener relays credential requests from a child process to
// the interactive user over a unix socket in an owner-only temporary
// directory. Protocol: the client writes one prompt line and reads
// one secret line back.
type AskpassListener struct {
	prompt PromptFunc
	logger zerolog.Logger

	mu   sync.Mutex
	dir  string
	sock net.Listener
}

// NewAskpassListener creates the relay with the given prompt callback.
func NewAskpassListener(prompt PromptFunc) *AskpassListener {
	return &AskpassListener{
		prompt: prompt,
		logger: logging.GetLogger("listener.askpass"),
	}
}

// Name implements Listener.
func (l *AskpassListener) Name() string { return "askpass" }

// PausesUI implements Listener; relaying a prompt needs the terminal.
func (l *AskpassListener) PausesUI() bool { return true }

// Env implements Listener.
func (l *AskpassListener) Env() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sock == nil {
		return nil
	}
	return []string{EnvAskpassSocket + "=" + l.sock.Addr().String()}
}

// Start creates the socket. The private directory and socket are torn
// down by Stop or when ctx is canceled.
func (l *AskpassListener) Start(ctx context.Context) error {
	dir, err := paths.PrivateTempDir("omnienv-askpass-")
	if err != nil {
		return err
	}

	sock, err := net.Listen("unix", filepath.Join(dir, "askpass.sock"))
	if err != nil {
		_ = os.RemoveAll(dir)
		return errors.Wrap(err, errors.ErrIO, "failed to create askpass socket")
	}

	l.mu.Lock()
	l.dir = dir
	l.sock = sock
	l.mu.Unlock()

	// Closing the socket unblocks any pending Accept.
	go func() {
		<-ctx.Done()
		_ = sock.Close()
	}()

	l.logger.Debug().Str("socket", sock.Addr().String()).Msg("Askpass relay ready")
	return nil
}

// Wait blocks until a client connects. The returned handler performs
// the whole exchange: read the prompt, ask the user, send the secret.
func (l *AskpassListener) Wait(ctx context.Context) (Handler, error) {
	l.mu.Lock()
	sock := l.sock
	l.mu.Unlock()
	if sock == nil {
		return nil, errors.New(errors.ErrListenerStopped, "askpass listener is not started")
	}

	conn, err := sock.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrListenerStopped, "askpass socket closed")
	}

	return func() error {
		return l.relay(conn)
	}, nil
}

// relay services one credential request on conn.
func (l *AskpassListener) relay(conn net.Conn) error {
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(askpassIOTimeout))

	request, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return errors.Wrap(err, errors.ErrIO, "failed to read askpass request")
	}
	request = strings.TrimRight(request, "\r\n")

	secret, err := l.prompt(request)
	if err != nil {
		return errors.Wrap(err, errors.ErrIO, "askpass prompt failed")
	}

	if _, err := conn.Write([]byte(secret + "\n")); err != nil {
		return errors.Wrap(err, errors.ErrIO, "failed to write askpass response")
	}

	l.logger.Debug().Str("prompt", request).Msg("Relayed credential request")
	return nil
}

// Stop implements Listener.
func (l *AskpassListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.sock != nil {
		if err := l.sock.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		l.sock = nil
	}
	if l.dir != "" {
		if err := os.RemoveAll(l.dir); err != nil {
			errs = append(errs, err)
		}
		l.dir = ""
	}
	return stderrors.Join(errs...)
}
