// Package listener generalizes "wait on whichever of N independent
// asynchronous event sources is ready" for supervised child
// processes. Each listener can inject environment variables a child
// needs to reach it (socket paths, pipe paths) and produces one-shot
// handlers as events arrive. The IPC credential relay is just one
// listener among potentially several.
package listener

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/XaF/omnienv/pkg/logging"
)

// Handler is a one-shot closure servicing a single event.
type Handler func() error

// Listener is one independent asynchronous event source.
type Listener interface {
	// Name identifies the listener in logs and errors.
	Name() string

	// Env returns the environment variables a spawned child process
	// needs to reach this listener, as KEY=value pairs.
	Env() []string

	// Start makes the listener ready to produce events. Called once,
	// before the child process is spawned.
	Start(ctx context.Context) error

	// Wait blocks until the next event and returns its handler. It
	// returns an error when the listener is shut down or the context
	// is canceled.
	Wait(ctx context.Context) (Handler, error)

	// PausesUI reports whether servicing this listener's events
	// should pause visible progress output.
	PausesUI() bool

	// Stop shuts the listener down and releases its resources.
	Stop() error
}

// Event is one ready event from some listener.
type Event struct {
	// Source is the index of the listener that produced the event.
	Source int

	// Handle services the event. One-shot.
	Handle Handler

	// PauseUI mirrors the source listener's PausesUI.
	PauseUI bool
}

// Manager fans in an arbitrary set of listeners. After Start, every
// listener is being waited on; whenever one resolves, its event is
// delivered through Events or Next and a fresh wait is immediately
// re-armed for that listener, so a slow consumer of one source never
// leaves another unpolled.
type Manager struct {
	mu        sync.Mutex
	listeners []Listener
	started   bool

	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		events: make(chan Event),
		logger: logging.GetLogger("listener.manager"),
	}
}

// Add registers a listener. Must be called before Start.
func (m *Manager) Add(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Len returns the number of registered listeners.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Env returns the combined child environment of every listener.
func (m *Manager) Env() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var env []string
	for _, l := range m.listeners {
		env = append(env, l.Env()...)
	}
	return env
}

// Start begins polling every registered listener. If any listener
// fails to start, the ones already started are stopped again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("listener manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for i, l := range m.listeners {
		if err := l.Start(runCtx); err != nil {
			cancel()
			for _, started := range m.listeners[:i] {
				_ = started.Stop()
			}
			return err
		}
	}

	for i, l := range m.listeners {
		m.wg.Add(1)
		go m.pump(runCtx, i, l)
	}

	m.started = true
	return nil
}

// pump re-arms one listener forever: wait, deliver, wait again. The
// re-arm happens the moment the event is handed off, so handling one
// event never blocks the next wait on the same source.
func (m *Manager) pump(ctx context.Context, id int, l Listener) {
	defer m.wg.Done()
	for {
		handler, err := l.Wait(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Debug().Str("listener", l.Name()).Err(err).Msg("Listener wait ended")
			}
			return
		}

		select {
		case m.events <- Event{Source: id, Handle: handler, PauseUI: l.PausesUI()}:
		case <-ctx.Done():
			return
		}
	}
}

// Events exposes the fan-in channel for use in a select loop.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Next returns the next ready event from any listener, or ok=false
// when the context is canceled.
func (m *Manager) Next(ctx context.Context) (Event, bool) {
	select {
	case ev := <-m.events:
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// Stop cancels all outstanding waits and runs every listener's own
// shutdown routine. Individual failures are aggregated; every
// listener still gets its chance to shut down.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, l := range m.listeners {
		if err := l.Stop(); err != nil {
			m.logger.Warn().Str("listener", l.Name()).Err(err).Msg("Listener shutdown failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
