package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener is a scriptable event source for manager tests.
type fakeListener struct {
	name    string
	pause   bool
	events  chan Handler
	stopErr error
	stopped atomic.Bool
	started atomic.Bool
}

func newFakeListener(name string) *fakeListener {
	return &fakeListener{name: name, events: make(chan Handler, 8)}
}

func (f *fakeListener) Name() string  { return f.name }
func (f *fakeListener) Env() []string { return []string{"FAKE_" + f.name + "=1"} }
func (f *fakeListener) PausesUI() bool {
	return f.pause
}

func (f *fakeListener) Start(ctx context.Context) error {
	f.started.Store(true)
	return nil
}

func (f *fakeListener) Wait(ctx context.Context) (Handler, error) {
	select {
	case h := <-f.events:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeListener) Stop() error {
	f.stopped.Store(true)
	return f.stopErr
}

func (f *fakeListener) fire(h Handler) { f.events <- h }

func TestManagerNextReturnsWhicheverIsReady(t *testing.T) {
	m := NewManager()
	l1 := newFakeListener("one")
	l2 := newFakeListener("two")
	l3 := newFakeListener("three")
	m.Add(l1)
	m.Add(l2)
	m.Add(l3)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	var handled atomic.Int32
	l2.fire(func() error { handled.Add(1); return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, ok := m.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Source, "listener 2 resolved first")
	require.NoError(t, ev.Handle())
	assert.Equal(t, int32(1), handled.Load())

	// Listener 2 was immediately re-armed: a second event on it is
	// delivered without listeners 1 and 3 ever resolving.
	l2.fire(func() error { handled.Add(1); return nil })
	ev, ok = m.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Source)
	require.NoError(t, ev.Handle())
	assert.Equal(t, int32(2), handled.Load())
}

func TestManagerEnvCombinesAllListeners(t *testing.T) {
	m := NewManager()
	m.Add(newFakeListener("a"))
	m.Add(newFakeListener("b"))

	assert.ElementsMatch(t, []string{"FAKE_a=1", "FAKE_b=1"}, m.Env())
}

func TestManagerNextHonorsCancellation(t *testing.T) {
	m := NewManager()
	m.Add(newFakeListener("quiet"))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := m.Next(ctx)
	assert.False(t, ok)
}

func TestManagerStopAggregatesFailuresButStopsEveryone(t *testing.T) {
	m := NewManager()
	l1 := newFakeListener("first")
	l1.stopErr = errors.New("first failed to stop")
	l2 := newFakeListener("second")
	l3 := newFakeListener("third")
	l3.stopErr = errors.New("third failed to stop")
	m.Add(l1)
	m.Add(l2)
	m.Add(l3)

	require.NoError(t, m.Start(context.Background()))

	err := m.Stop()
	require.Error(t, err)
	assert.ErrorContains(t, err, "first failed to stop")
	assert.ErrorContains(t, err, "third failed to stop")

	// Shutdown was not short-circuited by the first failure.
	assert.True(t, l1.stopped.Load())
	assert.True(t, l2.stopped.Load())
	assert.True(t, l3.stopped.Load())
}

func TestManagerPauseUIFlagFollowsListener(t *testing.T) {
	m := NewManager()
	pausing := newFakeListener("pausing")
	pausing.pause = true
	m.Add(pausing)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })

	pausing.fire(func() error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, ok := m.Next(ctx)
	require.True(t, ok)
	assert.True(t, ev.PauseUI)
}
