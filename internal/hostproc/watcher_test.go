//go:build !windows

package hostproc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/tabbridge/pkg/events"
)

func TestWatcherPublishesAvailabilityTransitions(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "host.sock")

	bus := events.NewBus()
	defer bus.Shutdown()

	available := make(chan events.Event, 1)
	unavailable := make(chan events.Event, 1)
	bus.Subscribe(events.HostAvailable, func(e events.Event) { available <- e })
	bus.Subscribe(events.HostUnavailable, func(e events.Event) { unavailable <- e })

	w, err := NewWatcher(sockPath, bus)
	require.NoError(t, err)
	defer w.Close()

	assert.False(t, w.Present())

	// A regular file stands in for the socket; fsnotify sees the same
	// create/remove events either way.
	require.NoError(t, os.WriteFile(sockPath, nil, 0644))

	select {
	case e := <-available:
		assert.Equal(t, sockPath, e.Data["path"])
	case <-time.After(2 * time.Second):
		t.Fatal("socket creation never published host.available")
	}
	assert.True(t, w.Present())

	require.NoError(t, os.Remove(sockPath))

	select {
	case <-unavailable:
	case <-time.After(2 * time.Second):
		t.Fatal("socket removal never published host.unavailable")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "host.sock")

	bus := events.NewBus()
	defer bus.Shutdown()

	published := make(chan events.Event, 1)
	bus.Subscribe(events.HostAvailable, func(e events.Event) { published <- e })

	w, err := NewWatcher(sockPath, bus)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), nil, 0644))

	select {
	case <-published:
		t.Fatal("unrelated file must not publish host.available")
	case <-time.After(100 * time.Millisecond):
	}
}
