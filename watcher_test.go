package ksymtab

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klogtools/ksymtab/util"
)

func TestWatcherCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules")
	w := NewWatcher(util.TestLogger(t), WatcherOptions{ModulesPath: path}, nil, func() {})

	// first check primes, even with the file missing
	changed, err := w.check()
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("mymod 16384 0 - Live 0xffffffffc0000000\n"), 0o600))
	changed, err = w.check()
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = w.check()
	require.NoError(t, err)
	require.False(t, changed)

	require.NoError(t, os.Remove(path))
	changed, err = w.check()
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = w.check()
	require.NoError(t, err)
	require.False(t, changed)
}

func TestWatcherNilCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules")
	w := NewWatcher(util.TestLogger(t), WatcherOptions{ModulesPath: path}, nil, nil)
	_, err := w.check()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("mymod 16384 0 - Live 0xffffffffc0000000\n"), 0o600))
	w.runCheck()

	changed, err := w.check()
	require.NoError(t, err)
	require.False(t, changed)
}

func TestWatcherRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules")
	require.NoError(t, os.WriteFile(path, []byte("mymod 16384 0 - Live 0xffffffffc0000000\n"), 0o600))

	fired := make(chan struct{}, 1)
	w := NewWatcher(util.TestLogger(t), WatcherOptions{
		ModulesPath:  path,
		PollInterval: 10 * time.Millisecond,
	}, nil, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	// prime, then change the list before the run loop starts
	_, err := w.check()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(
		"mymod 16384 0 - Live 0xffffffffc0000000\nother 8192 1 mymod, Live 0xffffffffc0100000\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("no change detected")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
