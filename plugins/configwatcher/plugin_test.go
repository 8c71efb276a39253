package configwatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bft-labs/replicator/internal/adapters/fs"
	"github.com/bft-labs/replicator/pkg/replicator"
	"github.com/bft-labs/replicator/plugins/dummy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeProps(t *testing.T, path, service string) {
	t.Helper()
	content := "[replicator]\nservice_name = \"" + service + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func startWatched(t *testing.T) (*replicator.Controller, *Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replicator.toml")
	writeProps(t, path, "east")

	w := New(Config{DebounceDelay: 20 * time.Millisecond, RetryInterval: 20 * time.Millisecond})
	cfg := replicator.DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	c, err := replicator.New(dummy.New(), cfg,
		replicator.WithPropertyStore(fs.NewPropertyStore(path, "")),
		w.Option(),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), false))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	require.Equal(t, "east", c.Config().ServiceName)
	return c, w, path
}

func TestWatcher_Name(t *testing.T) {
	require.Equal(t, "configwatcher", New(DefaultConfig()).Name())
}

func TestWatcher_ReloadsWhenOffline(t *testing.T) {
	c, w, path := startWatched(t)

	writeProps(t, path, "west")
	require.Eventually(t, func() bool {
		return c.Config().ServiceName == "west" && w.Reloads() > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.State() == replicator.StateOfflineNormal
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_DefersReloadWhileOnline(t *testing.T) {
	c, w, path := startWatched(t)
	ctx := context.Background()

	require.NoError(t, c.Online(ctx, nil))
	ok, err := c.WaitForState(ctx, replicator.StateOnline, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	writeProps(t, path, "west")
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, "east", c.Config().ServiceName)
	require.Zero(t, w.Reloads())

	require.NoError(t, c.Offline(ctx, nil))
	require.Eventually(t, func() bool {
		return c.Config().ServiceName == "west"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	_, w, path := startWatched(t)

	other := filepath.Join(filepath.Dir(path), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("hello"), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, w.Reloads())
}

func TestWatcher_DisabledWithoutPropertyFiles(t *testing.T) {
	w := New(DefaultConfig())
	c, err := replicator.New(dummy.New(), replicator.DefaultConfig(), w.Option())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), false))
	require.NoError(t, c.Stop(context.Background()))
	require.Zero(t, w.Reloads())
}
