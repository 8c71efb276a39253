package replicator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bft-labs/replicator/plugins/dummy"
)

const eventually = 2 * time.Second

// testConfig returns a config with auto-recovery disabled and no delays.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoRecoveryDelay = 0
	cfg.AutoRecoveryResetInterval = time.Hour
	cfg.DefaultTimeout = eventually
	return cfg
}

// startController starts a controller over a dummy plugin and stops it at
// test cleanup.
func startController(t *testing.T, cfg Config, p *dummy.Plugin, opts ...Option) *Controller {
	t.Helper()
	if p == nil {
		p = dummy.New()
	}
	c, err := New(p, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), false))
	t.Cleanup(func() {
		if c.Running() {
			_ = c.Stop(context.Background())
		}
	})
	return c
}

func goOnline(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Online(context.Background(), nil))
	ok, err := c.WaitForState(context.Background(), StateOnline, eventually)
	require.NoError(t, err)
	require.True(t, ok, "state %s", c.State())
}

func requireState(t *testing.T, c *Controller, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		eventually, 5*time.Millisecond, "state is %s, want %s", c.State(), want)
}

type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) listen(from, to, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, from+" -> "+to)
}

func (l *transitionLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

func (l *transitionLog) Count(to string) int {
	n := 0
	for _, e := range l.Entries() {
		if strings.HasSuffix(e, " -> "+to) {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
