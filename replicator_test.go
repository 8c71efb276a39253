package replicator_test

import (
	"context"
	"testing"
	"time"

	"github.com/bft-labs/replicator"
	"github.com/bft-labs/replicator/pkg/plugin"
	"github.com/bft-labs/replicator/plugins/dummy"
)

func TestRun_StopsOnCancel(t *testing.T) {
	c, err := replicator.New(dummy.New(), replicator.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- replicator.Run(ctx, c, true) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != "OFFLINE:NORMAL" {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want OFFLINE:NORMAL", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if c.State() != "END" {
		t.Errorf("state = %s, want END", c.State())
	}
}

func TestRun_ReturnsOnShutdownSignal(t *testing.T) {
	c, err := replicator.New(dummy.New(), replicator.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- replicator.Run(context.Background(), c, true) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Running() || c.State() != "OFFLINE:NORMAL" {
		if time.Now().After(deadline) {
			t.Fatal("controller did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Signal(plugin.SignalShutdown, ""); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
