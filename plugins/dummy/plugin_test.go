package dummy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/replicator/pkg/plugin"
)

type recordingSignaler struct {
	mu    sync.Mutex
	codes []plugin.SignalCode
}

func (r *recordingSignaler) Signal(code plugin.SignalCode, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return nil
}

func TestPlugin_OnlineSignalsSynced(t *testing.T) {
	tests := []struct {
		name     string
		autoSync bool
		want     int
	}{
		{"auto sync", true, 1},
		{"manual sync", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(WithAutoSync(tt.autoSync))
			sig := &recordingSignaler{}
			p.BindSignaler(sig)

			if err := p.Online(context.Background(), nil); err != nil {
				t.Fatalf("Online() error = %v", err)
			}
			if len(sig.codes) != tt.want {
				t.Errorf("signals = %v, want %d", sig.codes, tt.want)
			}
		})
	}
}

func TestPlugin_SetFailure(t *testing.T) {
	p := New()
	boom := errors.New("boom")
	p.SetFailure(OpFlush, boom)

	if _, err := p.Flush(context.Background(), time.Second); !errors.Is(err, boom) {
		t.Fatalf("Flush() error = %v, want boom", err)
	}
	p.SetFailure(OpFlush, nil)
	if _, err := p.Flush(context.Background(), time.Second); err != nil {
		t.Fatalf("Flush() after clear error = %v", err)
	}

	got := p.Calls()
	if len(got) != 2 || got[0] != OpFlush || got[1] != OpFlush {
		t.Errorf("Calls() = %v", got)
	}
}

func TestPlugin_BackupFuture(t *testing.T) {
	p := New()
	fut, err := p.Backup(context.Background(), "xtrabackup", "file")
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	uri, err := fut.Get(context.Background())
	if err != nil || uri != "file://xtrabackup/backup-1" {
		t.Errorf("Get() = (%q, %v)", uri, err)
	}

	p.SetFailure(OpBackup, errors.New("disk full"))
	fut, err = p.Backup(context.Background(), "xtrabackup", "file")
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, err := fut.Get(context.Background()); err == nil {
		t.Error("failed backup resolved without error")
	}
}

func TestPlugin_WaitForAppliedEvent(t *testing.T) {
	p := New()
	ctx := context.Background()

	if _, err := p.WaitForAppliedEvent(ctx, "abc", time.Second); err == nil {
		t.Error("expected error for a non-numeric id")
	}

	ok, err := p.WaitForAppliedEvent(ctx, "3", 20*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("WaitForAppliedEvent() = (%v, %v), want (false, nil)", ok, err)
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		p.Advance(3)
	}()
	ok, err = p.WaitForAppliedEvent(ctx, "3", time.Second)
	if !ok || err != nil {
		t.Errorf("WaitForAppliedEvent() = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestPlugin_StatusAndRole(t *testing.T) {
	p := New()
	ctx := context.Background()
	if err := p.SetRole(ctx, plugin.RoleSlave, "thl://master:2112"); err != nil {
		t.Fatalf("SetRole() error = %v", err)
	}
	p.Advance(7)

	st, err := p.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st["appliedLastSeqno"] != "7" || st["masterUri"] != "thl://master:2112" {
		t.Errorf("Status() = %v", st)
	}
}
