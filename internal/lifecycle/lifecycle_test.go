package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"telereach/internal/ipcserver"
	"telereach/internal/protocol"
	"telereach/internal/registry"
)

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []registry.Snapshot
}

func (f *fakeFinalizer) Finalize(ctx context.Context, snap registry.Snapshot, suffix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snap)
}

func (f *fakeFinalizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func TestDrainCancelsAndFinalizesEveryPendingRequest(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bot.sock")

	reg := registry.New()
	id1 := protocol.NewRequestID()
	id2 := protocol.NewRequestID()
	h1, err := reg.Register(id1, "one", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	h2, err := reg.Register(id2, "two", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	srv := ipcserver.New(sockPath, time.Second, reg, nil, testLogger(), 0)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	fin := &fakeFinalizer{}
	sup := &Supervisor{Server: srv, Registry: reg, Finalizer: fin, Log: testLogger(), GracePeriod: time.Second}

	if err := sup.drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	for _, h := range []registry.Handle{h1, h2} {
		select {
		case resp := <-h.Wait():
			if resp.Decision != protocol.DecisionTimeout {
				t.Errorf("expected timeout, got %v", resp.Decision)
			}
		default:
			t.Error("expected handle to already carry a resolution after drain")
		}
	}

	if fin.callCount() != 2 {
		t.Fatalf("expected 2 finalize calls, got %d", fin.callCount())
	}
}

func TestDrainWithNoPendingRequestsIsANoop(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "bot.sock")

	reg := registry.New()
	srv := ipcserver.New(sockPath, time.Second, reg, nil, testLogger(), 0)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	fin := &fakeFinalizer{}
	sup := &Supervisor{Server: srv, Registry: reg, Finalizer: fin, Log: testLogger()}

	if err := sup.drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if fin.callCount() != 0 {
		t.Fatalf("expected no finalize calls, got %d", fin.callCount())
	}
}
