package registry

import (
	"sync"
	"testing"

	"telereach/internal/protocol"
)

func TestRegisterAndResolve(t *testing.T) {
	reg := New()

	h, err := reg.Register("r1", "original text", nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	snap, ok := reg.Resolve("r1", protocol.AllowResponse("r1"))
	if !ok {
		t.Fatal("expected resolve to succeed")
	}
	if snap.OriginalText != "original text" {
		t.Errorf("unexpected original text: %q", snap.OriginalText)
	}

	resp := <-h.Wait()
	if resp.Decision != protocol.DecisionAllow {
		t.Errorf("expected allow decision, got %v", resp.Decision)
	}
}

func TestDuplicateRegisterFails(t *testing.T) {
	reg := New()
	if _, err := reg.Register("r1", "text", nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := reg.Register("r1", "text", nil); err == nil {
		t.Fatal("expected second register with same id to fail")
	}
}

// TestResolveIsAtMostOnce covers I2/L2: a second resolve is a no-op, and
// registering the same id again afterwards succeeds because the first
// resolve removed the entry.
func TestResolveIsAtMostOnce(t *testing.T) {
	reg := New()
	reg.Register("r1", "text", nil)

	if _, ok := reg.Resolve("r1", protocol.DenyResponse("r1", "no")); !ok {
		t.Fatal("first resolve should succeed")
	}
	if _, ok := reg.Resolve("r1", protocol.AllowResponse("r1")); ok {
		t.Fatal("second resolve for the same id must be a no-op")
	}

	if _, err := reg.Register("r1", "text again", nil); err != nil {
		t.Fatalf("re-register after resolve should succeed, registry is empty: %v", err)
	}
}

func TestResolveUnknownIDReturnsFalse(t *testing.T) {
	reg := New()
	if _, ok := reg.Resolve("never-registered", protocol.AllowResponse("never-registered")); ok {
		t.Fatal("resolving an unknown id must return ok=false")
	}
}

func TestCancelAllTimesOutEveryPendingEntry(t *testing.T) {
	reg := New()
	h1, _ := reg.Register("r1", "a", nil)
	h2, _ := reg.Register("r2", "b", nil)

	ids := reg.CancelAll()
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancelled ids, got %d", len(ids))
	}
	if reg.Len() != 0 {
		t.Fatalf("registry should be empty after CancelAll, got %d", reg.Len())
	}

	r1 := <-h1.Wait()
	r2 := <-h2.Wait()
	if r1.Decision != protocol.DecisionTimeout || r2.Decision != protocol.DecisionTimeout {
		t.Fatalf("expected both to resolve with Timeout, got %v, %v", r1.Decision, r2.Decision)
	}
}

// TestConcurrentResolveIsSafe hammers Resolve from many goroutines for
// the same id; exactly one must observe ok=true (P1).
func TestConcurrentResolveIsSafe(t *testing.T) {
	reg := New()
	h, _ := reg.Register("r1", "text", nil)

	const n = 50
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := reg.Resolve("r1", protocol.AllowResponse("r1"))
			successes[i] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful resolve, got %d", count)
	}
	<-h.Wait()
}

func TestAttachSentMessagesAndLookup(t *testing.T) {
	reg := New()
	reg.Register("r1", "text", []protocol.PermissionSuggestion{{Type: "toolAlwaysAllow", Tool: "Bash"}})
	reg.AttachSentMessages("r1", []SentMessage{{ChatID: 1, MessageID: 100}})

	snap, ok := reg.Lookup("r1")
	if !ok {
		t.Fatal("expected lookup to find the pending entry")
	}
	if len(snap.SentMessages) != 1 || snap.SentMessages[0].MessageID != 100 {
		t.Fatalf("sent messages not attached: %+v", snap.SentMessages)
	}
	if len(snap.Suggestions) != 1 || snap.Suggestions[0].Tool != "Bash" {
		t.Fatalf("suggestions not preserved: %+v", snap.Suggestions)
	}
}

func TestLookupAfterResolveIsAbsent(t *testing.T) {
	reg := New()
	reg.Register("r1", "text", nil)
	reg.Resolve("r1", protocol.AllowResponse("r1"))

	if _, ok := reg.Lookup("r1"); ok {
		t.Fatal("lookup must not find a resolved request")
	}
}
