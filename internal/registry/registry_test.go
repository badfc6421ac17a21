package registry

import (
	"errors"
	"sync"
	"testing"

	"trove-guardian/internal/strategy"
)

const addr = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"

func TestRegisterIsCaseInsensitiveUpsert(t *testing.T) {
	r := New()

	if _, err := r.Register(addr, strategy.Conservative, "agent-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(Key(addr), strategy.Aggressive, "agent-2"); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if r.Count() != 1 {
		t.Fatalf("re-registration must not duplicate, count=%d", r.Count())
	}

	entry, ok := r.Get("0xABCDEF0123456789ABCDEF0123456789ABCDEF01")
	if !ok {
		t.Fatal("lookup by upper-case address should hit")
	}
	if entry.Strategy != strategy.Aggressive || entry.AgentID != "agent-2" {
		t.Fatalf("entry not overwritten: %+v", entry)
	}
	if entry.Address != Key(addr) {
		t.Fatalf("stored key should be lower-cased, got %s", entry.Address)
	}
}

func TestRegisterRejectsInvalidAddress(t *testing.T) {
	r := New()
	if _, err := r.Register("not-an-address", strategy.Default, ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	if r.Count() != 0 {
		t.Fatal("invalid registration must not be stored")
	}
}

func TestDeregister(t *testing.T) {
	r := New()
	_, _ = r.Register(addr, strategy.Default, "a")

	if !r.Deregister(addr) {
		t.Fatal("deregister of present address should report true")
	}
	if r.Deregister(addr) {
		t.Fatal("second deregister should report false")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	_, _ = r.Register("0x0000000000000000000000000000000000000002", strategy.Default, "")
	_, _ = r.Register("0x0000000000000000000000000000000000000001", strategy.Default, "")

	list := r.List()
	if len(list) != 2 || list[0].Address > list[1].Address {
		t.Fatalf("list not sorted: %+v", list)
	}
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Register(addr, strategy.Moderate, "agent")
			_ = r.List()
		}()
	}
	wg.Wait()
	if r.Count() != 1 {
		t.Fatalf("count = %d", r.Count())
	}
}

func TestKeyAddsMissingPrefix(t *testing.T) {
	bare := "ABCDEF0123456789ABCDEF0123456789ABCDEF01"
	if got := Key(bare); got != "0xabcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("  not-an-address "); got != "not-an-address" {
		t.Fatalf("unexpected key for invalid input %q", got)
	}
}
