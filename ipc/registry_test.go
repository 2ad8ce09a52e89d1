package ipc

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistryResolve(t *testing.T) {
	reg := newCallRegistry("")
	var got []byte
	id := reg.add(0, func(err error, body []byte) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = body
	})
	cb := reg.get(id)
	if cb == nil {
		t.Fatal("registered callback not found")
	}
	cb(nil, []byte("ok"))
	if string(got) != "ok" {
		t.Errorf("callback body: %q", got)
	}
	if reg.get(id) != nil {
		t.Errorf("entry must be removed after get")
	}
}

func TestRegistryScopePrefix(t *testing.T) {
	a := newCallRegistry("A")
	b := newCallRegistry("B")
	idA := a.add(0, func(error, []byte) {})
	idB := b.add(0, func(error, []byte) {})

	if !matchesPrefix(idA, a.prefix) {
		t.Errorf("own prefix must match")
	}
	if matchesPrefix(idA, b.prefix) || matchesPrefix(idB, a.prefix) {
		t.Errorf("distinct scopes must not cross-match: %#x vs %#x", idA, idB)
	}
	unscoped := newCallRegistry("")
	if matchesPrefix(unscoped.add(0, func(error, []byte) {}), a.prefix) {
		t.Errorf("unset scope must not match a named one")
	}
}

// A timed-out call fires exactly once even when the response shows up later.
func TestRegistryTimeoutAtMostOnce(t *testing.T) {
	reg := newCallRegistry("")
	var fired int32
	var timeoutErr error
	id := reg.add(20*time.Millisecond, func(err error, body []byte) {
		atomic.AddInt32(&fired, 1)
		timeoutErr = err
	})

	time.Sleep(60 * time.Millisecond)
	if cb := reg.get(id); cb != nil {
		t.Fatal("entry must be gone after the timer fired")
	}
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("callback fired %d times", n)
	}
	if CodeOf(timeoutErr) != CodeTimeout {
		t.Errorf("expect timeout error, got %v", timeoutErr)
	}
}

func TestRegistryResolveBeatsTimeout(t *testing.T) {
	reg := newCallRegistry("")
	var fired int32
	id := reg.add(30*time.Millisecond, func(err error, body []byte) {
		atomic.AddInt32(&fired, 1)
		if err != nil {
			t.Errorf("resolved first, expect nil error: %v", err)
		}
	})
	reg.get(id)(nil, nil)
	time.Sleep(80 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("callback fired %d times", n)
	}
}

func TestRegistryClear(t *testing.T) {
	reg := newCallRegistry("")
	var errs []error
	for i := 0; i < 3; i++ {
		reg.add(0, func(err error, body []byte) { errs = append(errs, err) })
	}
	reg.clear(Errorf(CodeInterrupted, "channel was destroyed"))
	if len(errs) != 3 {
		t.Fatalf("expect 3 interrupted callbacks, got %d", len(errs))
	}
	for _, err := range errs {
		if CodeOf(err) != CodeInterrupted {
			t.Errorf("expect interrupted, got %v", err)
		}
	}
	if reg.size() != 0 {
		t.Errorf("registry must be empty after clear")
	}
}

func TestRegistryIDWrap(t *testing.T) {
	reg := newCallRegistry("")
	reg.nextID = idMask - 1
	id1 := reg.add(0, func(error, []byte) {})
	id2 := reg.add(0, func(error, []byte) {})
	id3 := reg.add(0, func(error, []byte) {})
	if id1&idMask != idMask || id2&idMask != 0 || id3&idMask != 1 {
		t.Errorf("ids must wrap modulo the mask: %d %d %d", id1, id2, id3)
	}
	if reg.get(id3) == nil {
		t.Errorf("wrapped id must still resolve")
	}
}
