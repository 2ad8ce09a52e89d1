package balance

import (
	"testing"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/ipc"
)

// stubChannel satisfies ipc.Channel with a fixed pending count.
type stubChannel struct {
	pending int
}

func (s *stubChannel) Scope() string    { return "" }
func (s *stubChannel) Pending() int     { return s.pending }
func (s *stubChannel) Destroyed() bool  { return false }
func (s *stubChannel) Draining() bool   { return false }
func (s *stubChannel) Destroy(bool)     {}
func (s *stubChannel) OnEOT(func())     {}
func (s *stubChannel) OnError(func(error)) {}
func (s *stubChannel) OnHandshake(func(*avro.HandshakeRequest, *avro.HandshakeResponse)) {}

func TestRoundRobin(t *testing.T) {
	channels := []ipc.Channel{&stubChannel{}, &stubChannel{}, &stubChannel{}}
	b := &RoundRobin{}
	seen := map[ipc.Channel]int{}
	for i := 0; i < 9; i++ {
		seen[b.Pick(channels)]++
	}
	for i, ch := range channels {
		if seen[ch] != 3 {
			t.Errorf("channel %d picked %d times, want 3", i, seen[ch])
		}
	}
	if b.Pick(nil) != nil {
		t.Errorf("empty set must pick nil")
	}
}

func TestLeastPending(t *testing.T) {
	light := &stubChannel{pending: 1}
	heavy := &stubChannel{pending: 9}
	picked := LeastPending{}.Pick([]ipc.Channel{heavy, light})
	if picked != light {
		t.Errorf("must pick the least-loaded channel")
	}
}

func TestRandomCoversAll(t *testing.T) {
	channels := []ipc.Channel{&stubChannel{}, &stubChannel{}}
	seen := map[ipc.Channel]bool{}
	for i := 0; i < 100; i++ {
		seen[Random{}.Pick(channels)] = true
	}
	if len(seen) != 2 {
		t.Errorf("random pick never covered all channels")
	}
}
