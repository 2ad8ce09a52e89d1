// Package balance provides channel-selection strategies for clients that
// hold more than one active channel.
//
// Three strategies are implemented:
//   - RoundRobin:   even spread across equally capable channels
//   - Random:       uniform pick, the client's own default
//   - LeastPending: routes to the channel with the fewest in-flight calls
package balance

import (
	"math/rand"
	"sync/atomic"

	"github.com/dbsheta/avsc/ipc"
)

// Balancer picks one channel from the active set. Pick is called on every
// emitted message and must be goroutine-safe.
type Balancer interface {
	Pick(channels []ipc.Channel) ipc.Channel
	Name() string
}

// Policy adapts a Balancer into the client's channel-selection option.
func Policy(b Balancer) func([]ipc.Channel) ipc.Channel {
	return b.Pick
}

// RoundRobin distributes calls evenly in order, using an atomic counter for
// lock-free selection.
type RoundRobin struct {
	counter int64
}

func (b *RoundRobin) Pick(channels []ipc.Channel) ipc.Channel {
	if len(channels) == 0 {
		return nil
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(channels))
	return channels[index]
}

func (b *RoundRobin) Name() string { return "RoundRobin" }

// Random picks uniformly.
type Random struct{}

func (Random) Pick(channels []ipc.Channel) ipc.Channel {
	if len(channels) == 0 {
		return nil
	}
	return channels[rand.Intn(len(channels))]
}

func (Random) Name() string { return "Random" }

// LeastPending routes to the channel with the fewest in-flight calls,
// favoring the fastest-draining connection.
type LeastPending struct{}

func (LeastPending) Pick(channels []ipc.Channel) ipc.Channel {
	var best ipc.Channel
	bestLoad := -1
	for _, ch := range channels {
		load := ch.Pending()
		if bestLoad < 0 || load < bestLoad {
			best, bestLoad = ch, load
		}
	}
	return best
}

func (LeastPending) Name() string { return "LeastPending" }
