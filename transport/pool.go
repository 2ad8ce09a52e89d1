package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbsheta/avsc/ipc"
)

// Pool hands reusable connections to stateless channel factories, so a
// transport-per-call channel does not become a dial per call.
//
// Reuse is LIFO: the most recently released connection is handed out first.
// Every stateless exchange opens with a handshake, and a server keeps the
// client fingerprint it resolved per process, so preferring the warmest
// connection keeps exchanges on peers that already answer BOTH instead of
// forcing the NONE/CLIENT negotiation on a cold one.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*PoolConn // LIFO free list
	total  int
	max    int
	closed bool
	dial   func() (net.Conn, error)
}

// NewPool creates a pool of at most max live connections. Connections are
// dialed lazily; the pool starts empty and grows on demand.
func NewPool(max int, dial func() (net.Conn, error)) *Pool {
	p := &Pool{max: max, dial: dial}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// NewDialPool is a pool over plain network dials to one address.
func NewDialPool(network, addr string, max int) *Pool {
	return NewPool(max, func() (net.Conn, error) {
		return net.Dial(network, addr)
	})
}

// PoolConn is a pooled connection. Any Read or Write error poisons it: an
// exchange that failed mid-frame leaves undecodable bytes on the stream, so
// the connection must never carry another call. Poisoned connections are
// closed and replaced on release instead of going back on the free list.
type PoolConn struct {
	net.Conn
	pool   *Pool
	broken atomic.Bool
}

func (c *PoolConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

func (c *PoolConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.broken.Store(true)
	}
	return n, err
}

// Release returns the connection after a completed exchange. Close does the
// same, so channel teardown paths that only know io.Closer still recycle.
func (c *PoolConn) Release() { c.pool.put(c) }

// Close releases the connection back to its pool; the underlying transport
// is only closed when the connection is poisoned or the pool is shut down.
func (c *PoolConn) Close() error {
	c.pool.put(c)
	return nil
}

// CloseWrite half-closes the transport for channels running with
// EndWritable. The write side is gone for good afterwards, so the
// connection is poisoned and replaced once released — it is not recycled
// here, because the exchange's response may still be in flight.
func (c *PoolConn) CloseWrite() error {
	c.broken.Store(true)
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Get borrows a connection: the warmest idle one if any, a fresh dial while
// under capacity, otherwise it blocks until an exchange finishes.
func (p *Pool) Get() (*PoolConn, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("transport: pool is closed")
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.total < p.max {
			p.total++
			p.mu.Unlock()
			netConn, err := p.dial()
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				return nil, err
			}
			return &PoolConn{Conn: netConn, pool: p}, nil
		}
		p.cond.Wait()
	}
}

func (p *Pool) put(conn *PoolConn) {
	p.mu.Lock()
	if conn.broken.Load() || p.closed {
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		conn.Conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
	p.mu.Unlock()
}

// Close shuts the pool down: idle connections are closed, waiters fail, and
// in-flight connections are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.cond.Broadcast()
	p.mu.Unlock()
	for _, conn := range idle {
		conn.Conn.Close()
	}
	return nil
}

// Factory adapts the pool into a stateless-channel factory. The caller
// releases each borrowed connection (Release or Close) once its exchange
// resolves; a connection that errored mid-exchange is already poisoned and
// will be replaced rather than reused.
func (p *Pool) Factory() ipc.Factory {
	return func() (ipc.Duplex, error) {
		return p.Get()
	}
}
