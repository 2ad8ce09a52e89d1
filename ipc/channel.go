package ipc

import (
	"io"
	"sync"
	"time"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/frame"
)

// Duplex is the byte-pair transport capability a channel owns: something to
// read response bytes from and write request bytes to. net.Conn and
// io.Pipe-style pairs satisfy it directly.
type Duplex interface {
	io.Reader
	io.Writer
}

// RecordDuplex is the object-mode transport capability: records cross the
// transport whole, skipping the framing codec. In-memory transports use
// this to avoid pointless byte serialization.
type RecordDuplex interface {
	// ReadRecord blocks for the next record; io.EOF ends the stream.
	ReadRecord() (frame.Record, error)
	// WriteRecord sends one record; it must be safe for concurrent use.
	WriteRecord(frame.Record) error
}

// Factory opens a fresh transport per call; stateless channels use one.
type Factory func() (Duplex, error)

// ChannelOptions configure a channel at creation time.
type ChannelOptions struct {
	// Scope isolates multiple logical channels sharing one transport; its
	// hash becomes the high 16 bits of every wire id.
	Scope string
	// Timeout bounds the stateful handshake; zero means no limit.
	Timeout time.Duration
	// NoPing suppresses the opening handshake probe on stateful client
	// channels and marks them connected at once: no handshake is sent on
	// the channel, and requests go out bare from the first call. The
	// stateful server channel in this package expects a handshake on its
	// first record.
	NoPing bool
	// EndWritable closes the write side of the transport at end of
	// transmission.
	EndWritable bool
}

// Channel is the owner of one transport: it drives the handshake and routes
// frames between the registry (client side) or dispatcher (server side) and
// the wire.
type Channel interface {
	// Scope returns the channel's scope string ("" if unset).
	Scope() string
	// Pending returns the number of in-flight calls.
	Pending() int
	// Destroyed reports whether the channel has fully torn down.
	Destroyed() bool
	// Draining reports whether the channel refuses new sends.
	Draining() bool
	// Destroy tears the channel down. With noWait, in-flight calls are
	// interrupted; otherwise the channel lingers until they resolve.
	Destroy(noWait bool)
	// OnEOT subscribes to end-of-transmission.
	OnEOT(func())
	// OnError subscribes to channel-level errors.
	OnError(func(error))
	// OnHandshake subscribes to completed handshake exchanges.
	OnHandshake(func(*avro.HandshakeRequest, *avro.HandshakeResponse))
}

// channelBase carries the state shared by all four channel variants: scope
// prefix, pending counter, lifecycle flags, and event subscriptions. All
// user-visible callbacks go through the mailbox so none fires synchronously
// from the call that triggered it.
type channelBase struct {
	mu       sync.Mutex
	scope    string
	prefix   uint32
	mail     mailbox
	pending  int
	draining bool
	dead     bool

	eotFns   []func()
	errFns   []func(error)
	hsFns    []func(*avro.HandshakeRequest, *avro.HandshakeResponse)
	drainFns []func() // parent Client/Server removes the channel here

	// finalize is variant-specific teardown: interrupt the registry, close
	// the transport. Runs exactly once.
	finalize func()
}

func (c *channelBase) init(scope string, finalize func()) {
	c.scope = scope
	c.prefix = scopePrefix(scope)
	c.finalize = finalize
}

func (c *channelBase) Scope() string { return c.scope }

func (c *channelBase) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *channelBase) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *channelBase) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

func (c *channelBase) OnEOT(f func()) {
	c.mu.Lock()
	c.eotFns = append(c.eotFns, f)
	c.mu.Unlock()
}

func (c *channelBase) OnError(f func(error)) {
	c.mu.Lock()
	c.errFns = append(c.errFns, f)
	c.mu.Unlock()
}

func (c *channelBase) OnHandshake(f func(*avro.HandshakeRequest, *avro.HandshakeResponse)) {
	c.mu.Lock()
	c.hsFns = append(c.hsFns, f)
	c.mu.Unlock()
}

func (c *channelBase) onDrain(f func()) {
	c.mu.Lock()
	c.drainFns = append(c.drainFns, f)
	c.mu.Unlock()
}

func (c *channelBase) emitError(err error) {
	c.mu.Lock()
	fns := append(([]func(error))(nil), c.errFns...)
	c.mu.Unlock()
	for _, f := range fns {
		f := f
		c.mail.post(func() { f(err) })
	}
}

func (c *channelBase) emitHandshake(hreq *avro.HandshakeRequest, hres *avro.HandshakeResponse) {
	c.mu.Lock()
	fns := append(([]func(*avro.HandshakeRequest, *avro.HandshakeResponse))(nil), c.hsFns...)
	c.mu.Unlock()
	for _, f := range fns {
		f := f
		c.mail.post(func() { f(hreq, hres) })
	}
}

// addPending registers one in-flight call; it fails once draining started.
func (c *channelBase) addPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining || c.dead {
		return Errorf(CodeInterrupted, "channel is draining")
	}
	c.pending++
	return nil
}

// donePending retires one in-flight call and completes a pending drain when
// the last call resolves.
func (c *channelBase) donePending() {
	c.mu.Lock()
	c.pending--
	finish := c.draining && c.pending == 0 && !c.dead
	if finish {
		c.dead = true
	}
	c.mu.Unlock()
	if finish {
		c.teardown()
	}
}

// Destroy starts draining and, unless calls are still pending without
// noWait, tears the channel down immediately.
func (c *channelBase) Destroy(noWait bool) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	first := !c.draining
	c.draining = true
	drains := append(([]func())(nil), c.drainFns...)
	finish := noWait || c.pending == 0
	if finish {
		c.dead = true
	}
	c.mu.Unlock()

	if first {
		for _, f := range drains {
			f() // synchronous: the parent must stop routing to us right away
		}
	}
	if finish {
		c.teardown()
	}
}

func (c *channelBase) teardown() {
	if c.finalize != nil {
		c.finalize()
	}
	c.mu.Lock()
	fns := append(([]func())(nil), c.eotFns...)
	c.mu.Unlock()
	for _, f := range fns {
		f := f
		c.mail.post(func() { f() })
	}
}

// joinPayload concatenates a record's payload frames into the single
// logical buffer the protocol layer decodes.
func joinPayload(payload [][]byte) []byte {
	if len(payload) == 1 {
		return payload[0]
	}
	size := 0
	for _, p := range payload {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range payload {
		out = append(out, p...)
	}
	return out
}

// conn abstracts the two transport flavors behind a record-oriented API.
type conn interface {
	write(rec frame.Record) error
	// readLoop delivers records until the transport ends; the returned
	// error is nil on clean EOF.
	readLoop(handle func(frame.Record)) error
	// readLoopUntil delivers records until handle returns true or the
	// transport ends.
	readLoopUntil(handle func(frame.Record) bool) error
	// end closes the write side when the transport supports it.
	end()
}

// framedConn adapts a byte Duplex with a framing dialect. Writes hold a
// mutex so concurrent senders cannot interleave frames.
type framedConn struct {
	duplex Duplex
	enc    frame.Encoder
	dec    frame.Decoder
	wmu    sync.Mutex
}

func newFramedConn(d Duplex, enc frame.Encoder, dec frame.Decoder) *framedConn {
	return &framedConn{duplex: d, enc: enc, dec: dec}
}

func (f *framedConn) write(rec frame.Record) error {
	buf := f.enc.Encode(nil, rec)
	f.wmu.Lock()
	defer f.wmu.Unlock()
	_, err := f.duplex.Write(buf)
	return err
}

func (f *framedConn) readLoop(handle func(frame.Record)) error {
	return f.readLoopUntil(func(rec frame.Record) bool {
		handle(rec)
		return false
	})
}

func (f *framedConn) readLoopUntil(handle func(frame.Record) bool) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.duplex.Read(buf)
		if n > 0 {
			records, derr := f.dec.Write(buf[:n])
			for _, rec := range records {
				if handle(rec) {
					return nil
				}
			}
			if derr != nil {
				return derr
			}
		}
		if err == io.EOF {
			return f.dec.Flush()
		}
		if err != nil {
			return err
		}
	}
}

func (f *framedConn) end() {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := f.duplex.(closeWriter); ok {
		cw.CloseWrite()
		return
	}
	if c, ok := f.duplex.(io.Closer); ok {
		c.Close()
	}
}

// recordConn adapts an object-mode transport.
type recordConn struct {
	duplex RecordDuplex
}

func (r *recordConn) write(rec frame.Record) error { return r.duplex.WriteRecord(rec) }

func (r *recordConn) readLoop(handle func(frame.Record)) error {
	return r.readLoopUntil(func(rec frame.Record) bool {
		handle(rec)
		return false
	})
}

func (r *recordConn) readLoopUntil(handle func(frame.Record) bool) error {
	for {
		rec, err := r.duplex.ReadRecord()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if handle(rec) {
			return nil
		}
	}
}

func (r *recordConn) end() {
	if c, ok := r.duplex.(io.Closer); ok {
		c.Close()
	}
}

// newConn picks the transport adaptation: object-mode transports skip the
// framing codec entirely.
func newConn(transport any, stateful bool) (conn, error) {
	switch t := transport.(type) {
	case RecordDuplex:
		return &recordConn{duplex: t}, nil
	case Duplex:
		if stateful {
			return newFramedConn(t, frame.NettyEncoder{}, frame.NewNettyDecoder()), nil
		}
		return newFramedConn(t, frame.StandardEncoder{}, frame.NewStandardDecoder()), nil
	}
	return nil, Errorf(CodeInternalServerError, "unsupported transport %T", transport)
}
