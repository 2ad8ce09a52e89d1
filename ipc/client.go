package ipc

import (
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/dbsheta/avsc/avro"
)

// DefaultTimeout bounds a call when neither the client nor the call
// specifies one.
const DefaultTimeout = 10 * time.Second

// ClientOptions configure a Client.
type ClientOptions struct {
	// Timeout is the default per-call timeout; zero means DefaultTimeout,
	// negative disables timeouts.
	Timeout time.Duration
	// StrictErrors delivers remote errors verbatim as RemoteError values
	// matching the message's error union. Without it, string-branch errors
	// are unwrapped into plain errors.
	StrictErrors bool
	// Buffering parks calls made while no channel is active until one
	// appears, resubmitting each parked call once.
	Buffering bool
	// Policy selects among multiple active channels; nil picks uniformly
	// at random. A single active channel bypasses the policy.
	Policy func([]Channel) Channel
}

// CallOptions configure one EmitMessage call.
type CallOptions struct {
	// Timeout overrides the client default; negative disables the timeout.
	Timeout time.Duration
	// Headers are merged into the wrapped request's header map.
	Headers map[string][]byte
}

// ResponseCallback receives the outcome of a call. For one-way messages it
// fires with a nil error once the bytes are written.
type ResponseCallback func(ctx *CallContext, err error, res any)

// clientChannel is the contract the Client needs from its channel variants.
type clientChannel interface {
	Channel
	send(id int32, reqBuf []byte, oneWay bool) error
	registry() *callRegistry
	currentAdapter() *Adapter
	onDrain(func())
	addPending() error
	donePending()
}

func (ch *statefulClientChannel) registry() *callRegistry  { return ch.reg }
func (ch *statelessClientChannel) registry() *callRegistry { return ch.reg }

// Client is the emitting façade: it holds the local service, the middleware
// list, the active channel set, and the adapter cache keyed by peer
// fingerprint.
type Client struct {
	service     *avro.Service
	opts        ClientOptions
	selfAdapter *Adapter

	mu       sync.Mutex
	channels []clientChannel
	mws      []Middleware
	adapters map[[16]byte]*Adapter // installed from the wire only
	parked   []parkedCall
	chFns    []func(Channel)
	errFns   []func(error)
	mail     mailbox
}

type parkedCall struct {
	name string
	req  map[string]any
	opts *CallOptions
	cb   ResponseCallback
}

// NewClient builds a Client for the given service.
func NewClient(svc *avro.Service, opts *ClientOptions) *Client {
	c := &Client{
		service:  svc,
		adapters: make(map[[16]byte]*Adapter),
	}
	if opts != nil {
		c.opts = *opts
	}
	c.selfAdapter = selfAdapter(svc)
	return c
}

// Service returns the client's local service.
func (c *Client) Service() *avro.Service { return c.service }

// Use appends a middleware; middleware run in insertion order on the
// forward phase and in reverse on the backward phase.
func (c *Client) Use(mw Middleware) *Client {
	c.mu.Lock()
	c.mws = append(c.mws, mw)
	c.mu.Unlock()
	return c
}

// OnChannel subscribes to channel activations.
func (c *Client) OnChannel(f func(Channel)) {
	c.mu.Lock()
	c.chFns = append(c.chFns, f)
	c.mu.Unlock()
}

// OnError subscribes to client-level errors (middleware protocol
// violations and the like).
func (c *Client) OnError(f func(error)) {
	c.mu.Lock()
	c.errFns = append(c.errFns, f)
	c.mu.Unlock()
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	fns := append(([]func(error))(nil), c.errFns...)
	c.mu.Unlock()
	for _, f := range fns {
		f := f
		c.mail.post(func() { f(err) })
	}
}

// CreateStatefulChannel attaches a shared-transport channel. transport is a
// Duplex (framed with the netty dialect) or a RecordDuplex (object mode).
func (c *Client) CreateStatefulChannel(transport any, opts ChannelOptions) (Channel, error) {
	ch, err := newStatefulClientChannel(c, transport, opts)
	if err != nil {
		return nil, err
	}
	c.registerChannel(ch)
	return ch, nil
}

// CreateStatelessChannel attaches a channel that opens a fresh transport
// per call (framed with the standard dialect).
func (c *Client) CreateStatelessChannel(factory Factory, opts ChannelOptions) (Channel, error) {
	ch := newStatelessClientChannel(c, factory, opts)
	c.registerChannel(ch)
	return ch, nil
}

func (c *Client) registerChannel(ch clientChannel) {
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	parked := c.parked
	c.parked = nil
	fns := append(([]func(Channel))(nil), c.chFns...)
	c.mu.Unlock()

	ch.onDrain(func() {
		c.mu.Lock()
		for i, other := range c.channels {
			if other == ch {
				c.channels = append(c.channels[:i], c.channels[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	})

	for _, f := range fns {
		f := f
		c.mail.post(func() { f(ch) })
	}
	// Parked calls get exactly one resubmission.
	for _, p := range parked {
		p := p
		c.mail.post(func() { c.emit(p.name, p.req, p.opts, p.cb, false) })
	}
}

// ActiveChannels returns the channels currently attached.
func (c *Client) ActiveChannels() []Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Channel, len(c.channels))
	for i, ch := range c.channels {
		out[i] = ch
	}
	return out
}

// DestroyChannels tears down every active channel.
func (c *Client) DestroyChannels(noWait bool) {
	c.mu.Lock()
	channels := append([]clientChannel(nil), c.channels...)
	c.mu.Unlock()
	for _, ch := range channels {
		ch.Destroy(noWait)
	}
}

// RemoteProtocols returns the peer services learned from the wire, keyed by
// fingerprint. Entries seeded locally are not included.
func (c *Client) RemoteProtocols() map[string]*avro.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*avro.Service, len(c.adapters))
	for hash, a := range c.adapters {
		out[hex.EncodeToString(hash[:])] = a.Server()
	}
	return out
}

// installRemote parses a peer protocol received during a handshake and
// caches an adapter for it. The cache is write-once per fingerprint; a
// concurrent install of the same fingerprint yields the first adapter.
func (c *Client) installRemote(hash [16]byte, protocolJSON string) (*Adapter, error) {
	c.mu.Lock()
	if a, ok := c.adapters[hash]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	svc, err := avro.ParseProtocol([]byte(protocolJSON))
	if err != nil {
		return nil, wrapErr(CodeInvalidHandshakeResponse, err)
	}
	adapter, err := newAdapter(c.service, svc, hash, true)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.adapters[hash]; ok {
		return a, nil
	}
	c.adapters[hash] = adapter
	return adapter, nil
}

// EmitMessage calls the named message with the given request record value.
// The callback never fires synchronously.
func (c *Client) EmitMessage(name string, req map[string]any, opts *CallOptions, cb ResponseCallback) {
	c.emit(name, req, opts, cb, true)
}

func (c *Client) emit(name string, req map[string]any, opts *CallOptions, cb ResponseCallback, mayPark bool) {
	msg := pingMessage
	if name != "" {
		msg = c.service.Message(name)
		if msg == nil {
			c.fail(cb, nil, Errorf(CodeNotImplemented, "no message %q in protocol %s", name, c.service.Name()))
			return
		}
	}

	ch := c.pickChannel()
	if ch == nil {
		if mayPark && c.opts.Buffering {
			c.mu.Lock()
			// Re-check under the lock so a concurrent channel activation
			// cannot strand the call in the parked list.
			if len(c.channels) == 0 {
				c.parked = append(c.parked, parkedCall{name, req, opts, cb})
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			c.emit(name, req, opts, cb, false)
			return
		}
		c.fail(cb, nil, Errorf(CodeInterrupted, "no active channels"))
		return
	}

	c.emitOn(ch, msg, req, opts, cb)
}

func (c *Client) fail(cb ResponseCallback, ctx *CallContext, err error) {
	c.mail.post(func() { cb(ctx, err, nil) })
}

// pickChannel implements channel selection: single-channel fast path, then
// the user policy, then a uniform random pick.
func (c *Client) pickChannel() clientChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch len(c.channels) {
	case 0:
		return nil
	case 1:
		return c.channels[0]
	}
	if c.opts.Policy != nil {
		candidates := make([]Channel, len(c.channels))
		for i, ch := range c.channels {
			candidates[i] = ch
		}
		if picked := c.opts.Policy(candidates); picked != nil {
			for _, ch := range c.channels {
				if Channel(ch) == picked {
					return ch
				}
			}
		}
	}
	return c.channels[rand.Intn(len(c.channels))]
}

func (c *Client) callTimeout(opts *CallOptions) time.Duration {
	t := c.opts.Timeout
	if opts != nil && opts.Timeout != 0 {
		t = opts.Timeout
	}
	if t == 0 {
		t = DefaultTimeout
	}
	if t < 0 {
		return 0
	}
	return t
}

func (c *Client) emitOn(ch clientChannel, msg *avro.Message, req map[string]any, opts *CallOptions, cb ResponseCallback) {
	if err := ch.addPending(); err != nil {
		c.fail(cb, nil, err)
		return
	}

	ctx := newCallContext(msg, ch)
	wreq := &WrappedRequest{Message: msg, Headers: map[string][]byte{}, Request: req}
	if opts != nil {
		for k, v := range opts.Headers {
			wreq.Headers[k] = v
		}
	}
	wres := &WrappedResponse{}

	c.mu.Lock()
	mws := append([]Middleware(nil), c.mws...)
	c.mu.Unlock()

	transition := func(done func(error)) {
		reqBuf, err := wreq.encode()
		if err != nil {
			done(wrapErr(CodeInvalidRequest, err))
			return
		}
		id := ch.registry().add(c.callTimeout(opts), func(err error, body []byte) {
			if err != nil {
				done(err)
				return
			}
			done(ch.currentAdapter().DecodeResponse(body, wres, msg))
		})
		if err := ch.send(id, reqBuf, msg.OneWay); err != nil {
			// Withdraw the registry entry so the timeout cannot fire a
			// second resolution for the same call.
			if ch.registry().get(id) != nil {
				done(err)
			}
		}
	}

	runChain(ctx, wreq, wres, mws, transition, c.emitError, func(cause error) {
		if cause == nil && wres.HasError {
			cause = c.coerceError(wres.Error)
		}
		res := wres.Response
		ch.donePending()
		c.mail.post(func() { cb(ctx, cause, res) })
	})
}

// coerceError maps a decoded error-union value onto a Go error. In strict
// mode the value passes through verbatim inside a RemoteError; otherwise
// string branches unwrap into tagged application errors.
func (c *Client) coerceError(v any) error {
	if c.opts.StrictErrors {
		return &RemoteError{Value: v}
	}
	if v == nil {
		return nil
	}
	if br, ok := v.(avro.Branch); ok {
		if s, ok := br.Value.(string); ok && br.Name == "string" {
			return Errorf(CodeApplicationError, "%s", s)
		}
		return &RemoteError{Value: br}
	}
	if s, ok := v.(string); ok {
		return Errorf(CodeApplicationError, "%s", s)
	}
	return &RemoteError{Value: v}
}
