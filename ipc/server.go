package ipc

import (
	"encoding/hex"
	"log"
	"sync"

	"github.com/dbsheta/avsc/avro"
)

// Respond delivers a handler's outcome: a non-nil errVal selects the error
// union, otherwise res is encoded as the response. It must be called
// exactly once; one-way handlers receive a nil Respond.
type Respond func(errVal any, res any)

// Handler services one message. req is the decoded request record.
type Handler func(ctx *CallContext, req map[string]any, respond Respond)

// ServerOptions configure a Server.
type ServerOptions struct {
	// StrictErrors requires handler error values to already match the error
	// union; without it Go errors and strings are folded into the string
	// system branch.
	StrictErrors bool
	// DefaultHandler services messages with no registered handler; when nil
	// such calls fail with NOT_IMPLEMENTED.
	DefaultHandler Handler
	// SystemErrorFormatter renders server-side errors into the string sent
	// to the client; nil sends the rpcCode.
	SystemErrorFormatter func(error) string
	// Silent suppresses the error log.
	Silent bool
}

// Server is the dispatching façade: it holds the local service, registered
// handlers, middleware, the adapter cache, and the active channel set.
type Server struct {
	service     *avro.Service
	opts        ServerOptions
	selfAdapter *Adapter

	mu       sync.Mutex
	handlers map[string]Handler
	mws      []Middleware
	adapters map[[16]byte]*Adapter
	channels []Channel
	errFns   []func(error)
	mail     mailbox
}

// NewServer builds a Server for the given service.
func NewServer(svc *avro.Service, opts *ServerOptions) *Server {
	s := &Server{
		service:  svc,
		handlers: make(map[string]Handler),
		adapters: make(map[[16]byte]*Adapter),
	}
	if opts != nil {
		s.opts = *opts
	}
	s.selfAdapter = selfAdapter(svc)
	return s
}

// Service returns the server's local service.
func (s *Server) Service() *avro.Service { return s.service }

// OnMessage registers the handler for a message.
func (s *Server) OnMessage(name string, h Handler) error {
	if s.service.Message(name) == nil {
		return Errorf(CodeNotImplemented, "no message %q in protocol %s", name, s.service.Name())
	}
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
	return nil
}

// Use appends a middleware.
func (s *Server) Use(mw Middleware) *Server {
	s.mu.Lock()
	s.mws = append(s.mws, mw)
	s.mu.Unlock()
	return s
}

// OnError subscribes to server-side errors, application errors included.
func (s *Server) OnError(f func(error)) {
	s.mu.Lock()
	s.errFns = append(s.errFns, f)
	s.mu.Unlock()
}

func (s *Server) emitError(err error) {
	if !s.opts.Silent {
		log.Printf("rpc server %s: %v", s.service.Name(), err)
	}
	s.mu.Lock()
	fns := append(([]func(error))(nil), s.errFns...)
	s.mu.Unlock()
	for _, f := range fns {
		f := f
		s.mail.post(func() { f(err) })
	}
}

// CreateStatefulChannel serves a shared transport (netty framing, one
// handshake, then bare requests).
func (s *Server) CreateStatefulChannel(transport any, opts ChannelOptions) (Channel, error) {
	ch, err := newStatefulServerChannel(s, transport, opts)
	if err != nil {
		return nil, err
	}
	s.registerChannel(ch)
	return ch, nil
}

// CreateStatelessChannel serves self-contained records (standard framing,
// a handshake on every record).
func (s *Server) CreateStatelessChannel(transport any, opts ChannelOptions) (Channel, error) {
	ch, err := newStatelessServerChannel(s, transport, opts)
	if err != nil {
		return nil, err
	}
	s.registerChannel(ch)
	return ch, nil
}

type serverChannel interface {
	Channel
	onDrain(func())
}

func (s *Server) registerChannel(ch serverChannel) {
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	ch.onDrain(func() {
		s.mu.Lock()
		for i, other := range s.channels {
			if other == ch {
				s.channels = append(s.channels[:i], s.channels[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	})
}

// ActiveChannels returns the channels currently attached.
func (s *Server) ActiveChannels() []Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Channel(nil), s.channels...)
}

// RemoteProtocols returns peer services learned from handshakes, keyed by
// fingerprint.
func (s *Server) RemoteProtocols() map[string]*avro.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*avro.Service, len(s.adapters))
	for hash, a := range s.adapters {
		out[hex.EncodeToString(hash[:])] = a.Client()
	}
	return out
}

// processHandshake resolves a handshake request against the adapter cache:
// hit → BOTH or CLIENT; miss with a protocol payload → parse, build, cache;
// miss without one → NONE and a transient UNKNOWN_PROTOCOL error.
func (s *Server) processHandshake(hreq *avro.HandshakeRequest) (*Adapter, *avro.HandshakeResponse, error) {
	localHash := s.service.Fingerprint()

	var adapter *Adapter
	var herr error
	s.mu.Lock()
	adapter = s.adapters[hreq.ClientHash]
	s.mu.Unlock()
	if adapter == nil && hashEqual(hreq.ClientHash, localHash) {
		adapter = s.selfAdapter
	}
	if adapter == nil {
		if hreq.ClientProtocol == nil {
			herr = Errorf(CodeUnknownProtocol, "unknown client fingerprint %x", hreq.ClientHash)
		} else {
			adapter, herr = s.installRemote(hreq.ClientHash, *hreq.ClientProtocol)
		}
	}

	hres := &avro.HandshakeResponse{}
	switch {
	case herr != nil:
		hres.Match = avro.MatchNone
		if CodeOf(herr) != CodeUnknownProtocol {
			// A miss awaiting retry is routine; anything else is reported.
			s.emitError(herr)
		}
	case hashEqual(hreq.ServerHash, localHash):
		hres.Match = avro.MatchBoth
	default:
		hres.Match = avro.MatchClient
		p := s.service.Protocol()
		hres.ServerProtocol = &p
		hash := localHash
		hres.ServerHash = &hash
	}
	return adapter, hres, herr
}

func (s *Server) installRemote(hash [16]byte, protocolJSON string) (*Adapter, error) {
	s.mu.Lock()
	if a, ok := s.adapters[hash]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	svc, err := avro.ParseProtocol([]byte(protocolJSON))
	if err != nil {
		return nil, wrapErr(CodeInvalidHandshakeRequest, err)
	}
	adapter, err := newAdapter(svc, s.service, hash, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.adapters[hash]; ok {
		return a, nil
	}
	s.adapters[hash] = adapter
	return adapter, nil
}

// systemErrorBody encodes a server-side failure as a synthetic response:
// empty headers, error flag set, string branch carrying the formatter
// output (or the bare rpcCode).
func (s *Server) systemErrorBody(err error) []byte {
	msg := CodeOf(err)
	if s.opts.SystemErrorFormatter != nil {
		msg = s.opts.SystemErrorFormatter(err)
	}
	buf := avro.AppendBytesMap(nil, nil)
	buf = avro.AppendBool(buf, true)
	buf = avro.AppendInt(buf, 0) // string branch of the error union
	return avro.AppendString(buf, msg)
}

// serve decodes one request body and drives the middleware pipeline around
// the handler, finally handing respond the message and encoded response.
// respond is always called exactly once (one-way responses are suppressed
// by the channel, which still needs the message to know that).
func (s *Server) serve(ch Channel, adapter *Adapter, body []byte, respond func(msg *avro.Message, respBody []byte)) {
	wreq, err := adapter.DecodeRequest(body)
	if err != nil {
		s.emitError(err)
		respond(nil, s.systemErrorBody(err))
		return
	}
	msg := wreq.Message
	wres := &WrappedResponse{Headers: map[string][]byte{}}

	if msg == pingMessage {
		wres.SetResponse(avro.Branch{Name: "string", Value: ""})
		respBody, err := wres.encode(msg)
		if err != nil {
			respond(msg, s.systemErrorBody(wrapErr(CodeInternalServerError, err)))
			return
		}
		respond(msg, respBody)
		return
	}

	ctx := newCallContext(msg, ch)
	s.mu.Lock()
	mws := append([]Middleware(nil), s.mws...)
	handler := s.handlers[msg.Name]
	s.mu.Unlock()
	if handler == nil {
		handler = s.opts.DefaultHandler
	}

	transition := func(done func(error)) {
		if handler == nil {
			done(Errorf(CodeNotImplemented, "no handler for message %q", msg.Name))
			return
		}
		s.invokeHandler(handler, ctx, wreq, wres, done)
	}

	runChain(ctx, wreq, wres, mws, transition, s.emitError, func(cause error) {
		if cause != nil {
			s.emitError(cause)
			if !wres.HasError {
				respond(msg, s.systemErrorBody(cause))
				return
			}
		}
		respBody, err := wres.encode(msg)
		if err != nil {
			err = wrapErr(CodeInternalServerError, err)
			s.emitError(err)
			respond(msg, s.systemErrorBody(err))
			return
		}
		respond(msg, respBody)
	})
}

// invokeHandler calls the user handler with panic containment: a synchronous
// panic before the callback ran becomes a backward-phase error; one after it
// ran is re-emitted as a server error.
func (s *Server) invokeHandler(handler Handler, ctx *CallContext, wreq *WrappedRequest, wres *WrappedResponse, done func(error)) {
	msg := wreq.Message
	var mu sync.Mutex
	responded := false

	finish := func(err error) {
		mu.Lock()
		if responded {
			mu.Unlock()
			s.emitError(Errorf(CodeInternalServerError, "duplicate response for message %q", msg.Name))
			return
		}
		responded = true
		mu.Unlock()
		done(err)
	}

	var respondCb Respond
	if !msg.OneWay {
		respondCb = func(errVal any, res any) {
			if errVal != nil {
				coerced, err := s.coerceHandlerError(errVal)
				if err != nil {
					finish(err)
					return
				}
				wres.SetError(coerced)
				s.emitError(Errorf(CodeApplicationError, "handler for %q failed: %v", msg.Name, errVal))
				finish(nil)
				return
			}
			wres.SetResponse(res)
			finish(nil)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			mu.Lock()
			already := responded
			mu.Unlock()
			err := Errorf(CodeApplicationError, "handler for %q panicked: %v", msg.Name, r)
			if already {
				s.emitError(err)
				return
			}
			finish(err)
		}
	}()

	handler(ctx, wreq.Request, respondCb)
	if msg.OneWay {
		// One-way handlers have no callback; the transition completes as
		// soon as the handler returns.
		finish(nil)
	}
}

// coerceHandlerError shapes a handler error value for the error union. In
// non-strict mode Go errors and plain strings fold into the string branch;
// in strict mode the value must already fit the union.
func (s *Server) coerceHandlerError(errVal any) (any, error) {
	if !s.opts.StrictErrors {
		switch e := errVal.(type) {
		case error:
			return avro.Branch{Name: "string", Value: e.Error()}, nil
		case string:
			return avro.Branch{Name: "string", Value: e}, nil
		}
	}
	return errVal, nil
}
