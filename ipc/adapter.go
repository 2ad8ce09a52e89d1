package ipc

import (
	"bytes"

	"github.com/dbsheta/avsc/avro"
)

// messageResolvers are the three precompiled translations for one message:
// the server reads what the client wrote (request), the client reads what
// the server wrote (response and error).
type messageResolvers struct {
	request  *avro.Resolver
	response *avro.Resolver
	errors   *avro.Resolver
}

// Adapter resolves a remote peer's protocol against the local one. It is
// built lazily on the first successful handshake against an unseen peer
// fingerprint and cached forever on the owning Client or Server under that
// fingerprint.
type Adapter struct {
	client   *avro.Service
	server   *avro.Service
	hash     [16]byte
	isRemote bool
	messages map[string]*messageResolvers
}

// newAdapter compiles the per-message resolvers between a client-side and a
// server-side service. Every client message must exist on the server side
// with a matching one-way flag; anything unresolvable fails with
// INCOMPATIBLE_PROTOCOL.
func newAdapter(clientSvc, serverSvc *avro.Service, hash [16]byte, isRemote bool) (*Adapter, error) {
	a := &Adapter{
		client:   clientSvc,
		server:   serverSvc,
		hash:     hash,
		isRemote: isRemote,
		messages: make(map[string]*messageResolvers),
	}
	for _, name := range clientSvc.MessageNames() {
		cm := clientSvc.Message(name)
		sm := serverSvc.Message(name)
		if sm == nil {
			return nil, Errorf(CodeIncompatibleProtocol, "message %q missing on server %s", name, serverSvc.Name())
		}
		if cm.OneWay != sm.OneWay {
			return nil, Errorf(CodeIncompatibleProtocol, "message %q one-way mismatch", name)
		}
		mr := &messageResolvers{}
		var err error
		if mr.request, err = avro.NewResolver(sm.Request, cm.Request); err != nil {
			return nil, wrapErr(CodeIncompatibleProtocol, err)
		}
		if mr.response, err = avro.NewResolver(cm.Response, sm.Response); err != nil {
			return nil, wrapErr(CodeIncompatibleProtocol, err)
		}
		if mr.errors, err = avro.NewResolver(cm.Errors, sm.Errors); err != nil {
			return nil, wrapErr(CodeIncompatibleProtocol, err)
		}
		a.messages[name] = mr
	}
	return a, nil
}

// selfAdapter builds the trivial adapter of a service against itself; it is
// what a channel uses until (and unless) a handshake installs a remote one.
func selfAdapter(svc *avro.Service) *Adapter {
	a, err := newAdapter(svc, svc, svc.Fingerprint(), false)
	if err != nil {
		// A service always resolves against itself.
		panic("ipc: self adapter construction failed: " + err.Error())
	}
	return a
}

// Hash returns the peer fingerprint this adapter is cached under.
func (a *Adapter) Hash() [16]byte { return a.hash }

// Remote reports whether the adapter was installed from the wire.
func (a *Adapter) Remote() bool { return a.isRemote }

// Client returns the client-side service of the pair.
func (a *Adapter) Client() *avro.Service { return a.client }

// Server returns the server-side service of the pair.
func (a *Adapter) Server() *avro.Service { return a.server }

// DecodeRequest parses a request body: headers, message name, then the
// request record through the request resolver. An empty name denotes the
// built-in ping, whose body must be empty.
func (a *Adapter) DecodeRequest(body []byte) (*WrappedRequest, error) {
	headers, n, err := avro.ReadBytesMap(body)
	if err != nil {
		return nil, wrapErr(CodeInvalidRequest, err)
	}
	name, m, err := avro.ReadString(body[n:])
	if err != nil {
		return nil, wrapErr(CodeInvalidRequest, err)
	}
	rest := body[n+m:]

	if name == "" {
		if len(rest) != 0 {
			return nil, Errorf(CodeInvalidRequest, "ping request carries %d unexpected bytes", len(rest))
		}
		return &WrappedRequest{Message: pingMessage, Headers: headers}, nil
	}

	sm := a.server.Message(name)
	mr := a.messages[name]
	if sm == nil || mr == nil {
		return nil, Errorf(CodeInvalidRequest, "unknown message %q", name)
	}
	v, k, err := mr.request.Decode(rest)
	if err != nil {
		return nil, wrapErr(CodeInvalidRequest, err)
	}
	if k != len(rest) {
		return nil, Errorf(CodeInvalidRequest, "request for %q has %d trailing bytes", name, len(rest)-k)
	}
	req, _ := v.(map[string]any)
	return &WrappedRequest{Message: sm, Headers: headers, Request: req}, nil
}

// DecodeResponse parses a response body into wres: headers, the error flag,
// then either the error union or the response value through the matching
// resolver for msg.
func (a *Adapter) DecodeResponse(body []byte, wres *WrappedResponse, msg *avro.Message) error {
	headers, n, err := avro.ReadBytesMap(body)
	if err != nil {
		return wrapErr(CodeInvalidResponse, err)
	}
	wres.Headers = headers

	hasError, m, err := avro.ReadBool(body[n:])
	if err != nil {
		return wrapErr(CodeInvalidResponse, err)
	}
	rest := body[n+m:]

	mr := a.messages[msg.Name]
	var respRes, errRes *avro.Resolver
	if mr != nil {
		respRes, errRes = mr.response, mr.errors
	} else {
		// Ping and other built-ins are identical on both sides.
		if respRes, err = avro.NewResolver(msg.Response, msg.Response); err != nil {
			return wrapErr(CodeInvalidResponse, err)
		}
		if errRes, err = avro.NewResolver(msg.Errors, msg.Errors); err != nil {
			return wrapErr(CodeInvalidResponse, err)
		}
	}

	if hasError {
		v, k, err := errRes.Decode(rest)
		if err != nil {
			return wrapErr(CodeInvalidResponse, err)
		}
		if k != len(rest) {
			return Errorf(CodeInvalidResponse, "error for %q has %d trailing bytes", msg.Name, len(rest)-k)
		}
		wres.SetError(v)
		return nil
	}
	v, k, err := respRes.Decode(rest)
	if err != nil {
		return wrapErr(CodeInvalidResponse, err)
	}
	if k != len(rest) {
		return Errorf(CodeInvalidResponse, "response for %q has %d trailing bytes", msg.Name, len(rest)-k)
	}
	wres.Response = v
	return nil
}

// hashEqual compares two fingerprints.
func hashEqual(a, b [16]byte) bool { return bytes.Equal(a[:], b[:]) }
