package ipc

import (
	"io"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/frame"
)

// statelessClientChannel opens a fresh transport per call: one framed
// record out (handshake + request), one record back (handshake response +
// response body). Because calls never share a transport, no id matching is
// needed, but ids are still embedded for transports that preserve them.
type statelessClientChannel struct {
	channelBase
	client  *Client
	factory Factory
	reg     *callRegistry

	endWritable bool
	adapter     *Adapter
	serverHash  [16]byte
}

func newStatelessClientChannel(client *Client, factory Factory, opts ChannelOptions) *statelessClientChannel {
	ch := &statelessClientChannel{
		client:      client,
		factory:     factory,
		reg:         newCallRegistry(opts.Scope),
		endWritable: opts.EndWritable,
		adapter:     client.selfAdapter,
		serverHash:  client.service.Fingerprint(),
	}
	ch.init(opts.Scope, func() {
		ch.reg.clear(Errorf(CodeInterrupted, "channel was destroyed"))
	})
	return ch
}

func (ch *statelessClientChannel) currentAdapter() *Adapter {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.adapter
}

// send performs one isolated exchange. A NONE handshake verdict triggers a
// retry on a new transport with the full protocol JSON included.
func (ch *statelessClientChannel) send(id int32, reqBuf []byte, oneWay bool) error {
	go ch.attempt(id, reqBuf, oneWay, false)
	return nil
}

func (ch *statelessClientChannel) attempt(id int32, reqBuf []byte, oneWay, includeProtocol bool) {
	resolve := func(err error, body []byte) {
		if cb := ch.reg.get(id); cb != nil {
			cb(err, body)
		}
	}

	duplex, err := ch.factory()
	if err != nil {
		resolve(wrapErr(CodeInterrupted, err), nil)
		return
	}
	cn, err := newConn(duplex, false)
	if err != nil {
		resolve(err, nil)
		return
	}

	ch.mu.Lock()
	hreq := &avro.HandshakeRequest{
		ClientHash: ch.client.service.Fingerprint(),
		ServerHash: ch.serverHash,
	}
	ch.mu.Unlock()
	if includeProtocol {
		p := ch.client.service.Protocol()
		hreq.ClientProtocol = &p
	}

	if err := cn.write(frame.WithID(id, hreq.Encode(nil), reqBuf)); err != nil {
		resolve(wrapErr(CodeInterrupted, err), nil)
		return
	}
	if ch.endWritable {
		cn.end()
	}
	if oneWay {
		// One-way calls resolve as soon as the bytes are written.
		resolve(nil, oneWayResponseBody())
		return
	}

	rec, err := readOne(cn)
	if err != nil {
		resolve(wrapErr(CodeInterrupted, err), nil)
		return
	}
	body := joinPayload(rec.Payload)
	hres, n, err := avro.DecodeHandshakeResponse(body)
	if err != nil {
		resolve(wrapErr(CodeInvalidHandshakeResponse, err), nil)
		return
	}

	switch hres.Match {
	case avro.MatchNone:
		if includeProtocol {
			resolve(Errorf(CodeIncompatibleProtocol, "server rejected protocol %s twice", ch.client.service.Name()), nil)
			return
		}
		ch.attempt(id, reqBuf, oneWay, true)
		return

	case avro.MatchClient:
		if hres.ServerProtocol == nil || hres.ServerHash == nil {
			resolve(Errorf(CodeInvalidHandshakeResponse, "CLIENT match without server protocol"), nil)
			return
		}
		adapter, err := ch.client.installRemote(*hres.ServerHash, *hres.ServerProtocol)
		if err != nil {
			resolve(err, nil)
			return
		}
		ch.mu.Lock()
		ch.adapter = adapter
		ch.serverHash = adapter.Hash()
		ch.mu.Unlock()
	}

	ch.emitHandshake(hreq, hres)
	resolve(nil, body[n:])
}

// readOne reads from the transport until exactly one record decodes.
func readOne(cn conn) (frame.Record, error) {
	type result struct {
		rec frame.Record
		ok  bool
	}
	var res result
	err := cn.readLoopUntil(func(rec frame.Record) bool {
		res = result{rec, true}
		return true
	})
	if !res.ok {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return frame.Record{}, err
	}
	return res.rec, nil
}

// statelessServerChannel answers self-contained records: each one carries a
// handshake and (usually) a request; each response is prefixed with the
// handshake response. One record in, one record out.
type statelessServerChannel struct {
	channelBase
	server *Server
	conn   conn
}

func newStatelessServerChannel(server *Server, transport any, opts ChannelOptions) (*statelessServerChannel, error) {
	cn, err := newConn(transport, false)
	if err != nil {
		return nil, err
	}
	ch := &statelessServerChannel{server: server, conn: cn}
	ch.init(opts.Scope, func() {
		if opts.EndWritable {
			ch.conn.end()
		}
	})
	go ch.readLoop()
	return ch, nil
}

func (ch *statelessServerChannel) readLoop() {
	err := ch.conn.readLoop(ch.handle)
	if err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
	}
	ch.Destroy(false)
}

func (ch *statelessServerChannel) handle(rec frame.Record) {
	body := joinPayload(rec.Payload)
	hreq, n, err := avro.DecodeHandshakeRequest(body)
	if err != nil {
		ch.emitError(wrapErr(CodeInvalidHandshakeRequest, err))
		hres := &avro.HandshakeResponse{Match: avro.MatchNone}
		ch.write(rec.ID, [][]byte{hres.Encode(nil)})
		return
	}
	adapter, hres, herr := ch.server.processHandshake(hreq)
	ch.emitHandshake(hreq, hres)
	hresPrefix := hres.Encode(nil)
	if herr != nil {
		ch.write(rec.ID, [][]byte{hresPrefix})
		return
	}

	if err := ch.addPending(); err != nil {
		return
	}
	ch.server.serve(ch, adapter, body[n:], func(msg *avro.Message, respBody []byte) {
		defer ch.donePending()
		if msg != nil && msg.OneWay {
			return
		}
		ch.write(rec.ID, [][]byte{hresPrefix, respBody})
	})
}

func (ch *statelessServerChannel) write(id *int32, payload [][]byte) {
	if err := ch.conn.write(frame.Record{ID: id, Payload: payload}); err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
	}
}
