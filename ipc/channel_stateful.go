package ipc

import (
	"time"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/frame"
)

// statefulClientChannel multiplexes many concurrent calls over one shared
// transport. Unless NoPing is set, the opening record is a ping carrying the
// handshake; with NoPing no handshake is sent. Every record after the
// handshake is a bare request or response matched to its caller through the
// registry by wire id.
type statefulClientChannel struct {
	channelBase
	client *Client
	conn   conn
	reg    *callRegistry

	noPing      bool
	endWritable bool

	connected  bool
	adapter    *Adapter
	serverHash [16]byte // best-known peer fingerprint, sent in handshakes
	lastHreq   *avro.HandshakeRequest
	retried    bool
	buffered   []bufferedSend
	hsTimer    *time.Timer
}

type bufferedSend struct {
	rec    frame.Record
	oneWay bool
}

func newStatefulClientChannel(client *Client, transport any, opts ChannelOptions) (*statefulClientChannel, error) {
	cn, err := newConn(transport, true)
	if err != nil {
		return nil, err
	}
	ch := &statefulClientChannel{
		client:      client,
		conn:        cn,
		reg:         newCallRegistry(opts.Scope),
		noPing:      opts.NoPing,
		endWritable: opts.EndWritable,
		adapter:     client.selfAdapter,
		serverHash:  client.service.Fingerprint(),
	}
	ch.init(opts.Scope, func() {
		if ch.hsTimer != nil {
			ch.hsTimer.Stop()
		}
		ch.reg.clear(Errorf(CodeInterrupted, "channel was destroyed"))
		if ch.endWritable {
			ch.conn.end()
		}
	})

	if opts.Timeout > 0 {
		ch.hsTimer = time.AfterFunc(opts.Timeout, func() {
			ch.mu.Lock()
			pending := !ch.connected && !ch.dead
			ch.mu.Unlock()
			if pending {
				ch.emitError(Errorf(CodeTimeout, "connection timeout"))
				ch.Destroy(true)
			}
		})
	}

	go ch.readLoop()
	if ch.noPing {
		// The caller asserts the peer already knows this protocol; skip the
		// probe and send bare requests immediately.
		ch.mu.Lock()
		ch.connected = true
		ch.mu.Unlock()
	} else {
		ch.sendHandshake(false)
	}
	return ch, nil
}

// sendHandshake writes the handshake as a ping record. A NONE verdict from
// the peer triggers a single retry with the full protocol JSON included.
func (ch *statefulClientChannel) sendHandshake(includeProtocol bool) {
	ch.mu.Lock()
	hreq := &avro.HandshakeRequest{
		ClientHash: ch.client.service.Fingerprint(),
		ServerHash: ch.serverHash,
	}
	if includeProtocol {
		p := ch.client.service.Protocol()
		hreq.ClientProtocol = &p
	}
	ch.lastHreq = hreq
	ch.mu.Unlock()

	pingBody := avro.AppendBytesMap(nil, nil)
	pingBody = avro.AppendString(pingBody, "")

	id := ch.reg.add(0, func(error, []byte) {}) // ping response body is discarded
	rec := frame.WithID(id, hreq.Encode(nil), pingBody)
	if err := ch.conn.write(rec); err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
		ch.Destroy(true)
	}
}

func (ch *statefulClientChannel) readLoop() {
	err := ch.conn.readLoop(ch.handle)
	if err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
	}
	// Transport gone: any still-pending calls can never resolve.
	ch.Destroy(true)
}

func (ch *statefulClientChannel) handle(rec frame.Record) {
	if rec.ID == nil || !matchesPrefix(*rec.ID, ch.prefix) {
		return // another logical channel owns this frame
	}
	body := joinPayload(rec.Payload)

	ch.mu.Lock()
	connected := ch.connected
	ch.mu.Unlock()
	if connected {
		// A handshake-looking frame after connection is treated as a normal
		// response; the registry drops it if no id matches.
		if cb := ch.reg.get(*rec.ID); cb != nil {
			cb(nil, body)
		}
		return
	}

	hres, n, err := avro.DecodeHandshakeResponse(body)
	if err != nil {
		ch.emitError(wrapErr(CodeInvalidHandshakeResponse, err))
		ch.Destroy(true)
		return
	}

	switch hres.Match {
	case avro.MatchNone:
		if ch.retried {
			ch.emitError(Errorf(CodeIncompatibleProtocol, "server rejected protocol %s twice", ch.client.service.Name()))
			ch.Destroy(true)
			return
		}
		ch.retried = true
		ch.sendHandshake(true)
		return

	case avro.MatchClient:
		if hres.ServerProtocol == nil || hres.ServerHash == nil {
			ch.emitError(Errorf(CodeInvalidHandshakeResponse, "CLIENT match without server protocol"))
			ch.Destroy(true)
			return
		}
		adapter, err := ch.client.installRemote(*hres.ServerHash, *hres.ServerProtocol)
		if err != nil {
			ch.emitError(err)
			ch.Destroy(true)
			return
		}
		ch.mu.Lock()
		ch.adapter = adapter
		ch.serverHash = adapter.Hash()
		ch.mu.Unlock()

	case avro.MatchBoth:
		// The server recognized the fingerprint we sent; keep the adapter
		// already associated with it.
	}

	ch.mu.Lock()
	ch.connected = true
	hreq := ch.lastHreq
	buffered := ch.buffered
	ch.buffered = nil
	ch.mu.Unlock()

	if ch.hsTimer != nil {
		ch.hsTimer.Stop()
	}
	ch.emitHandshake(hreq, hres)

	// Resolve the ping (its body past the handshake is discarded) and
	// replay everything that queued up while we negotiated.
	if cb := ch.reg.get(*rec.ID); cb != nil {
		cb(nil, body[n:])
	}
	for _, s := range buffered {
		ch.writeOut(s.rec, s.oneWay)
	}
}

// send transmits a request record, buffering it while the handshake is
// still in flight. One-way sends resolve their registry slot immediately
// with a synthetic empty response instead of waiting on the wire.
func (ch *statefulClientChannel) send(id int32, reqBuf []byte, oneWay bool) error {
	rec := frame.WithID(id, reqBuf)
	ch.mu.Lock()
	if ch.dead {
		ch.mu.Unlock()
		return Errorf(CodeInterrupted, "channel was destroyed")
	}
	if !ch.connected {
		ch.buffered = append(ch.buffered, bufferedSend{rec, oneWay})
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()
	ch.writeOut(rec, oneWay)
	return nil
}

func (ch *statefulClientChannel) writeOut(rec frame.Record, oneWay bool) {
	if err := ch.conn.write(rec); err != nil {
		if cb := ch.reg.get(*rec.ID); cb != nil {
			cb(wrapErr(CodeInterrupted, err), nil)
		}
		return
	}
	if oneWay {
		if cb := ch.reg.get(*rec.ID); cb != nil {
			cb(nil, oneWayResponseBody())
		}
	}
}

func (ch *statefulClientChannel) currentAdapter() *Adapter {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.adapter
}

// statefulServerChannel serves many requests over one shared transport.
// The first record must carry a handshake; once one succeeds the channel
// never re-handshakes — a restarting client opens a new channel.
type statefulServerChannel struct {
	channelBase
	server *Server
	conn   conn

	connected bool
	adapter   *Adapter
}

func newStatefulServerChannel(server *Server, transport any, opts ChannelOptions) (*statefulServerChannel, error) {
	cn, err := newConn(transport, true)
	if err != nil {
		return nil, err
	}
	ch := &statefulServerChannel{server: server, conn: cn}
	ch.init(opts.Scope, func() {
		if opts.EndWritable {
			ch.conn.end()
		}
	})
	go ch.readLoop()
	return ch, nil
}

func (ch *statefulServerChannel) readLoop() {
	err := ch.conn.readLoop(ch.handle)
	if err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
	}
	ch.Destroy(true)
}

func (ch *statefulServerChannel) handle(rec frame.Record) {
	if rec.ID == nil || !matchesPrefix(*rec.ID, ch.prefix) {
		return
	}
	id := *rec.ID
	body := joinPayload(rec.Payload)

	ch.mu.Lock()
	connected := ch.connected
	ch.mu.Unlock()

	var hresPrefix []byte
	if !connected {
		hreq, n, err := avro.DecodeHandshakeRequest(body)
		if err != nil {
			ch.emitError(wrapErr(CodeInvalidHandshakeRequest, err))
			hres := &avro.HandshakeResponse{Match: avro.MatchNone}
			ch.write(frame.WithID(id, hres.Encode(nil)))
			return
		}
		adapter, hres, herr := ch.server.processHandshake(hreq)
		ch.emitHandshake(hreq, hres)
		if herr != nil {
			// Miss without a protocol payload: answer NONE and wait for the
			// client's retry on this same channel.
			ch.write(frame.WithID(id, hres.Encode(nil)))
			return
		}
		ch.mu.Lock()
		ch.adapter = adapter
		ch.connected = true
		ch.mu.Unlock()
		hresPrefix = hres.Encode(nil)
		body = body[n:]
	}

	if err := ch.addPending(); err != nil {
		return // draining: new requests are dropped
	}
	// Dispatch stays on the read loop so requests enter the pipeline in
	// arrival order; handlers that respond asynchronously still overlap.
	ch.serveRequest(id, body, hresPrefix)
}

func (ch *statefulServerChannel) serveRequest(id int32, body, hresPrefix []byte) {
	ch.mu.Lock()
	adapter := ch.adapter
	ch.mu.Unlock()

	ch.server.serve(ch, adapter, body, func(msg *avro.Message, respBody []byte) {
		defer ch.donePending()
		if msg != nil && msg.OneWay {
			return // nothing flows back for one-way messages
		}
		payload := [][]byte{respBody}
		if hresPrefix != nil {
			payload = [][]byte{hresPrefix, respBody}
		}
		ch.write(frame.Record{ID: &id, Payload: payload})
	})
}

func (ch *statefulServerChannel) write(rec frame.Record) {
	if err := ch.conn.write(rec); err != nil {
		ch.emitError(wrapErr(CodeInterrupted, err))
	}
}
