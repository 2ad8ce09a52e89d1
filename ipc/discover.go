package ipc

import (
	"sync"

	"github.com/dbsheta/avsc/avro"
)

// discoverProtocolSource is the empty protocol a discovery probe announces;
// its fingerprint never matches a real server, forcing a CLIENT handshake
// that carries the server's protocol back.
const discoverProtocolSource = `{"protocol":"Discover"}`

// DiscoverProtocol opens a minimal stateless client against the factory,
// captures the server's protocol from the handshake response, destroys the
// channel, and delivers the parsed service.
func DiscoverProtocol(factory Factory, opts ChannelOptions, cb func(*avro.Service, error)) {
	svc, err := avro.ParseProtocol([]byte(discoverProtocolSource))
	if err != nil {
		cb(nil, err)
		return
	}
	client := NewClient(svc, nil)
	ch, err := client.CreateStatelessChannel(factory, opts)
	if err != nil {
		cb(nil, err)
		return
	}

	var once sync.Once
	deliver := func(svc *avro.Service, err error) {
		once.Do(func() {
			ch.Destroy(true)
			cb(svc, err)
		})
	}

	ch.OnHandshake(func(_ *avro.HandshakeRequest, hres *avro.HandshakeResponse) {
		if hres.ServerProtocol == nil {
			deliver(nil, Errorf(CodeUnknownProtocol, "handshake response carried no server protocol"))
			return
		}
		remote, err := avro.ParseProtocol([]byte(*hres.ServerProtocol))
		deliver(remote, err)
	})

	// A ping forces the handshake exchange without touching any message.
	client.EmitMessage("", nil, nil, func(_ *CallContext, err error, _ any) {
		if err != nil {
			deliver(nil, err)
		}
	})
}
