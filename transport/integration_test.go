package transport_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dbsheta/avsc/avro"
	"github.com/dbsheta/avsc/ipc"
	"github.com/dbsheta/avsc/transport"
)

const echoProto = `{
	"protocol": "Echo",
	"messages": {
		"echo": {"request": [{"name": "s", "type": "string"}], "response": "string"}
	}
}`

func echoServer(t *testing.T) *ipc.Server {
	t.Helper()
	svc, err := avro.ParseProtocol([]byte(echoProto))
	if err != nil {
		t.Fatal(err)
	}
	server := ipc.NewServer(svc, &ipc.ServerOptions{Silent: true})
	server.OnMessage("echo", func(_ *ipc.CallContext, req map[string]any, respond ipc.Respond) {
		respond(nil, req["s"])
	})
	return server
}

func echoClient(t *testing.T) *ipc.Client {
	t.Helper()
	svc, err := avro.ParseProtocol([]byte(echoProto))
	if err != nil {
		t.Fatal(err)
	}
	return ipc.NewClient(svc, nil)
}

func callEcho(t *testing.T, client *ipc.Client, s string) {
	t.Helper()
	done := make(chan struct{})
	client.EmitMessage("echo", map[string]any{"s": s}, nil, func(_ *ipc.CallContext, err error, res any) {
		if err != nil {
			t.Errorf("echo(%q): %v", s, err)
		} else if res != s {
			t.Errorf("echo(%q): got %v", s, res)
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("echo(%q) never completed", s)
	}
}

// Stateful channels over real TCP exercise the netty framing dialect.
func TestTCPStateful(t *testing.T) {
	server := echoServer(t)
	ln, err := transport.Listen("tcp", "127.0.0.1:0", func(conn net.Conn) {
		server.CreateStatefulChannel(conn, ipc.ChannelOptions{})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Shutdown(time.Second)

	conn, err := transport.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := echoClient(t)
	if _, err := client.CreateStatefulChannel(conn, ipc.ChannelOptions{Timeout: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}

	for _, s := range []string{"one", "two", "three"} {
		callEcho(t, client, s)
	}
	client.DestroyChannels(false)
}

// Stateless channels over TCP exercise the standard framing dialect with a
// handshake on every exchange.
func TestTCPStateless(t *testing.T) {
	server := echoServer(t)
	ln, err := transport.Listen("tcp", "127.0.0.1:0", func(conn net.Conn) {
		server.CreateStatelessChannel(conn, ipc.ChannelOptions{})
	})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Shutdown(time.Second)

	client := echoClient(t)
	if _, err := client.CreateStatelessChannel(transport.DialFactory("tcp", ln.Addr().String()), ipc.ChannelOptions{}); err != nil {
		t.Fatal(err)
	}
	callEcho(t, client, "cold")  // both sides share the protocol: BOTH on the first exchange
	callEcho(t, client, "warm")  // a second exchange on a fresh connection, again BOTH
}

func TestWebSocketStateful(t *testing.T) {
	server := echoServer(t)
	upgrader := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		server.CreateStatefulChannel(transport.NewWSConn(wsc), ipc.ChannelOptions{})
	}))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	wsc, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	client := echoClient(t)
	if _, err := client.CreateStatefulChannel(transport.NewWSConn(wsc), ipc.ChannelOptions{Timeout: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}
	callEcho(t, client, "over websocket")
}
