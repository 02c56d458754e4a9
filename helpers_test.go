package siolink

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghuvrons/siolink/emitter"
	"github.com/ghuvrons/siolink/engineio"
	eioparser "github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/eventloop"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeTransport stands in for the network below the engine: the test plays
// the server by injecting packets and reading what the client wrote.
type fakeTransport struct {
	*emitter.EventEmitter
	loop     *eventloop.Loop
	writable bool
	closed   bool
	writes   chan eioparser.Packet
}

func newFakeTransport(loop *eventloop.Loop) *fakeTransport {
	return &fakeTransport{
		EventEmitter: emitter.New(),
		loop:         loop,
		writes:       make(chan eioparser.Packet, 256),
	}
}

func (t *fakeTransport) Name() string { return engineio.TRANSPORT_WEBSOCKET }

func (t *fakeTransport) Open() {
	t.loop.Post(func() {
		t.writable = true
		t.Emit("open")
	})
}

func (t *fakeTransport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.writable = false
	t.Emit("close", nil)
}

func (t *fakeTransport) Send(packets []eioparser.Packet) {
	t.writable = false
	for _, packet := range packets {
		t.writes <- packet
	}
	t.loop.Post(func() {
		if t.closed {
			return
		}
		t.writable = true
		t.Emit("drain")
	})
}

func (t *fakeTransport) Pause(onPause func()) { onPause() }

func (t *fakeTransport) Writable() bool { return t.writable }

func (t *fakeTransport) SetQuery(string, string) {}

func (t *fakeTransport) inject(packet eioparser.Packet) {
	t.loop.Post(func() {
		if !t.closed {
			t.Emit("packet", packet)
		}
	})
}

// handshake completes the engine handshake with a long heartbeat.
func (t *fakeTransport) handshake(sid string) {
	data, _ := json.Marshal(engineio.HandshakeData{Sid: sid, Upgrades: []string{}, PingInterval: 10000, PingTimeout: 5000})
	t.inject(eioparser.NewPacket(eioparser.PACKET_OPEN, data))
}

// serve injects a Socket.IO packet in its text form.
func (t *fakeTransport) serve(text string) {
	t.inject(eioparser.NewStringPacket(eioparser.PACKET_MESSAGE, text))
}

func (t *fakeTransport) serveBinary(data []byte) {
	t.inject(eioparser.NewBinaryPacket(data))
}

// drop simulates the connection going away.
func (t *fakeTransport) drop() {
	t.loop.Post(t.Close)
}

// next returns the next message the client wrote.
func (t *fakeTransport) next(tb testing.TB) eioparser.Packet {
	tb.Helper()
	for {
		select {
		case packet := <-t.writes:
			if packet.Type == eioparser.PACKET_MESSAGE {
				return packet
			}
		case <-time.After(waitTimeout):
			tb.Fatal("no message written")
			return eioparser.Packet{}
		}
	}
}

func (t *fakeTransport) nextText(tb testing.TB) string {
	tb.Helper()
	return string(t.next(tb).Data)
}

func (t *fakeTransport) assertNoMessage(tb testing.TB, within time.Duration) {
	tb.Helper()
	deadline := time.After(within)
	for {
		select {
		case packet := <-t.writes:
			if packet.Type == eioparser.PACKET_MESSAGE {
				tb.Fatalf("unexpected message %q", packet.Data)
			}
		case <-deadline:
			return
		}
	}
}

type fakeNetwork struct {
	created chan *fakeTransport
	refuse  atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{created: make(chan *fakeTransport, 8)}
}

func (n *fakeNetwork) options() ManagerOptions {
	opts := DefaultManagerOptions()
	opts.ReconnectionDelay = 10 * time.Millisecond
	opts.ReconnectionDelayMax = 20 * time.Millisecond
	opts.RandomizationFactor = 0
	opts.Engine.Transports = []string{engineio.TRANSPORT_WEBSOCKET}
	opts.Engine.TransportFactories = map[string]engineio.TransportFactory{
		engineio.TRANSPORT_WEBSOCKET: func(o engineio.TransportOptions) (engineio.Transport, error) {
			if n.refuse.Load() {
				return nil, errors.New("connection refused")
			}
			t := newFakeTransport(o.Loop)
			n.created <- t
			return t, nil
		},
	}
	return opts
}

func (n *fakeNetwork) next(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case t := <-n.created:
		return t
	case <-time.After(waitTimeout):
		tb.Fatal("no transport created")
		return nil
	}
}

func newTestManager(tb testing.TB, opts ManagerOptions) *Manager {
	tb.Helper()
	return newManagerAt(tb, "http://localhost:3000", opts)
}

// newManagerAt creates a manager closed when the test ends.
func newManagerAt(tb testing.TB, rawURL string, opts ManagerOptions) *Manager {
	tb.Helper()
	manager, err := NewManager(rawURL, opts)
	require.NoError(tb, err)
	tb.Cleanup(func() {
		manager.Close()
		select {
		case <-manager.Done():
		case <-time.After(waitTimeout):
		}
	})
	return manager
}

// connectSocket runs the engine handshake and the namespace CONNECT for a
// socket created with auto-connect.
func connectSocket(t *testing.T, network *fakeNetwork, socket *Socket) *fakeTransport {
	t.Helper()
	connected := make(chan struct{}, 1)
	socket.Once("connect", func(...any) { connected <- struct{}{} })

	transport := network.next(t)
	transport.handshake("e1")
	require.Equal(t, "0", connectText(socket.nsp, transport.nextText(t)))
	transport.serve(nspPrefix(socket.nsp) + `0{"sid":"s1"}`)
	waitFor(t, connected)
	return transport
}

// connectText strips the namespace from a written CONNECT packet.
func connectText(nsp, text string) string {
	if nsp == "/" {
		return text
	}
	return text[:1] + text[1+len(nsp)+1:]
}

func nspPrefix(nsp string) string {
	if nsp == "/" {
		return ""
	}
	return nsp + ","
}

func waitFor[T any](tb testing.TB, ch chan T) T {
	tb.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		tb.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

// capture records the arguments of every emission of event.
func capture(socket interface {
	On(string, emitter.Listener) func()
}, event string) chan []any {
	ch := make(chan []any, 16)
	socket.On(event, func(args ...any) { ch <- args })
	return ch
}
