package engineio

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// fakeTransport is driven by the test: it records writes, and the test
// plays the server side through serverOpen/serverSend/serverError.
type fakeTransport struct {
	*transportBase
	autoDrain bool
	writes    chan parser.Packet
	opened    chan struct{}
	closed    atomic.Bool
}

func newFakeTransport(name string, opts TransportOptions, autoDrain bool) *fakeTransport {
	t := &fakeTransport{
		transportBase: newTransportBase(name, opts),
		autoDrain:     autoDrain,
		writes:        make(chan parser.Packet, 64),
		opened:        make(chan struct{}),
	}
	t.doOpen = func() { close(t.opened) }
	t.doClose = func() {}
	t.On("close", func(...any) { t.closed.Store(true) })
	t.write = func(packets []parser.Packet) {
		t.writable = false
		for _, packet := range packets {
			t.writes <- packet
		}
		if t.autoDrain {
			t.post(t.onDrain)
		}
	}
	return t
}

// Pause waits for an in-flight write, like polling does.
func (t *fakeTransport) Pause(onPause func()) {
	t.readyState = statePausing
	if t.writable {
		t.readyState = statePaused
		onPause()
		return
	}
	t.Once("drain", func(...any) {
		t.readyState = statePaused
		onPause()
	})
}

func (t *fakeTransport) serverOpen() { t.opts.Loop.Post(t.onOpen) }

func (t *fakeTransport) serverSend(packet parser.Packet) {
	t.opts.Loop.Post(func() { t.onPacket(packet) })
}

func (t *fakeTransport) serverError(err error) {
	t.opts.Loop.Post(func() { t.onError("fake error", err) })
}

func (t *fakeTransport) drain() { t.opts.Loop.Post(t.onDrain) }

func (t *fakeTransport) nextWrite(tb testing.TB) parser.Packet {
	tb.Helper()
	select {
	case packet := <-t.writes:
		return packet
	case <-time.After(waitTimeout):
		tb.Fatalf("%s: no write", t.name)
		return parser.Packet{}
	}
}

func (t *fakeTransport) assertNoWrite(tb testing.TB) {
	tb.Helper()
	select {
	case packet := <-t.writes:
		tb.Fatalf("%s: unexpected write %s %q", t.name, packet.Type, packet.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeNetwork struct {
	created   chan *fakeTransport
	autoDrain map[string]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		created:   make(chan *fakeTransport, 8),
		autoDrain: map[string]bool{TRANSPORT_POLLING: true, TRANSPORT_WEBSOCKET: true},
	}
}

func (n *fakeNetwork) factory(name string) TransportFactory {
	return func(opts TransportOptions) (Transport, error) {
		t := newFakeTransport(name, opts, n.autoDrain[name])
		n.created <- t
		return t, nil
	}
}

func (n *fakeNetwork) options(transports ...string) SocketOptions {
	opts := DefaultSocketOptions()
	opts.Transports = transports
	opts.TransportFactories = map[string]TransportFactory{}
	for _, name := range transports {
		opts.TransportFactories[name] = n.factory(name)
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

func newTestSocket(tb testing.TB, opts SocketOptions) *Socket {
	tb.Helper()
	socket, err := NewSocket("http://localhost:3000", opts)
	require.NoError(tb, err)
	return socket
}

func handshakePacket(sid string, upgrades []string, pingInterval, pingTimeout, maxPayload int) parser.Packet {
	data, _ := json.Marshal(HandshakeData{
		Sid:          sid,
		Upgrades:     upgrades,
		PingInterval: pingInterval,
		PingTimeout:  pingTimeout,
		MaxPayload:   maxPayload,
	})
	return parser.NewPacket(parser.PACKET_OPEN, data)
}

type closeEvent struct {
	reason string
	err    error
}

func captureClose(socket *Socket) chan closeEvent {
	closed := make(chan closeEvent, 1)
	socket.On("close", func(args ...any) {
		err, _ := args[1].(error)
		closed <- closeEvent{reason: args[0].(string), err: err}
	})
	return closed
}

func captureErrors(socket *Socket) chan error {
	errs := make(chan error, 4)
	socket.On("error", func(args ...any) { errs <- args[0].(error) })
	return errs
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

// openSocket opens socket over polling and completes the handshake.
func openSocket(t *testing.T, network *fakeNetwork, socket *Socket, handshake parser.Packet) *fakeTransport {
	t.Helper()
	opened := make(chan struct{}, 1)
	socket.Once("open", func(...any) { opened <- struct{}{} })
	socket.Open()

	polling := network.next(t)
	polling.serverOpen()
	polling.serverSend(handshake)
	waitFor(t, opened)
	return polling
}

func TestSocket_FreshHandshake(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET))
	defer socket.Close()

	ids := make(chan string, 1)
	socket.On("open", func(...any) { ids <- socket.ID() })
	socket.Open()

	polling := network.next(t)
	require.Equal(t, TRANSPORT_POLLING, polling.Name())
	assert.Equal(t, "4", polling.opts.Query.Get("EIO"))
	assert.Equal(t, TRANSPORT_POLLING, polling.opts.Query.Get("transport"))
	assert.Empty(t, polling.opts.Query.Get("sid"))

	polling.serverOpen()
	polling.serverSend(parser.DecodePacket(
		[]byte(`0{"sid":"abc","upgrades":["websocket"],"pingInterval":25000,"pingTimeout":20000}`), false))

	assert.Equal(t, "abc", waitFor(t, ids))
	assert.Equal(t, StateOpen, socket.ReadyState())
	assert.False(t, socket.HasPingExpired())

	probe := network.next(t)
	require.Equal(t, TRANSPORT_WEBSOCKET, probe.Name())
	assert.Equal(t, "abc", probe.opts.Query.Get("sid"))
	waitFor(t, probe.opened)

	probe.serverOpen()
	ping := probe.nextWrite(t)
	assert.Equal(t, parser.PACKET_PING, ping.Type)
	assert.Equal(t, "probe", string(ping.Data))
}

func TestSocket_NoProbeWithSingleTransport(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	defer socket.Close()

	openSocket(t, network, socket, handshakePacket("abc", []string{TRANSPORT_WEBSOCKET}, 25000, 20000, 0))

	select {
	case tr := <-network.created:
		t.Fatalf("unexpected probe on %s", tr.Name())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSocket_HeartbeatDeath(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	closed := captureClose(socket)

	openSocket(t, network, socket, handshakePacket("abc", nil, 30, 30, 0))

	event := waitFor(t, closed)
	assert.Equal(t, ReasonPingTimeout, event.reason)
	assert.ErrorIs(t, event.err, ErrPingTimeout)
	assert.Equal(t, StateClosed, socket.ReadyState())
	assert.Empty(t, socket.ID())
	assert.True(t, socket.HasPingExpired())
}

func TestSocket_PingIsAnsweredAndRearmsTimer(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	defer socket.Close()
	closed := captureClose(socket)

	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 60, 60, 0))

	// keep the session alive past several heartbeat windows
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		polling.serverSend(parser.NewPacket(parser.PACKET_PING, nil))
		pong := polling.nextWrite(t)
		assert.Equal(t, parser.PACKET_PONG, pong.Type)
	}
	select {
	case event := <-closed:
		t.Fatalf("closed with %q", event.reason)
	default:
	}

	assert.Equal(t, ReasonPingTimeout, waitFor(t, closed).reason)
}

func TestSocket_HandshakeErrors(t *testing.T) {
	tests := []struct {
		name  string
		first parser.Packet
	}{
		{name: "message before open", first: parser.NewStringPacket(parser.PACKET_MESSAGE, "hi")},
		{name: "ping before open", first: parser.NewPacket(parser.PACKET_PING, nil)},
		{name: "open without sid", first: parser.NewStringPacket(parser.PACKET_OPEN, `{"pingInterval":1}`)},
		{name: "open with bad json", first: parser.NewStringPacket(parser.PACKET_OPEN, `{"sid":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := newFakeNetwork()
			socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
			errs := captureErrors(socket)
			closed := captureClose(socket)
			socket.Open()

			polling := network.next(t)
			polling.serverOpen()
			polling.serverSend(tt.first)

			var handshakeErr *HandshakeError
			assert.ErrorAs(t, waitFor(t, errs), &handshakeErr)
			assert.Equal(t, ReasonTransportError, waitFor(t, closed).reason)
			assert.True(t, polling.closed.Load())
		})
	}
}

func TestSocket_CloseReasons(t *testing.T) {
	tests := []struct {
		name   string
		packet parser.Packet
		reason string
		err    error
	}{
		{name: "server close", packet: parser.NewPacket(parser.PACKET_CLOSE, nil), reason: ReasonTransportClose},
		{name: "parser error", packet: parser.ErrorPacket, reason: ReasonParseError, err: ErrParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := newFakeNetwork()
			socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
			closed := captureClose(socket)

			polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))
			polling.serverSend(tt.packet)

			ev := waitFor(t, closed)
			assert.Equal(t, tt.reason, ev.reason)
			if tt.err != nil {
				assert.ErrorIs(t, ev.err, tt.err)
			}
		})
	}
}

func TestSocket_TransportErrorAfterOpen(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	errs := captureErrors(socket)
	closed := captureClose(socket)

	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))
	polling.serverError(errors.New("connection reset"))

	var transportErr *TransportError
	require.ErrorAs(t, waitFor(t, errs), &transportErr)
	assert.Equal(t, TRANSPORT_POLLING, transportErr.Transport)
	event := waitFor(t, closed)
	assert.Equal(t, ReasonTransportError, event.reason)
	assert.ErrorAs(t, event.err, &transportErr)
}

func TestSocket_MessagesAndWrites(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	defer socket.Close()

	messages := make(chan parser.Packet, 4)
	socket.On("message", func(args ...any) { messages <- args[0].(parser.Packet) })

	// writes before the handshake are buffered and flushed on open
	socket.Write("early")
	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))
	assert.Equal(t, "early", string(polling.nextWrite(t).Data))

	socket.WriteBinary([]byte{1, 2, 3})
	written := polling.nextWrite(t)
	assert.True(t, written.Binary)
	assert.Equal(t, []byte{1, 2, 3}, written.Data)

	polling.serverSend(parser.NewStringPacket(parser.PACKET_MESSAGE, "hello"))
	assert.Equal(t, "hello", string(waitFor(t, messages).Data))
}

func TestSocket_PollingFlushRespectsMaxPayload(t *testing.T) {
	network := newFakeNetwork()
	network.autoDrain[TRANSPORT_POLLING] = false
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	defer socket.Close()

	socket.Write("aaaa")
	socket.Write("bbbb")
	socket.Write("cccc")
	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 10))

	assert.Equal(t, "aaaa", string(polling.nextWrite(t).Data))
	polling.assertNoWrite(t)

	polling.drain()
	assert.Equal(t, "bbbb", string(polling.nextWrite(t).Data))
	polling.assertNoWrite(t)

	polling.drain()
	assert.Equal(t, "cccc", string(polling.nextWrite(t).Data))
}

func TestSocket_WriteCallbackRunsOnFlush(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	defer socket.Close()

	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))

	flushed := make(chan struct{}, 1)
	socket.WritePacket(parser.NewStringPacket(parser.PACKET_MESSAGE, "x"), func() { flushed <- struct{}{} })
	polling.nextWrite(t)
	waitFor(t, flushed)
}

func TestSocket_CloseWaitsForDrain(t *testing.T) {
	network := newFakeNetwork()
	network.autoDrain[TRANSPORT_POLLING] = false
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	closed := captureClose(socket)

	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))
	socket.Write("last words")
	polling.nextWrite(t)
	socket.Close()

	require.Eventually(t, func() bool { return socket.ReadyState() == StateClosing }, waitTimeout, time.Millisecond)
	assert.False(t, polling.closed.Load())

	polling.drain()
	assert.Equal(t, ReasonForcedClose, waitFor(t, closed).reason)
	assert.True(t, polling.closed.Load())
}

func TestSocket_WritesAfterCloseAreDropped(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING))
	closed := captureClose(socket)

	polling := openSocket(t, network, socket, handshakePacket("abc", nil, 25000, 20000, 0))
	socket.Close()
	waitFor(t, closed)

	socket.Write("too late")
	polling.assertNoWrite(t)
}

func TestSocket_TransportConstructionFallback(t *testing.T) {
	network := newFakeNetwork()
	opts := network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET)
	opts.TransportFactories[TRANSPORT_POLLING] = func(TransportOptions) (Transport, error) {
		return nil, errors.New("polling unavailable")
	}
	socket := newTestSocket(t, opts)
	defer socket.Close()
	socket.Open()

	tr := network.next(t)
	assert.Equal(t, TRANSPORT_WEBSOCKET, tr.Name())
}

func TestSocket_NoTransportAvailable(t *testing.T) {
	opts := DefaultSocketOptions()
	opts.Transports = []string{TRANSPORT_POLLING, "carrier-pigeon"}
	opts.TransportFactories = map[string]TransportFactory{
		TRANSPORT_POLLING: func(TransportOptions) (Transport, error) {
			return nil, errors.New("polling unavailable")
		},
	}
	socket := newTestSocket(t, opts)
	errs := captureErrors(socket)
	socket.Open()

	err := waitFor(t, errs)
	var handshakeErr *HandshakeError
	require.ErrorAs(t, err, &handshakeErr)
	assert.ErrorIs(t, err, ErrNoTransports)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), "polling unavailable")
}

func TestSocket_TryAllTransports(t *testing.T) {
	network := newFakeNetwork()
	opts := network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET)
	opts.TryAllTransports = true
	socket := newTestSocket(t, opts)
	defer socket.Close()

	opened := make(chan struct{}, 1)
	socket.On("open", func(...any) { opened <- struct{}{} })
	socket.Open()

	polling := network.next(t)
	polling.serverError(errors.New("blocked by proxy"))

	ws := network.next(t)
	require.Equal(t, TRANSPORT_WEBSOCKET, ws.Name())
	assert.True(t, polling.closed.Load())

	ws.serverOpen()
	ws.serverSend(handshakePacket("abc", nil, 25000, 20000, 0))
	waitFor(t, opened)
	assert.Equal(t, TRANSPORT_WEBSOCKET, socket.TransportName())
}

func TestSocket_RememberUpgrade(t *testing.T) {
	network := newFakeNetwork()
	opts := network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET)
	opts.RememberUpgrade = true
	opts.UpgradeMemory = &UpgradeMemory{}
	opts.UpgradeMemory.set(true)
	socket := newTestSocket(t, opts)
	defer socket.Close()
	socket.Open()

	assert.Equal(t, TRANSPORT_WEBSOCKET, network.next(t).Name())
}

// startProbe waits for the websocket probe and answers its open.
func startProbe(t *testing.T, network *fakeNetwork) *fakeTransport {
	t.Helper()
	ws := network.next(t)
	require.Equal(t, TRANSPORT_WEBSOCKET, ws.Name())
	waitFor(t, ws.opened)
	ws.serverOpen()
	ping := ws.nextWrite(t)
	require.Equal(t, parser.PACKET_PING, ping.Type)
	return ws
}

func TestSocket_UpgradeNoLoss(t *testing.T) {
	network := newFakeNetwork()
	network.autoDrain[TRANSPORT_POLLING] = false
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET))
	defer socket.Close()

	upgraded := make(chan string, 1)
	socket.On("upgrade", func(args ...any) { upgraded <- args[0].(string) })

	polling := openSocket(t, network, socket, handshakePacket("abc", []string{TRANSPORT_WEBSOCKET}, 25000, 20000, 0))
	ws := startProbe(t, network)

	// one message in flight on polling, two more queued while the probe completes
	socket.Write("m1")
	ws.serverSend(parser.NewStringPacket(parser.PACKET_PONG, "probe"))
	socket.Write("m2")
	socket.Write("m3")
	polling.drain()

	assert.Equal(t, TRANSPORT_WEBSOCKET, waitFor(t, upgraded))

	var received []string
	received = append(received, string(polling.nextWrite(t).Data))
	polling.assertNoWrite(t)

	assert.Equal(t, parser.PACKET_UPGRADE, ws.nextWrite(t).Type)
	received = append(received, string(ws.nextWrite(t).Data), string(ws.nextWrite(t).Data))
	ws.assertNoWrite(t)

	assert.Equal(t, []string{"m1", "m2", "m3"}, received)
	assert.Equal(t, TRANSPORT_WEBSOCKET, socket.TransportName())
	assert.True(t, polling.closed.Load())
}

func TestSocket_ProbeFailureKeepsTransport(t *testing.T) {
	tests := []struct {
		name  string
		fail  func(ws *fakeTransport)
		after func(t *testing.T, socket *Socket)
	}{
		{
			name: "wrong probe reply",
			fail: func(ws *fakeTransport) { ws.serverSend(parser.NewStringPacket(parser.PACKET_PONG, "nope")) },
		},
		{
			name: "probe transport error",
			fail: func(ws *fakeTransport) { ws.serverError(errors.New("handshake refused")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := newFakeNetwork()
			socket := newTestSocket(t, network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET))
			defer socket.Close()

			probeErrs := make(chan error, 1)
			socket.On("upgradeError", func(args ...any) { probeErrs <- args[0].(error) })

			polling := openSocket(t, network, socket, handshakePacket("abc", []string{TRANSPORT_WEBSOCKET}, 25000, 20000, 0))
			ws := startProbe(t, network)
			tt.fail(ws)

			var probeErr *ProbeError
			require.ErrorAs(t, waitFor(t, probeErrs), &probeErr)
			assert.Equal(t, TRANSPORT_WEBSOCKET, probeErr.Transport)
			assert.True(t, ws.closed.Load())
			assert.Equal(t, TRANSPORT_POLLING, socket.TransportName())
			assert.Equal(t, StateOpen, socket.ReadyState())

			socket.Write("still here")
			assert.Equal(t, "still here", string(polling.nextWrite(t).Data))
		})
	}
}

func TestSocket_CloseDuringProbeAbortsIt(t *testing.T) {
	network := newFakeNetwork()
	socket := newTestSocket(t, network.options(TRANSPORT_POLLING, TRANSPORT_WEBSOCKET))
	closed := captureClose(socket)
	probeErrs := make(chan error, 1)
	socket.On("upgradeError", func(args ...any) { probeErrs <- args[0].(error) })

	openSocket(t, network, socket, handshakePacket("abc", []string{TRANSPORT_WEBSOCKET}, 25000, 20000, 0))
	ws := startProbe(t, network)
	socket.Close()

	assert.Equal(t, ReasonForcedClose, waitFor(t, closed).reason)
	waitFor(t, probeErrs)
	assert.True(t, ws.closed.Load())
}
