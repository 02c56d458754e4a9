package engineio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ghuvrons/siolink/emitter"
	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/eventloop"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/ghuvrons/siolink/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// HandshakeData is the payload of the server's open packet.
type HandshakeData struct {
	Sid          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Socket is the client side of one Engine.IO session. It owns exactly one
// active transport, performs the handshake, keeps the heartbeat and upgrades
// to a better transport when the server offers one.
//
// Protocol state is only changed on the socket's loop. Listeners registered
// with On run on that loop too. A Socket cannot be reopened once closed.
//
// Events: open, handshake(HandshakeData), packet(parser.Packet), heartbeat,
// ping, data(parser.Packet), message(parser.Packet), packetCreate, flush,
// drain, upgrading(string), upgrade(string), upgradeError(error),
// error(error), close(reason string, err error).
type Socket struct {
	*emitter.EventEmitter

	uri     *url.URL
	query   url.Values
	opts    SocketOptions
	loop    *eventloop.Loop
	ownLoop bool
	logger  *zap.Logger

	readyState    ReadyState
	id            string
	transport     Transport
	transportOffs []func()
	transports    []string
	upgrades      []string
	upgrading     bool
	pingInterval  time.Duration
	pingTimeout   time.Duration
	maxPayload    int
	pingTimer     *eventloop.Timer
	writeBuffer   []parser.Packet
	prevBufferLen int
	ended         bool

	stateSnap     atomic.Value
	idSnap        atomic.Value
	transportSnap atomic.Value
	pingDeadline  atomic.Int64
}

func NewSocket(rawURL string, opts SocketOptions) (*Socket, error) {
	uri, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("engineio: parse url: %w", err)
	}

	defaults := DefaultSocketOptions()
	if opts.Path == "" {
		opts.Path = defaults.Path
	}
	if len(opts.Transports) == 0 {
		opts.Transports = defaults.Transports
	}
	if opts.TimestampParam == "" {
		opts.TimestampParam = defaults.TimestampParam
	}

	query := uri.Query()
	for k, v := range opts.Query {
		query[k] = append([]string(nil), v...)
	}
	uri.RawQuery = ""
	uri.Path = strings.TrimRight(opts.Path, "/") + "/"

	socket := &Socket{
		EventEmitter: emitter.New(),
		uri:          uri,
		query:        query,
		opts:         opts,
		loop:         opts.Loop,
		logger:       logging.Or(opts.Logger).With(zap.String("component", "engineio")),
		transports:   append([]string(nil), opts.Transports...),
	}
	if socket.loop == nil {
		socket.loop = eventloop.New()
		socket.ownLoop = true
	}
	socket.setReadyState(StateClosed)
	socket.idSnap.Store("")
	socket.transportSnap.Store("")
	return socket, nil
}

// Open starts the session. Failures are reported with the "error" event.
func (socket *Socket) Open() {
	socket.loop.Post(socket.open)
}

// Close flushes pending writes, waits for an upgrade in progress, then closes
// the session with reason "forced close".
func (socket *Socket) Close() {
	socket.loop.Post(socket.close)
}

// Write sends a text message.
func (socket *Socket) Write(data string) {
	socket.WritePacket(parser.NewStringPacket(parser.PACKET_MESSAGE, data), nil)
}

// WriteBinary sends a binary message.
func (socket *Socket) WriteBinary(data []byte) {
	socket.WritePacket(parser.NewBinaryPacket(data), nil)
}

// WritePacket queues packet; fn, when set, runs once the buffer holding it is
// handed to the transport.
func (socket *Socket) WritePacket(packet parser.Packet, fn func()) {
	socket.loop.Post(func() {
		socket.sendPacket(packet, fn)
	})
}

func (socket *Socket) ID() string { return socket.idSnap.Load().(string) }

func (socket *Socket) ReadyState() ReadyState { return socket.stateSnap.Load().(ReadyState) }

func (socket *Socket) TransportName() string { return socket.transportSnap.Load().(string) }

// Loop returns the executor running this socket's state changes.
func (socket *Socket) Loop() *eventloop.Loop { return socket.loop }

// TransportWritable reports whether the current transport accepts a write
// right now. It must be called from the socket's loop.
func (socket *Socket) TransportWritable() bool {
	return socket.transport != nil && socket.transport.Writable()
}

// HasPingExpired reports whether the heartbeat deadline has passed without
// the timer having fired yet, which happens when the process was suspended.
// An expired deadline closes the session with "ping timeout".
func (socket *Socket) HasPingExpired() bool {
	deadline := socket.pingDeadline.Load()
	if deadline == 0 {
		return true
	}
	if time.Now().UnixNano() > deadline {
		socket.pingDeadline.Store(0)
		socket.loop.Post(func() {
			socket.onClose(ReasonPingTimeout, ErrPingTimeout)
		})
		return true
	}
	return false
}

func (socket *Socket) setReadyState(state ReadyState) {
	socket.readyState = state
	socket.stateSnap.Store(state)
}

func (socket *Socket) open() {
	if socket.ended {
		return
	}
	switch socket.readyState {
	case StateOpening, StateOpen, StateClosing:
		return
	}
	socket.openTransport(nil)
}

func (socket *Socket) openTransport(errs *multierror.Error) {
	for {
		if len(socket.transports) == 0 {
			errs = multierror.Append(errs, ErrNoTransports)
			socket.logger.Warn("engine_open_failed", zap.Error(errs))
			socket.Emit("error", &HandshakeError{Err: errs.ErrorOrNil()})
			return
		}

		name := socket.transports[0]
		if socket.opts.RememberUpgrade && socket.opts.UpgradeMemory.PriorWebsocketSuccess() &&
			contains(socket.transports, TRANSPORT_WEBSOCKET) {
			name = TRANSPORT_WEBSOCKET
		}

		transport, err := socket.createTransport(name)
		if err != nil {
			socket.logger.Debug("transport_unavailable", zap.String("transport", name), zap.Error(err))
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
			socket.transports = without(socket.transports, name)
			continue
		}

		socket.setReadyState(StateOpening)
		socket.setTransport(transport)
		socket.logger.Debug("engine_opening", zap.String("transport", name))
		transport.Open()
		return
	}
}

func (socket *Socket) createTransport(name string) (Transport, error) {
	factory, ok := socket.opts.TransportFactories[name]
	if !ok {
		factory, ok = defaultTransports[name]
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}

	query := url.Values{}
	for k, v := range socket.query {
		query[k] = append([]string(nil), v...)
	}
	query.Set("EIO", strconv.Itoa(parser.Protocol))
	query.Set("transport", name)
	if socket.id != "" {
		query.Set("sid", socket.id)
	}

	return factory(TransportOptions{
		URL:               socket.uri,
		Query:             query,
		Headers:           socket.opts.ExtraHeaders,
		HTTPClient:        socket.opts.HTTPClient,
		Loop:              socket.loop,
		Logger:            socket.logger,
		TimestampRequests: socket.opts.TimestampRequests,
		TimestampParam:    socket.opts.TimestampParam,
		MaxPayload:        socket.opts.MaxPayload,
		RequestTimeout:    socket.opts.RequestTimeout,
		StreamDialer:      socket.opts.StreamDialer,
	})
}

func (socket *Socket) setTransport(transport Transport) {
	socket.detachTransport()
	socket.transport = transport
	socket.transportSnap.Store(transport.Name())
	socket.transportOffs = []func(){
		transport.On("drain", func(...any) { socket.onDrain() }),
		transport.On("packet", func(args ...any) { socket.onPacket(args[0].(parser.Packet)) }),
		transport.On("error", func(args ...any) { socket.onError(args[0].(error)) }),
		transport.On("close", func(args ...any) {
			err, _ := args[0].(error)
			socket.onClose(ReasonTransportClose, err)
		}),
	}
}

func (socket *Socket) detachTransport() {
	for _, off := range socket.transportOffs {
		off()
	}
	socket.transportOffs = nil
}

func (socket *Socket) onPacket(packet parser.Packet) {
	switch socket.readyState {
	case StateOpening, StateOpen, StateClosing:
	default:
		return
	}

	socket.Emit("packet", packet)
	socket.Emit("heartbeat")
	if socket.id != "" {
		socket.resetPingTimeout()
	}

	if socket.id == "" && packet.Type != parser.PACKET_OPEN {
		socket.onError(&HandshakeError{Err: fmt.Errorf("unexpected %s packet before handshake", packet.Type)})
		return
	}

	switch packet.Type {
	case parser.PACKET_OPEN:
		if socket.id == "" {
			socket.onHandshake(packet.Data)
		}

	case parser.PACKET_PING:
		socket.sendPacket(parser.NewPacket(parser.PACKET_PONG, nil), nil)
		socket.Emit("ping")

	case parser.PACKET_MESSAGE:
		socket.Emit("data", packet)
		socket.Emit("message", packet)

	case parser.PACKET_CLOSE:
		socket.onClose(ReasonTransportClose, errors.New("session closed by the server"))

	case parser.PACKET_ERROR:
		err := fmt.Errorf("%w: %s", ErrParse, packet.Data)
		socket.Emit("error", err)
		socket.onClose(ReasonParseError, err)
	}
}

func (socket *Socket) onHandshake(data []byte) {
	var handshake HandshakeData
	if err := json.Unmarshal(data, &handshake); err != nil {
		socket.onError(&HandshakeError{Err: fmt.Errorf("invalid open packet: %w", err)})
		return
	}
	if handshake.Sid == "" {
		socket.onError(&HandshakeError{Err: errors.New("open packet without sid")})
		return
	}

	socket.Emit("handshake", handshake)
	socket.id = handshake.Sid
	socket.idSnap.Store(handshake.Sid)
	socket.transport.SetQuery("sid", handshake.Sid)
	socket.upgrades = socket.filterUpgrades(handshake.Upgrades)
	socket.pingInterval = time.Duration(handshake.PingInterval) * time.Millisecond
	socket.pingTimeout = time.Duration(handshake.PingTimeout) * time.Millisecond
	socket.maxPayload = handshake.MaxPayload

	socket.resetPingTimeout()
	socket.onOpen()
}

func (socket *Socket) onOpen() {
	socket.setReadyState(StateOpen)
	socket.opts.UpgradeMemory.set(socket.transport.Name() == TRANSPORT_WEBSOCKET)
	socket.logger.Info("engine_open",
		zap.String("sid", socket.id),
		zap.String("transport", socket.transport.Name()),
		zap.Strings("upgrades", socket.upgrades))

	socket.Emit("open")
	socket.flush()

	if socket.readyState == StateOpen && socket.opts.Upgrade {
		for _, name := range socket.upgrades {
			socket.probe(name)
		}
	}
}

// filterUpgrades keeps the advertised upgrades this client supports and is
// not already using.
func (socket *Socket) filterUpgrades(upgrades []string) []string {
	var filtered []string
	for _, name := range upgrades {
		if contains(socket.transports, name) && name != socket.transport.Name() {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// resetPingTimeout rearms the heartbeat deadline. It runs on every inbound
// packet once the handshake is done.
func (socket *Socket) resetPingTimeout() {
	socket.pingTimer.Stop()
	delay := socket.pingInterval + socket.pingTimeout
	socket.pingDeadline.Store(time.Now().Add(delay).UnixNano())
	socket.pingTimer = socket.loop.AfterFunc(delay, func() {
		socket.onClose(ReasonPingTimeout, ErrPingTimeout)
	})
}

func (socket *Socket) onDrain() {
	if socket.prevBufferLen > len(socket.writeBuffer) {
		socket.prevBufferLen = len(socket.writeBuffer)
	}
	socket.writeBuffer = socket.writeBuffer[socket.prevBufferLen:]
	socket.prevBufferLen = 0

	if len(socket.writeBuffer) == 0 {
		socket.Emit("drain")
	} else {
		socket.flush()
	}
}

func (socket *Socket) flush() {
	if socket.readyState == StateClosed || socket.upgrading || len(socket.writeBuffer) == 0 {
		return
	}
	if socket.transport == nil || !socket.transport.Writable() {
		return
	}

	packets := append([]parser.Packet(nil), socket.writablePackets()...)
	socket.transport.Send(packets)
	socket.prevBufferLen = len(packets)
	socket.Emit("flush")
}

// writablePackets limits a polling flush to what fits in maxPayload.
func (socket *Socket) writablePackets() []parser.Packet {
	if socket.maxPayload <= 0 || socket.transport.Name() != TRANSPORT_POLLING || len(socket.writeBuffer) < 2 {
		return socket.writeBuffer
	}
	payloadSize := 1
	for i, packet := range socket.writeBuffer {
		payloadSize += parser.ByteLength(packet)
		if i > 0 && payloadSize > socket.maxPayload {
			return socket.writeBuffer[:i]
		}
		payloadSize += 2
	}
	return socket.writeBuffer
}

func (socket *Socket) sendPacket(packet parser.Packet, fn func()) {
	if socket.readyState == StateClosing || socket.ended {
		return
	}
	socket.Emit("packetCreate", packet)
	socket.writeBuffer = append(socket.writeBuffer, packet)
	if fn != nil {
		socket.Once("flush", func(...any) { fn() })
	}
	socket.flush()
}

func (socket *Socket) close() {
	if socket.readyState != StateOpening && socket.readyState != StateOpen {
		return
	}
	socket.setReadyState(StateClosing)

	closeNow := func() {
		socket.onClose(ReasonForcedClose, nil)
	}
	var offs []func()
	cleanupAndClose := func(...any) {
		for _, off := range offs {
			off()
		}
		closeNow()
	}
	waitForUpgrade := func() {
		offs = append(offs,
			socket.Once("upgrade", cleanupAndClose),
			socket.Once("upgradeError", cleanupAndClose))
	}

	switch {
	case len(socket.writeBuffer) > 0:
		socket.Once("drain", func(...any) {
			if socket.upgrading {
				waitForUpgrade()
			} else {
				closeNow()
			}
		})
	case socket.upgrading:
		waitForUpgrade()
	default:
		closeNow()
	}
}

func (socket *Socket) onError(err error) {
	socket.opts.UpgradeMemory.set(false)

	if socket.opts.TryAllTransports && socket.readyState == StateOpening && len(socket.transports) > 1 {
		failed := socket.transport.Name()
		socket.logger.Info("transport_fallback", zap.String("transport", failed), zap.Error(err))
		socket.detachTransport()
		socket.transport.Close()
		socket.transports = without(socket.transports, failed)
		socket.openTransport(multierror.Append(nil, err))
		return
	}

	socket.Emit("error", err)
	socket.onClose(ReasonTransportError, err)
}

// onClose tears the session down: heartbeat timer, transport listeners, the
// transport itself and the write buffer.
func (socket *Socket) onClose(reason string, err error) {
	switch socket.readyState {
	case StateOpening, StateOpen, StateClosing:
	default:
		return
	}

	socket.pingTimer.Stop()
	socket.pingDeadline.Store(0)
	if socket.transport != nil {
		socket.detachTransport()
		socket.transport.Close()
	}

	socket.setReadyState(StateClosed)
	socket.ended = true
	socket.logger.Info("engine_close", zap.String("sid", socket.id), zap.String("reason", reason), zap.Error(err))
	metrics.IncClose(reason)
	socket.id = ""
	socket.idSnap.Store("")

	socket.Emit("close", reason, err)
	socket.writeBuffer = nil
	socket.prevBufferLen = 0

	if socket.ownLoop {
		socket.loop.Close()
	}
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func without(list []string, name string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
