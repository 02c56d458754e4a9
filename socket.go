package siolink

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghuvrons/siolink/emitter"
	"github.com/ghuvrons/siolink/engineio"
	"github.com/ghuvrons/siolink/internal/eventloop"
	"github.com/ghuvrons/siolink/internal/metrics"
	"github.com/ghuvrons/siolink/parser"
	"go.uber.org/zap"
)

// AckCallback receives the acknowledgement of an emitted event. err is
// ErrAckTimeout, ErrDisconnected or the error that exhausted the retries;
// args are the values the peer acknowledged with.
type AckCallback func(err error, args ...any)

// AckFunc is passed as the last argument to handlers of events the peer
// wants acknowledged. Only the first call sends anything.
type AckFunc func(args ...any)

// AnyListener observes every event, with its name and arguments.
type AnyListener func(event string, args ...any)

type pendingAck struct {
	fn        AckCallback
	timer     *eventloop.Timer
	withError bool
}

type outgoingPacket struct {
	packet   parser.Packet
	compress bool
}

type anyListener struct {
	id uint64
	f  AnyListener
}

// Socket is a client namespace connection. Its protocol state lives on the
// Manager's loop, where handlers and ack callbacks run too.
//
// Events: connect, connect_error(error), disconnect(reason string, err error)
// and every event the server emits.
type Socket struct {
	events *emitter.EventEmitter
	io     *Manager
	nsp    string
	opts   SocketOptions
	logger *zap.Logger

	// loop-only
	subs          []func()
	nextID        uint64
	acks          map[uint64]*pendingAck
	receiveBuffer [][]any
	sendBuffer    []outgoingPacket
	queue         []*queuedPacket
	queueSeq      int
	connected     bool
	id            string

	anyMtx      sync.Mutex
	anyIncoming []anyListener
	anyOutgoing []anyListener
	anySeq      uint64

	connectedSnap atomic.Bool
	activeSnap    atomic.Bool
	idSnap        atomic.Value
}

func newSocket(io *Manager, nsp string, opts SocketOptions) *Socket {
	socket := &Socket{
		events: emitter.New(),
		io:     io,
		nsp:    nsp,
		opts:   opts,
		logger: io.logger.With(zap.String("nsp", nsp)),
		acks:   map[uint64]*pendingAck{},
	}
	socket.idSnap.Store("")
	return socket
}

// Connect opens the manager if needed and joins the namespace.
func (socket *Socket) Connect() {
	socket.io.loop.Post(socket.connect)
}

// Disconnect leaves the namespace. Pending acknowledgements are dropped
// without being called. The manager closes with the last active socket.
func (socket *Socket) Disconnect() {
	socket.io.loop.Post(socket.disconnect)
}

// Emit sends an event. An AckCallback, or a func(error, ...any), as the last
// argument asks the server for an acknowledgement. Events emitted before the
// socket connects are buffered. Emit panics on reserved event names.
func (socket *Socket) Emit(event string, args ...any) {
	Emitter{socket: socket}.Emit(event, args...)
}

// EmitWithAck emits event and waits for its acknowledgement. It must not be
// called from a handler running on the manager's loop.
func (socket *Socket) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	return Emitter{socket: socket}.EmitWithAck(ctx, event, args...)
}

// Send emits a "message" event.
func (socket *Socket) Send(args ...any) {
	socket.Emit("message", args...)
}

// Timeout sets the acknowledgement timeout of the next emit.
func (socket *Socket) Timeout(d time.Duration) Emitter {
	return Emitter{socket: socket}.Timeout(d)
}

// Volatile drops the next emit instead of buffering it when the transport
// cannot take it right away.
func (socket *Socket) Volatile() Emitter {
	return Emitter{socket: socket}.Volatile()
}

func (socket *Socket) Compress(compress bool) Emitter {
	return Emitter{socket: socket}.Compress(compress)
}

// On registers a handler and returns the function removing it.
func (socket *Socket) On(event string, f emitter.Listener) func() {
	return socket.events.On(event, f)
}

func (socket *Socket) Once(event string, f emitter.Listener) func() {
	return socket.events.Once(event, f)
}

// Off removes every handler of the given events, or all handlers when none
// is given.
func (socket *Socket) Off(events ...string) {
	socket.events.RemoveAllListeners(events...)
}

// OnAny registers an interceptor called with every incoming event before
// its handlers. A panicking interceptor is logged and skipped.
func (socket *Socket) OnAny(f AnyListener) func() {
	return socket.addAny(&socket.anyIncoming, f, false)
}

func (socket *Socket) PrependAny(f AnyListener) func() {
	return socket.addAny(&socket.anyIncoming, f, true)
}

func (socket *Socket) OffAny() {
	socket.anyMtx.Lock()
	socket.anyIncoming = nil
	socket.anyMtx.Unlock()
}

// OnAnyOutgoing registers an interceptor called with every event about to
// be sent.
func (socket *Socket) OnAnyOutgoing(f AnyListener) func() {
	return socket.addAny(&socket.anyOutgoing, f, false)
}

func (socket *Socket) PrependAnyOutgoing(f AnyListener) func() {
	return socket.addAny(&socket.anyOutgoing, f, true)
}

func (socket *Socket) OffAnyOutgoing() {
	socket.anyMtx.Lock()
	socket.anyOutgoing = nil
	socket.anyMtx.Unlock()
}

func (socket *Socket) Connected() bool { return socket.connectedSnap.Load() }

// Active reports whether the socket follows its manager, connected or not.
func (socket *Socket) Active() bool { return socket.activeSnap.Load() }

// ID is the namespace session id, empty while disconnected.
func (socket *Socket) ID() string { return socket.idSnap.Load().(string) }

func (socket *Socket) Namespace() string { return socket.nsp }

func (socket *Socket) Manager() *Manager { return socket.io }

func (socket *Socket) active() bool { return socket.subs != nil }

func (socket *Socket) connect() {
	if socket.connected {
		return
	}
	socket.subEvents()
	if !socket.io.reconnecting {
		socket.io.open(nil)
	}
	if socket.io.readyState == engineio.StateOpen {
		socket.onopen()
	}
}

func (socket *Socket) subEvents() {
	if socket.subs != nil {
		return
	}
	io := socket.io
	socket.subs = []func(){
		io.On("open", func(...any) { socket.onopen() }),
		io.On("packet", func(args ...any) { socket.onpacket(args[0].(parser.Packet)) }),
		io.On("error", func(args ...any) {
			err, _ := args[0].(error)
			socket.onerror(err)
		}),
		io.On("close", func(args ...any) {
			reason, _ := args[0].(string)
			err, _ := args[1].(error)
			socket.onclose(reason, err)
		}),
	}
	socket.activeSnap.Store(true)
}

func (socket *Socket) disconnect() {
	wasConnected := socket.connected
	if wasConnected {
		socket.logger.Debug("namespace_disconnecting")
		socket.packet(parser.NewPacket(parser.DISCONNECT, socket.nsp, nil), true)
	}
	socket.destroy()
	if wasConnected {
		socket.onclose(ReasonClientDisconnect, nil)
	}
}

// destroy detaches the socket from its manager.
func (socket *Socket) destroy() {
	for _, off := range socket.subs {
		off()
	}
	socket.subs = nil
	socket.activeSnap.Store(false)
	socket.io.destroy()
}

func (socket *Socket) onopen() {
	var auth any
	if socket.opts.Auth != nil {
		auth = socket.opts.Auth
	}
	socket.packet(parser.NewPacket(parser.CONNECT, socket.nsp, auth), true)
}

func (socket *Socket) onerror(err error) {
	if !socket.connected {
		socket.events.Emit("connect_error", err)
	}
}

func (socket *Socket) onclose(reason string, err error) {
	socket.logger.Info("namespace_disconnected", zap.String("reason", reason), zap.Error(err))
	socket.connected = false
	socket.connectedSnap.Store(false)
	socket.id = ""
	socket.idSnap.Store("")
	socket.events.Emit("disconnect", reason, err)
	socket.clearAcks(reason == ReasonClientDisconnect)
}

// clearAcks drops the acknowledgements of packets already sent. Those with
// a timeout fail with ErrDisconnected unless silent.
func (socket *Socket) clearAcks(silent bool) {
	for _, id := range slices.Sorted(maps.Keys(socket.acks)) {
		ack, ok := socket.acks[id]
		if !ok || socket.isBuffered(id) {
			continue
		}
		ack.timer.Stop()
		delete(socket.acks, id)
		if ack.withError && !silent {
			ack.fn(ErrDisconnected)
		}
	}
}

func (socket *Socket) isBuffered(id uint64) bool {
	for _, out := range socket.sendBuffer {
		if out.packet.ID != nil && *out.packet.ID == id {
			return true
		}
	}
	return false
}

func (socket *Socket) onpacket(packet parser.Packet) {
	if packet.Namespace != socket.nsp {
		return
	}

	switch packet.Type {
	case parser.CONNECT:
		data, _ := packet.Data.(map[string]any)
		sid, _ := data["sid"].(string)
		if sid == "" {
			socket.events.Emit("connect_error", ErrLegacyServer)
			return
		}
		socket.onconnect(sid)

	case parser.EVENT, parser.BINARY_EVENT:
		socket.onevent(packet)

	case parser.ACK, parser.BINARY_ACK:
		socket.onack(packet)

	case parser.DISCONNECT:
		socket.destroy()
		socket.onclose(ReasonServerDisconnect, nil)

	case parser.CONNECT_ERROR:
		socket.destroy()
		err := newConnectError(packet.Data)
		socket.logger.Warn("namespace_refused", zap.String("message", err.Message))
		socket.events.Emit("connect_error", err)
	}
}

func (socket *Socket) onconnect(id string) {
	socket.id = id
	socket.idSnap.Store(id)
	socket.connected = true
	socket.connectedSnap.Store(true)
	socket.logger.Info("namespace_connected", zap.String("sid", id))

	socket.emitBuffered()
	socket.events.Emit("connect")
	socket.drainQueue(true)
}

// emitBuffered replays the events received and the packets emitted while
// the socket was not connected, each in its original order.
func (socket *Socket) emitBuffered() {
	received := socket.receiveBuffer
	socket.receiveBuffer = nil
	for _, args := range received {
		socket.emitEvent(args)
	}

	sent := socket.sendBuffer
	socket.sendBuffer = nil
	for _, out := range sent {
		if data, ok := out.packet.Data.([]any); ok {
			socket.notifyAny(&socket.anyOutgoing, data)
		}
		socket.packet(out.packet, out.compress)
	}
}

func (socket *Socket) onevent(packet parser.Packet) {
	args, ok := packet.Data.([]any)
	if !ok || len(args) == 0 {
		socket.logger.Debug("event_dropped", zap.String("reason", "payload is not an array"))
		return
	}
	if _, ok := args[0].(string); !ok {
		socket.logger.Debug("event_dropped", zap.String("reason", "event name is not a string"))
		return
	}
	if packet.ID != nil {
		args = append(args, socket.ack(*packet.ID))
	}

	if socket.connected {
		socket.emitEvent(args)
	} else {
		socket.receiveBuffer = append(socket.receiveBuffer, args)
	}
}

func (socket *Socket) emitEvent(args []any) {
	socket.notifyAny(&socket.anyIncoming, args)
	socket.events.Emit(args[0].(string), args[1:]...)
}

// ack builds the responder for an incoming event with an id.
func (socket *Socket) ack(id uint64) AckFunc {
	var sent atomic.Bool
	return func(args ...any) {
		if sent.Swap(true) {
			return
		}
		if args == nil {
			args = []any{}
		}
		socket.io.loop.Post(func() {
			socket.packet(parser.NewPacket(parser.ACK, socket.nsp, args).WithID(id), true)
		})
	}
}

func (socket *Socket) onack(packet parser.Packet) {
	if packet.ID == nil {
		return
	}
	ack, ok := socket.acks[*packet.ID]
	if !ok {
		socket.logger.Debug("ack_unknown", zap.Uint64("id", *packet.ID))
		return
	}
	delete(socket.acks, *packet.ID)
	ack.timer.Stop()

	args, _ := packet.Data.([]any)
	ack.fn(nil, args...)
}

func (socket *Socket) emit(data []any, flags emitFlags) {
	if socket.opts.Retries > 0 && !flags.fromQueue && !flags.volatile {
		socket.addToQueue(data, flags)
		return
	}

	packet := parser.NewPacket(parser.EVENT, socket.nsp, nil)
	if ack, ok := popAck(&data); ok {
		id := socket.nextID
		socket.nextID++
		socket.registerAck(id, ack, flags)
		packet = packet.WithID(id)
	}
	packet.Data = data

	engine := socket.io.engine
	writable := engine != nil && engine.TransportWritable()
	connected := socket.connected && engine != nil && !engine.HasPingExpired()

	switch {
	case flags.volatile && !writable:
		socket.logger.Debug("volatile_dropped", zap.Any("event", data[0]))
	case connected:
		socket.notifyAny(&socket.anyOutgoing, data)
		socket.packet(packet, !flags.noCompress)
	default:
		socket.sendBuffer = append(socket.sendBuffer, outgoingPacket{packet: packet, compress: !flags.noCompress})
	}
}

func (socket *Socket) registerAck(id uint64, fn AckCallback, flags emitFlags) {
	timeout := socket.opts.AckTimeout
	if flags.timeout != nil {
		timeout = *flags.timeout
	}
	if flags.timeout == nil && timeout <= 0 {
		socket.acks[id] = &pendingAck{fn: fn}
		return
	}

	ack := &pendingAck{fn: fn, withError: true}
	ack.timer = socket.io.loop.AfterFunc(timeout, func() {
		delete(socket.acks, id)
		socket.sendBuffer = slices.DeleteFunc(socket.sendBuffer, func(out outgoingPacket) bool {
			return out.packet.ID != nil && *out.packet.ID == id
		})
		metrics.IncAckTimeout()
		socket.logger.Debug("ack_timeout", zap.Uint64("id", id), zap.Duration("timeout", timeout))
		fn(ErrAckTimeout)
	})
	socket.acks[id] = ack
}

func (socket *Socket) packet(packet parser.Packet, compress bool) {
	packet.Namespace = socket.nsp
	socket.io.packet(packet, compress)
}

func (socket *Socket) addAny(list *[]anyListener, f AnyListener, prepend bool) func() {
	socket.anyMtx.Lock()
	defer socket.anyMtx.Unlock()

	socket.anySeq++
	entry := anyListener{id: socket.anySeq, f: f}
	if prepend {
		*list = append([]anyListener{entry}, *list...)
	} else {
		*list = append(*list, entry)
	}
	return func() {
		socket.anyMtx.Lock()
		defer socket.anyMtx.Unlock()
		*list = slices.DeleteFunc(*list, func(l anyListener) bool { return l.id == entry.id })
	}
}

// notifyAny runs the interceptors in list. A panic in one of them is
// recovered so the dispatch that follows still happens, exactly once.
func (socket *Socket) notifyAny(list *[]anyListener, data []any) {
	socket.anyMtx.Lock()
	listeners := slices.Clone(*list)
	socket.anyMtx.Unlock()

	event, _ := data[0].(string)
	for _, l := range listeners {
		socket.callAny(l.f, event, data[1:])
	}
}

func (socket *Socket) callAny(f AnyListener, event string, args []any) {
	defer func() {
		if r := recover(); r != nil {
			socket.logger.Error("interceptor_panic", zap.String("event", event), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	f(event, args...)
}

// popAck removes a trailing ack callback from data.
func popAck(data *[]any) (AckCallback, bool) {
	args := *data
	if len(args) == 0 {
		return nil, false
	}
	var ack AckCallback
	switch fn := args[len(args)-1].(type) {
	case AckCallback:
		ack = fn
	case func(error, ...any):
		ack = fn
	default:
		return nil, false
	}
	*data = args[: len(args)-1 : len(args)-1]
	return ack, true
}
