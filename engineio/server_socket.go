package engineio

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/metrics"
	"go.uber.org/zap"
)

var ErrSocketClosed = errors.New("engineio: socket closed")

// ServerSocket is one client session on the server. A goroutine per socket
// drives the heartbeat and dispatches inbound packets; transports feed the
// inbox and drain the outbox.
type ServerSocket struct {
	server *Server
	id     string
	logger *zap.Logger

	transport atomic.Value
	inbox     chan parser.Packet
	polling   atomic.Bool

	outboxMtx sync.Mutex
	outbox    []parser.Packet
	wake      chan struct{}
	release   chan struct{}

	handlers struct {
		message func(*ServerSocket, parser.Packet)
		closed  func(*ServerSocket, string)
	}

	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	closeOnce     sync.Once
	closeReason   atomic.Value
	values        sync.Map
}

func newServerSocket(server *Server, id, transport string) *ServerSocket {
	ctx, cancelFunc := context.WithCancel(context.Background())
	socket := &ServerSocket{
		server:        server,
		id:            id,
		logger:        server.logger.With(zap.String("sid", id)),
		inbox:         make(chan parser.Packet, 64),
		wake:          make(chan struct{}, 1),
		release:       make(chan struct{}, 1),
		ctx:           ctx,
		ctxCancelFunc: cancelFunc,
	}
	socket.transport.Store(transport)
	return socket
}

func (socket *ServerSocket) ID() string { return socket.id }

// Transport is the name of the transport currently carrying the session.
func (socket *ServerSocket) Transport() string { return socket.transport.Load().(string) }

// Context is cancelled when the session closes.
func (socket *ServerSocket) Context() context.Context { return socket.ctx }

// handle runs the heartbeat and the inbound dispatch until the session ends.
func (socket *ServerSocket) handle() {
	reason := socket.loop()

	socket.close(reason)
	socket.server.remove(socket)
	metrics.AddServerSessions(-1)
	metrics.IncClose(socket.CloseReason())
	socket.logger.Info("session_closed", zap.String("reason", socket.CloseReason()))
	if socket.handlers.closed != nil {
		socket.handlers.closed(socket, socket.CloseReason())
	}
}

func (socket *ServerSocket) loop() string {
	pingInterval := time.Duration(socket.server.options.PingInterval) * time.Millisecond
	pingTimeout := time.Duration(socket.server.options.PingTimeout) * time.Millisecond

	pingIntervalTimer := time.NewTimer(pingInterval)
	defer pingIntervalTimer.Stop()
	var pongDeadline <-chan time.Time

	for {
		select {
		case <-socket.ctx.Done():
			return socket.CloseReason()

		case <-pingIntervalTimer.C:
			socket.sendPacket(parser.NewPacket(parser.PACKET_PING, nil))
			pongDeadline = time.After(pingTimeout)

		case <-pongDeadline:
			return ReasonPingTimeout

		case packet := <-socket.inbox:
			metrics.IncPacketIn(socket.Transport())
			switch packet.Type {
			case parser.PACKET_PONG:
				pongDeadline = nil
				pingIntervalTimer.Reset(pingInterval)

			case parser.PACKET_MESSAGE:
				if socket.handlers.message != nil {
					socket.handlers.message(socket, packet)
				}

			case parser.PACKET_CLOSE:
				return ReasonTransportClose

			case parser.PACKET_ERROR:
				return ReasonParseError
			}
		}
	}
}

// connect queues the open packet.
func (socket *ServerSocket) connect() {
	var upgrades []string
	if socket.Transport() == TRANSPORT_POLLING && socket.server.options.AllowUpgrades {
		upgrades = []string{TRANSPORT_WEBSOCKET}
	}
	if upgrades == nil {
		upgrades = []string{}
	}
	data, _ := json.Marshal(HandshakeData{
		Sid:          socket.id,
		Upgrades:     upgrades,
		PingInterval: socket.server.options.PingInterval,
		PingTimeout:  socket.server.options.PingTimeout,
		MaxPayload:   socket.server.options.MaxPayload,
	})
	socket.sendPacket(parser.NewPacket(parser.PACKET_OPEN, data))
}

// Send queues a message to the client. message must be a string or []byte.
func (socket *ServerSocket) Send(message any) error {
	switch data := message.(type) {
	case string:
		return socket.sendPacket(parser.NewStringPacket(parser.PACKET_MESSAGE, data))
	case []byte:
		return socket.sendPacket(parser.NewBinaryPacket(data))
	}
	return ErrMessageNotSupported
}

func (socket *ServerSocket) sendPacket(packet parser.Packet) error {
	if socket.ctx.Err() != nil {
		return ErrSocketClosed
	}
	socket.outboxMtx.Lock()
	socket.outbox = append(socket.outbox, packet)
	socket.outboxMtx.Unlock()
	select {
	case socket.wake <- struct{}{}:
	default:
	}
	return nil
}

// nextBatch blocks until packets are queued and takes all of them. A
// release (upgrade in progress) hands out a single noop instead.
func (socket *ServerSocket) nextBatch(ctx context.Context, releasable bool) ([]parser.Packet, bool) {
	for {
		socket.outboxMtx.Lock()
		if len(socket.outbox) > 0 {
			packets := socket.outbox
			socket.outbox = nil
			socket.outboxMtx.Unlock()
			return packets, true
		}
		socket.outboxMtx.Unlock()

		var release chan struct{}
		if releasable {
			release = socket.release
		}
		select {
		case <-socket.wake:
		case <-release:
			return []parser.Packet{parser.NewPacket(parser.PACKET_NOOP, nil)}, true
		case <-ctx.Done():
			return nil, false
		case <-socket.ctx.Done():
			return nil, false
		}
	}
}

// releasePoll answers a parked polling GET so the client can pause it.
func (socket *ServerSocket) releasePoll() {
	select {
	case socket.release <- struct{}{}:
	default:
	}
}

// receive hands an inbound packet to the session goroutine.
func (socket *ServerSocket) receive(packet parser.Packet) bool {
	select {
	case socket.inbox <- packet:
		return true
	case <-socket.ctx.Done():
		return false
	}
}

// sent is called by transports after a batch went out; a close packet in it
// ends the session.
func (socket *ServerSocket) sent(packets []parser.Packet) {
	metrics.IncPacketOut(socket.Transport(), len(packets))
	for _, packet := range packets {
		if packet.Type == parser.PACKET_CLOSE {
			socket.close(ReasonForcedClose)
			return
		}
	}
}

// Close asks the client to end the session. The session is torn down once
// the close packet is written, or after pingTimeout if no transport takes it.
func (socket *ServerSocket) Close() {
	if socket.sendPacket(parser.NewPacket(parser.PACKET_CLOSE, nil)) != nil {
		return
	}
	time.AfterFunc(time.Duration(socket.server.options.PingTimeout)*time.Millisecond, func() {
		socket.close(ReasonForcedClose)
	})
}

func (socket *ServerSocket) close(reason string) {
	socket.closeOnce.Do(func() {
		socket.closeReason.Store(reason)
		socket.ctxCancelFunc()
	})
}

func (socket *ServerSocket) CloseReason() string {
	reason, _ := socket.closeReason.Load().(string)
	return reason
}

// SetCtxValue attaches a value to the session, for the layers built on it.
func (socket *ServerSocket) SetCtxValue(key ContextKey, value any) {
	socket.values.Store(key, value)
}

func (socket *ServerSocket) GetCtxValue(key ContextKey) any {
	value, _ := socket.values.Load(key)
	return value
}

// OnMessage sets the handler for incoming messages. It runs on the session
// goroutine.
func (socket *ServerSocket) OnMessage(f func(*ServerSocket, parser.Packet)) {
	socket.handlers.message = f
}

func (socket *ServerSocket) OnClosed(f func(*ServerSocket, string)) {
	socket.handlers.closed = f
}
