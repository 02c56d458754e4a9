package siolink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ghuvrons/siolink/engineio"
	"github.com/ghuvrons/siolink/parser"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type serverAck func(args []any, err error)

// ServerSocket is one client's connection to a namespace.
type ServerSocket struct {
	id        string
	server    *Server
	conn      *conn
	namespace string
	auth      any
	logger    *zap.Logger

	roomsMtx sync.Mutex
	rooms    map[string]*Room // key: roomName

	acksMtx sync.Mutex
	nextAck uint64
	acks    map[uint64]serverAck

	closed atomic.Bool
}

// Sockets is a set of sockets keyed by id.
type Sockets map[string]*ServerSocket

func newServerSocket(c *conn, namespace string, auth any) *ServerSocket {
	id := uuid.NewString()
	return &ServerSocket{
		id:        id,
		server:    c.server,
		conn:      c,
		namespace: namespace,
		auth:      auth,
		logger:    c.logger.With(zap.String("nsp", namespace), zap.String("socket", id)),
		rooms:     map[string]*Room{},
		acks:      map[uint64]serverAck{},
	}
}

func (socket *ServerSocket) ID() string { return socket.id }

func (socket *ServerSocket) Namespace() string { return socket.namespace }

// Auth is the payload the client connected with.
func (socket *ServerSocket) Auth() any { return socket.auth }

// Engine is the engine session carrying the socket.
func (socket *ServerSocket) Engine() *engineio.ServerSocket { return socket.conn.engine }

func (socket *ServerSocket) send(packet parser.Packet) error {
	packet.Namespace = socket.namespace
	encodedPacket, buffers, err := socket.conn.encoder.Encode(packet)
	if err != nil {
		return err
	}

	socket.conn.writeMtx.Lock()
	defer socket.conn.writeMtx.Unlock()
	if err := socket.conn.engine.Send(encodedPacket); err != nil {
		return err
	}
	// binary message
	for _, buf := range buffers {
		if err := socket.conn.engine.Send(buf); err != nil {
			return err
		}
	}
	return nil
}

func (socket *ServerSocket) Emit(event string, args ...any) error {
	if socket.closed.Load() {
		return ErrNotConnected
	}
	return socket.send(parser.NewPacket(parser.EVENT, socket.namespace, append([]any{event}, args...)))
}

// EmitWithAck emits event and waits for the client to acknowledge it. It
// must not be called from a handler of the same socket, which runs on the
// goroutine delivering the acknowledgement.
func (socket *ServerSocket) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	type result struct {
		args []any
		err  error
	}
	done := make(chan result, 1)

	socket.acksMtx.Lock()
	id := socket.nextAck
	socket.nextAck++
	socket.acks[id] = func(args []any, err error) { done <- result{args: args, err: err} }
	socket.acksMtx.Unlock()

	if socket.closed.Load() {
		socket.takeAck(id)
		return nil, ErrNotConnected
	}
	packet := parser.NewPacket(parser.EVENT, socket.namespace, append([]any{event}, args...)).WithID(id)
	if err := socket.send(packet); err != nil {
		socket.takeAck(id)
		return nil, err
	}

	select {
	case r := <-done:
		return r.args, r.err
	case <-ctx.Done():
		socket.takeAck(id)
		return nil, ctx.Err()
	}
}

func (socket *ServerSocket) takeAck(id uint64) (serverAck, bool) {
	socket.acksMtx.Lock()
	defer socket.acksMtx.Unlock()
	ack, ok := socket.acks[id]
	delete(socket.acks, id)
	return ack, ok
}

func (socket *ServerSocket) onEvent(packet parser.Packet) {
	args, ok := packet.Data.([]any)
	if !ok || len(args) == 0 {
		return
	}

	eventFunc, isEventFound := socket.server.handler("")
	if event, ok := args[0].(string); ok {
		if event == "connection" || event == "disconnect" {
			return
		}
		if tmpEventFunc, isFound := socket.server.handler(event); isFound {
			eventFunc = tmpEventFunc
			isEventFound = isFound
			args = args[1:]
		}
	}
	if !isEventFound {
		return
	}

	resp := eventFunc(socket, args...)
	if packet.ID != nil && resp != nil {
		socket.send(parser.NewPacket(parser.ACK, socket.namespace, []any(resp)).WithID(*packet.ID))
	}
}

func (socket *ServerSocket) onAck(packet parser.Packet) {
	if packet.ID == nil {
		return
	}
	ack, ok := socket.takeAck(*packet.ID)
	if !ok {
		return
	}
	args, _ := packet.Data.([]any)
	ack(args, nil)
}

// Disconnect removes the socket from its namespace. The engine session stays
// open for the client's other namespaces.
func (socket *ServerSocket) Disconnect() {
	if socket.closed.Load() {
		return
	}
	socket.send(parser.NewPacket(parser.DISCONNECT, socket.namespace, nil))
	socket.onClose("server namespace disconnect")
}

func (socket *ServerSocket) onClose(reason string) {
	if socket.closed.Swap(true) {
		return
	}
	socket.conn.remove(socket)
	socket.server.removeSocket(socket)
	for _, roomName := range socket.Rooms() {
		socket.Leave(roomName)
	}

	socket.acksMtx.Lock()
	acks := socket.acks
	socket.acks = map[uint64]serverAck{}
	socket.acksMtx.Unlock()
	for _, ack := range acks {
		ack(nil, ErrDisconnected)
	}

	socket.logger.Info("socket_disconnected", zap.String("reason", reason))
	if handler, ok := socket.server.handler("disconnect"); ok {
		handler(socket, reason)
	}
}

func (socket *ServerSocket) Join(roomName string) {
	socket.server.roomsMtx.Lock()
	defer socket.server.roomsMtx.Unlock()
	room, isFound := socket.server.rooms[roomName]
	if !isFound {
		room = &Room{Name: roomName, sockets: Sockets{}}
		socket.server.rooms[roomName] = room
	}
	room.join(socket)
}

// Leave removes the socket from a room, deleting the room once empty.
func (socket *ServerSocket) Leave(roomName string) {
	socket.server.roomsMtx.Lock()
	defer socket.server.roomsMtx.Unlock()
	room, isFound := socket.server.rooms[roomName]
	if !isFound {
		return
	}
	room.leave(socket)
	if room.Len() == 0 {
		delete(socket.server.rooms, roomName)
	}
}

func (socket *ServerSocket) Rooms() []string {
	socket.roomsMtx.Lock()
	defer socket.roomsMtx.Unlock()
	names := make([]string, 0, len(socket.rooms))
	for name := range socket.rooms {
		names = append(names, name)
	}
	return names
}

// Broadcasting to Sockets

func (sockets Sockets) Emit(event string, args ...any) {
	for _, socket := range sockets {
		socket.Emit(event, args...)
	}
}

func (sockets Sockets) Join(roomName string) {
	for _, socket := range sockets {
		socket.Join(roomName)
	}
}

func (sockets Sockets) Leave(roomName string) {
	for _, socket := range sockets {
		socket.Leave(roomName)
	}
}
