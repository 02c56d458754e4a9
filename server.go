package siolink

import (
	"net"
	"net/http"
	"sync"

	"github.com/ghuvrons/siolink/engineio"
	eioparser "github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/ghuvrons/siolink/parser"
	"go.uber.org/zap"
)

const ctxKeyConn engineio.ContextKey = 0x13

// EventResponse holds the values an event is acknowledged with. A nil
// response sends no acknowledgement.
type EventResponse []any

// EventHandler handles one event. The "connection" handler is called with
// no arguments when a socket joins a namespace, "disconnect" with the
// reason, and "" with the full arguments of events nothing else handles.
// Handlers run on the engine session goroutine of the socket.
type EventHandler func(socket *ServerSocket, args ...any) EventResponse

// Server serves Socket.IO namespaces on top of an engineio.Server.
type Server struct {
	engine *engineio.Server
	logger *zap.Logger

	handlersMtx   sync.RWMutex
	events        map[string]EventHandler
	authenticator func(auth any) bool

	sockets    Sockets
	socketsMtx sync.RWMutex

	rooms    map[string]*Room
	roomsMtx sync.Mutex
}

func NewServer(opts engineio.ServerOptions) *Server {
	server := &Server{
		engine:  engineio.NewServer(opts),
		logger:  logging.Or(opts.Logger).With(zap.String("component", "server")),
		events:  map[string]EventHandler{},
		sockets: Sockets{},
		rooms:   map[string]*Room{},
	}
	server.engine.OnConnection(server.onEngineConnection)
	return server
}

func (server *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	server.engine.ServeHTTP(w, req)
}

// ServeConn serves one client over the framed stream transport.
func (server *Server) ServeConn(conn net.Conn) {
	server.engine.ServeConn(conn)
}

func (server *Server) Engine() *engineio.Server { return server.engine }

// Authenticator sets the check run on the auth payload of every CONNECT.
// Refused sockets get a CONNECT_ERROR.
func (server *Server) Authenticator(f func(auth any) bool) {
	server.handlersMtx.Lock()
	server.authenticator = f
	server.handlersMtx.Unlock()
}

func (server *Server) On(event string, f EventHandler) {
	server.handlersMtx.Lock()
	server.events[event] = f
	server.handlersMtx.Unlock()
}

func (server *Server) handler(event string) (EventHandler, bool) {
	server.handlersMtx.RLock()
	defer server.handlersMtx.RUnlock()
	f, ok := server.events[event]
	return f, ok && f != nil
}

// Sockets returns the connected sockets of every namespace.
func (server *Server) Sockets() Sockets {
	server.socketsMtx.RLock()
	defer server.socketsMtx.RUnlock()
	sockets := make(Sockets, len(server.sockets))
	for id, socket := range server.sockets {
		sockets[id] = socket
	}
	return sockets
}

// Emit sends an event to every connected socket.
func (server *Server) Emit(event string, args ...any) {
	server.Sockets().Emit(event, args...)
}

// Close ends every engine session.
func (server *Server) Close() {
	server.engine.Close()
}

func (server *Server) addSocket(socket *ServerSocket) {
	server.socketsMtx.Lock()
	server.sockets[socket.id] = socket
	server.socketsMtx.Unlock()
}

func (server *Server) removeSocket(socket *ServerSocket) {
	server.socketsMtx.Lock()
	delete(server.sockets, socket.id)
	server.socketsMtx.Unlock()
}

func (server *Server) onEngineConnection(esocket *engineio.ServerSocket) {
	c := &conn{
		server:  server,
		engine:  esocket,
		decoder: parser.NewDecoder(),
		sockets: map[string]*ServerSocket{},
		logger:  server.logger.With(zap.String("sid", esocket.ID())),
	}
	esocket.SetCtxValue(ctxKeyConn, c)
	esocket.OnMessage(onEngineMessage)
	esocket.OnClosed(onEngineClosed)
}

func onEngineMessage(esocket *engineio.ServerSocket, packet eioparser.Packet) {
	c, ok := esocket.GetCtxValue(ctxKeyConn).(*conn)
	if !ok {
		return
	}
	c.onMessage(packet)
}

func onEngineClosed(esocket *engineio.ServerSocket, reason string) {
	c, ok := esocket.GetCtxValue(ctxKeyConn).(*conn)
	if !ok {
		return
	}
	c.onClose(reason)
}

// conn is the Socket.IO state of one engine session: its decoder and the
// namespace sockets multiplexed over it.
type conn struct {
	server  *Server
	engine  *engineio.ServerSocket
	decoder *parser.Decoder
	encoder parser.Encoder
	logger  *zap.Logger

	// writes of a packet and its attachments must not interleave
	writeMtx sync.Mutex

	socketsMtx sync.Mutex
	sockets    map[string]*ServerSocket
}

// onMessage runs on the engine session goroutine, so the decoder needs no
// locking.
func (c *conn) onMessage(message eioparser.Packet) {
	var data any = string(message.Data)
	if message.Binary {
		data = message.Data
	}
	packet, err := c.decoder.Add(data)
	if err != nil {
		c.logger.Warn("decode_failed", zap.Error(err))
		c.engine.Close()
		return
	}
	if packet == nil {
		return
	}

	if packet.Type == parser.CONNECT {
		c.connect(*packet)
		return
	}

	socket := c.socket(packet.Namespace)
	if socket == nil {
		c.logger.Debug("packet_for_unknown_namespace", zap.String("nsp", packet.Namespace), zap.Stringer("type", packet.Type))
		return
	}
	switch packet.Type {
	case parser.DISCONNECT:
		socket.onClose("client namespace disconnect")
	case parser.EVENT, parser.BINARY_EVENT:
		socket.onEvent(*packet)
	case parser.ACK, parser.BINARY_ACK:
		socket.onAck(*packet)
	default:
		c.logger.Warn("unexpected_packet", zap.Stringer("type", packet.Type))
		c.engine.Close()
	}
}

// connect handles a client's CONNECT request.
func (c *conn) connect(packet parser.Packet) {
	if c.socket(packet.Namespace) != nil {
		c.logger.Debug("already_connected", zap.String("nsp", packet.Namespace))
		return
	}
	socket := newServerSocket(c, packet.Namespace, packet.Data)

	c.server.handlersMtx.RLock()
	authenticator := c.server.authenticator
	c.server.handlersMtx.RUnlock()
	if authenticator != nil && !authenticator(packet.Data) {
		errConnData := map[string]any{
			"message": "Not authorized",
			"data": map[string]any{
				"code":  "E001",
				"label": "Invalid credentials",
			},
		}
		socket.logger.Info("connect_refused")
		socket.send(parser.NewPacket(parser.CONNECT_ERROR, packet.Namespace, errConnData))
		return
	}

	c.socketsMtx.Lock()
	c.sockets[socket.namespace] = socket
	c.socketsMtx.Unlock()
	c.server.addSocket(socket)

	socket.send(parser.NewPacket(parser.CONNECT, packet.Namespace, map[string]any{"sid": socket.id}))
	socket.logger.Info("socket_connected")

	if handler, ok := c.server.handler("connection"); ok {
		handler(socket)
	}
}

func (c *conn) socket(nsp string) *ServerSocket {
	c.socketsMtx.Lock()
	defer c.socketsMtx.Unlock()
	return c.sockets[nsp]
}

func (c *conn) remove(socket *ServerSocket) {
	c.socketsMtx.Lock()
	if c.sockets[socket.namespace] == socket {
		delete(c.sockets, socket.namespace)
	}
	c.socketsMtx.Unlock()
}

func (c *conn) onClose(reason string) {
	c.socketsMtx.Lock()
	sockets := make([]*ServerSocket, 0, len(c.sockets))
	for _, socket := range c.sockets {
		sockets = append(sockets, socket)
	}
	c.socketsMtx.Unlock()

	for _, socket := range sockets {
		socket.onClose(reason)
	}
}
