package engineio

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/ghuvrons/siolink/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Error codes sent with a 400 response, as the reference server numbers them.
const (
	errCodeUnknownTransport = 0
	errCodeUnknownSid       = 1
	errCodeBadRequest       = 3
	errCodeUnsupportedProto = 5
)

// Server is the Engine.IO endpoint: an http.Handler serving polling and
// websocket sessions, plus ServeConn for the framed stream transport.
type Server struct {
	options ServerOptions
	logger  *zap.Logger

	sockets    map[string]*ServerSocket
	socketsMtx sync.Mutex

	handlers struct {
		connection func(*ServerSocket)
	}
}

func NewServer(opt ServerOptions) *Server {
	defaults := DefaultServerOptions()
	if opt.PingInterval <= 0 {
		opt.PingInterval = defaults.PingInterval
	}
	if opt.PingTimeout <= 0 {
		opt.PingTimeout = defaults.PingTimeout
	}
	if opt.MaxPayload <= 0 {
		opt.MaxPayload = defaults.MaxPayload
	}
	return &Server{
		options: opt,
		logger:  logging.Or(opt.Logger).With(zap.String("component", "engineio-server")),
		sockets: map[string]*ServerSocket{},
	}
}

// OnConnection sets the handler called for every new session, before any of
// its packets are dispatched.
func (server *Server) OnConnection(f func(*ServerSocket)) {
	server.handlers.connection = f
}

// Socket returns the live session with the given id.
func (server *Server) Socket(sid string) (*ServerSocket, bool) {
	server.socketsMtx.Lock()
	defer server.socketsMtx.Unlock()
	socket, ok := server.sockets[sid]
	return socket, ok
}

// Count returns the number of live sessions.
func (server *Server) Count() int {
	server.socketsMtx.Lock()
	defer server.socketsMtx.Unlock()
	return len(server.sockets)
}

// Close closes every live session.
func (server *Server) Close() {
	server.socketsMtx.Lock()
	sockets := make([]*ServerSocket, 0, len(server.sockets))
	for _, socket := range server.sockets {
		sockets = append(sockets, socket)
	}
	server.socketsMtx.Unlock()
	for _, socket := range sockets {
		socket.Close()
	}
}

func (server *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	if v, err := strconv.Atoi(query.Get("EIO")); err != nil || v != parser.Protocol {
		writeError(w, errCodeUnsupportedProto, "Unsupported protocol version")
		return
	}

	transport := query.Get("transport")
	if transport != TRANSPORT_POLLING && transport != TRANSPORT_WEBSOCKET {
		writeError(w, errCodeUnknownTransport, "Transport unknown")
		return
	}

	var socket *ServerSocket
	if sid := query.Get("sid"); sid != "" {
		var ok bool
		if socket, ok = server.Socket(sid); !ok {
			writeError(w, errCodeUnknownSid, "Session ID unknown")
			return
		}
	} else {
		if req.Method != http.MethodGet {
			writeError(w, errCodeBadRequest, "Bad handshake method")
			return
		}
		if transport == TRANSPORT_POLLING {
			socket = server.handshake(transport)
		}
	}

	// a websocket handshake registers its session once the upgrade succeeded
	ctxWithSocket := context.WithValue(req.Context(), ctxKeySocket, socket)
	switch transport {
	case TRANSPORT_POLLING:
		servePolling(w, req.WithContext(ctxWithSocket))
	case TRANSPORT_WEBSOCKET:
		server.websocketHandler().ServeHTTP(w, req.WithContext(ctxWithSocket))
	}
}

// handshake registers a new session and queues its open packet.
func (server *Server) handshake(transport string) *ServerSocket {
	socket := newServerSocket(server, uuid.NewString(), transport)

	server.socketsMtx.Lock()
	server.sockets[socket.id] = socket
	server.socketsMtx.Unlock()
	metrics.AddServerSessions(1)

	socket.connect()
	socket.logger.Info("session_open", zap.String("transport", transport))
	if server.handlers.connection != nil {
		server.handlers.connection(socket)
	}
	go socket.handle()
	return socket
}

func (server *Server) remove(socket *ServerSocket) {
	server.socketsMtx.Lock()
	if server.sockets[socket.id] == socket {
		delete(server.sockets, socket.id)
	}
	server.socketsMtx.Unlock()
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message})
}
