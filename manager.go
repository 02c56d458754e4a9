// Package siolink speaks Socket.IO v5 over Engine.IO v4. A Manager owns one
// Engine.IO connection and multiplexes namespace sockets over it, reconnecting
// with exponential backoff when the connection fails. Server is the peer
// side, serving namespaces, rooms and acknowledgements.
package siolink

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/ghuvrons/siolink/emitter"
	"github.com/ghuvrons/siolink/engineio"
	eioparser "github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/eventloop"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/ghuvrons/siolink/internal/metrics"
	"github.com/ghuvrons/siolink/parser"
	"go.uber.org/zap"
)

// Disconnect reasons added by the session layer.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
)

// Manager is the client connection shared by namespace sockets.
//
// Events: open, packet(parser.Packet), ping, error(error),
// close(reason string, err error), reconnect_attempt(int), reconnect(int),
// reconnect_error(error), reconnect_failed.
type Manager struct {
	*emitter.EventEmitter

	uri    string
	opts   ManagerOptions
	loop   *eventloop.Loop
	logger *zap.Logger
	memory engineio.UpgradeMemory

	// loop-only
	engine        *engineio.Socket
	subs          []func()
	readyState    engineio.ReadyState
	decoder       *parser.Decoder
	encoder       parser.Encoder
	backoff       *Backoff
	reconnecting  bool
	skipReconnect bool

	nspsMtx sync.Mutex
	nsps    map[string]*Socket

	stateSnap  atomic.Value
	engineSnap atomic.Pointer[engineio.Socket]
}

func NewManager(rawURL string, opts ManagerOptions) (*Manager, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("siolink: parse url: %w", err)
	}
	if opts.Engine.Path == "" {
		opts.Engine.Path = DefaultManagerOptions().Engine.Path
	}

	manager := &Manager{
		EventEmitter: emitter.New(),
		uri:          rawURL,
		opts:         opts,
		loop:         eventloop.New(),
		logger:       logging.Or(opts.Logger).With(zap.String("component", "manager")),
		decoder:      parser.NewDecoder(),
		backoff:      NewBackoff(opts.ReconnectionDelay, opts.ReconnectionDelayMax, opts.RandomizationFactor),
		nsps:         map[string]*Socket{},
	}
	manager.setReadyState(engineio.StateClosed)
	return manager, nil
}

// Dial creates a Manager for rawURL and returns the socket of the namespace
// named by the URL path, "/" when there is none.
func Dial(rawURL string, mopts ManagerOptions, sopts SocketOptions) (*Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("siolink: parse url: %w", err)
	}
	nsp := u.Path
	if nsp == "" {
		nsp = "/"
	}
	u.Path = ""

	manager, err := NewManager(u.String(), mopts)
	if err != nil {
		return nil, err
	}
	return manager.Socket(nsp, sopts), nil
}

// Open connects the engine. fn, when set, is called on the manager's loop
// with nil once open or with the error that prevented it; without fn a
// failure starts the reconnection policy.
func (manager *Manager) Open(fn func(error)) {
	manager.loop.Post(func() { manager.open(fn) })
}

// Socket returns the socket for namespace nsp, creating it on first use.
// opts only apply to a new socket.
func (manager *Manager) Socket(nsp string, opts SocketOptions) *Socket {
	if nsp == "" {
		nsp = "/"
	}
	manager.nspsMtx.Lock()
	socket, ok := manager.nsps[nsp]
	if !ok {
		socket = newSocket(manager, nsp, opts)
		manager.nsps[nsp] = socket
	}
	manager.nspsMtx.Unlock()

	if manager.opts.AutoConnect {
		manager.loop.Post(func() {
			if !ok || !socket.active() {
				socket.connect()
			}
		})
	}
	return socket
}

// Close disconnects every namespace, closes the engine and stops the loop.
// The Manager cannot be used afterwards.
func (manager *Manager) Close() {
	manager.loop.Post(func() {
		for _, socket := range manager.sockets() {
			if socket.active() {
				socket.disconnect()
			}
		}
		if manager.readyState != engineio.StateClosed {
			manager.close()
		} else {
			manager.skipReconnect = true
			manager.reconnecting = false
			manager.cleanup()
		}

		if engine := manager.engine; engine != nil && engine.ReadyState() != engineio.StateClosed {
			engine.Once("close", func(...any) { manager.loop.Close() })
			return
		}
		manager.loop.Close()
	})
}

// Done is closed once Close has finished.
func (manager *Manager) Done() <-chan struct{} { return manager.loop.Done() }

func (manager *Manager) ReadyState() engineio.ReadyState {
	return manager.stateSnap.Load().(engineio.ReadyState)
}

// Engine returns the current Engine.IO socket, nil before the first open.
func (manager *Manager) Engine() *engineio.Socket { return manager.engineSnap.Load() }

func (manager *Manager) setReadyState(state engineio.ReadyState) {
	manager.readyState = state
	manager.stateSnap.Store(state)
}

func (manager *Manager) sockets() []*Socket {
	manager.nspsMtx.Lock()
	defer manager.nspsMtx.Unlock()
	sockets := make([]*Socket, 0, len(manager.nsps))
	for _, socket := range manager.nsps {
		sockets = append(sockets, socket)
	}
	return sockets
}

func (manager *Manager) open(fn func(error)) {
	if manager.readyState == engineio.StateOpen || manager.readyState == engineio.StateOpening {
		return
	}

	engineOpts := manager.opts.Engine
	engineOpts.Loop = manager.loop
	engineOpts.UpgradeMemory = &manager.memory
	engineOpts.Logger = manager.logger
	engine, err := engineio.NewSocket(manager.uri, engineOpts)
	if err != nil {
		manager.Emit("error", err)
		if fn != nil {
			fn(err)
		}
		return
	}
	manager.engine = engine
	manager.engineSnap.Store(engine)
	manager.setReadyState(engineio.StateOpening)
	manager.skipReconnect = false
	manager.logger.Debug("manager_opening", zap.String("uri", manager.uri))

	onError := func(err error) {
		manager.logger.Warn("manager_open_failed", zap.Error(err))
		manager.cleanup()
		manager.setReadyState(engineio.StateClosed)
		manager.Emit("error", err)
		if fn != nil {
			fn(err)
		} else {
			manager.maybeReconnectOnOpen()
		}
	}

	openSub := engine.Once("open", func(...any) {
		manager.onopen()
		if fn != nil {
			fn(nil)
		}
	})
	errorSub := engine.Once("error", func(args ...any) {
		err, _ := args[0].(error)
		onError(err)
	})
	manager.subs = append(manager.subs, openSub, errorSub)

	if manager.opts.Timeout > 0 {
		timer := manager.loop.AfterFunc(manager.opts.Timeout, func() {
			openSub()
			onError(ErrOpenTimeout)
			engine.Close()
		})
		manager.subs = append(manager.subs, func() { timer.Stop() })
	}

	engine.Open()
}

func (manager *Manager) onopen() {
	manager.cleanup()
	manager.setReadyState(engineio.StateOpen)
	manager.logger.Info("manager_open", zap.String("sid", manager.engine.ID()))
	manager.Emit("open")

	engine := manager.engine
	manager.subs = append(manager.subs,
		engine.On("ping", func(...any) { manager.Emit("ping") }),
		engine.On("data", func(args ...any) { manager.ondata(args[0].(eioparser.Packet)) }),
		engine.On("error", func(args ...any) {
			err, _ := args[0].(error)
			manager.Emit("error", err)
		}),
		engine.On("close", func(args ...any) {
			reason, _ := args[0].(string)
			err, _ := args[1].(error)
			manager.onclose(reason, err)
		}),
	)
}

func (manager *Manager) ondata(packet eioparser.Packet) {
	var data any = string(packet.Data)
	if packet.Binary {
		data = packet.Data
	}

	decoded, err := manager.decoder.Add(data)
	if err != nil {
		manager.logger.Warn("decode_failed", zap.Error(err))
		manager.onclose(engineio.ReasonParseError, err)
		return
	}
	if decoded != nil {
		manager.Emit("packet", *decoded)
	}
}

// packet encodes packet and writes it with its attachments.
func (manager *Manager) packet(packet parser.Packet, compress bool) {
	text, buffers, err := manager.encoder.Encode(packet)
	if err != nil {
		manager.logger.Error("encode_failed", zap.Stringer("type", packet.Type), zap.Error(err))
		manager.Emit("error", err)
		return
	}
	if manager.engine == nil {
		return
	}

	write := func(p eioparser.Packet) {
		p.Compress = compress
		manager.engine.WritePacket(p, nil)
	}
	write(eioparser.NewStringPacket(eioparser.PACKET_MESSAGE, text))
	for _, buffer := range buffers {
		write(eioparser.NewBinaryPacket(buffer))
	}
}

// destroy closes the connection once no namespace socket is active.
func (manager *Manager) destroy() {
	for _, socket := range manager.sockets() {
		if socket.active() {
			return
		}
	}
	manager.close()
}

func (manager *Manager) close() {
	manager.skipReconnect = true
	manager.reconnecting = false
	manager.onclose(engineio.ReasonForcedClose, nil)
}

func (manager *Manager) cleanup() {
	for _, off := range manager.subs {
		off()
	}
	manager.subs = nil
	manager.decoder.Destroy()
}

func (manager *Manager) onclose(reason string, err error) {
	manager.logger.Info("manager_close", zap.String("reason", reason), zap.Error(err))
	manager.cleanup()
	if manager.engine != nil {
		manager.engine.Close()
	}
	manager.backoff.Reset()
	manager.setReadyState(engineio.StateClosed)
	manager.Emit("close", reason, err)

	if manager.opts.Reconnection && !manager.skipReconnect {
		manager.reconnect()
	}
}

func (manager *Manager) maybeReconnectOnOpen() {
	if !manager.reconnecting && manager.opts.Reconnection && manager.backoff.Attempts() == 0 {
		manager.reconnect()
	}
}

func (manager *Manager) reconnect() {
	if manager.reconnecting || manager.skipReconnect {
		return
	}

	if limit := manager.opts.ReconnectionAttempts; limit > 0 && manager.backoff.Attempts() >= limit {
		manager.logger.Warn("reconnect_failed", zap.Int("attempts", manager.backoff.Attempts()))
		manager.backoff.Reset()
		manager.reconnecting = false
		manager.Emit("reconnect_failed")
		return
	}

	delay := manager.backoff.Duration()
	manager.reconnecting = true
	manager.logger.Debug("reconnect_scheduled", zap.Duration("delay", delay))

	timer := manager.loop.AfterFunc(delay, func() {
		if manager.skipReconnect {
			return
		}
		attempt := manager.backoff.Attempts()
		metrics.IncReconnectAttempt()
		manager.logger.Info("reconnect_attempt", zap.Int("attempt", attempt))
		manager.Emit("reconnect_attempt", attempt)
		// a listener may have closed the manager
		if manager.skipReconnect {
			return
		}

		manager.open(func(err error) {
			if err != nil {
				manager.reconnecting = false
				manager.reconnect()
				manager.Emit("reconnect_error", err)
				return
			}
			manager.onreconnect()
		})
	})
	manager.subs = append(manager.subs, func() { timer.Stop() })
}

func (manager *Manager) onreconnect() {
	attempt := manager.backoff.Attempts()
	manager.reconnecting = false
	manager.backoff.Reset()
	manager.logger.Info("reconnected", zap.Int("attempt", attempt))
	manager.Emit("reconnect", attempt)
}
