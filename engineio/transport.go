package engineio

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ghuvrons/siolink/emitter"
	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/ghuvrons/siolink/internal/eventloop"
	"github.com/ghuvrons/siolink/internal/logging"
	"github.com/ghuvrons/siolink/internal/metrics"
	"go.uber.org/zap"
)

// Transport is one client-side channel to the server. All methods are called
// from the owning Socket's loop, and all events are emitted on it:
//
//	open, packet(parser.Packet), error(error), close(error), drain,
//	poll, pollComplete
type Transport interface {
	Name() string
	Open()
	Close()
	Send(packets []parser.Packet)
	// Pause stops the transport from taking new writes or polls and calls
	// onPause once in-flight work is done. Only transports that can be
	// upgraded from need to support it.
	Pause(onPause func())
	Writable() bool
	SetQuery(key, value string)

	On(event string, f emitter.Listener) func()
	Once(event string, f emitter.Listener) func()
	RemoveAllListeners(events ...string)
}

// TransportOptions is what a TransportFactory gets from the Socket.
type TransportOptions struct {
	URL        *url.URL
	Query      url.Values
	Headers    http.Header
	HTTPClient *http.Client
	Loop       *eventloop.Loop
	Logger     *zap.Logger

	TimestampRequests bool
	TimestampParam    string
	MaxPayload        int
	RequestTimeout    time.Duration
	StreamDialer      DialFunc
}

type TransportFactory func(opts TransportOptions) (Transport, error)

// DialFunc opens the byte stream used by the stream transport.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

var defaultTransports = map[string]TransportFactory{
	TRANSPORT_POLLING:   newPollingTransport,
	TRANSPORT_WEBSOCKET: newWebsocketTransport,
	TRANSPORT_STREAM:    newStreamTransport,
}

// transportBase carries the state machine shared by every transport. Fields
// are only touched from the loop.
type transportBase struct {
	*emitter.EventEmitter
	name       string
	opts       TransportOptions
	readyState ReadyState
	writable   bool
	logger     *zap.Logger

	// hooks provided by the concrete transport
	doOpen  func()
	doClose func()
	// release frees a paused transport without ending the session; nil when
	// doClose already does that
	release func()
	write   func(packets []parser.Packet)
}

func newTransportBase(name string, opts TransportOptions) *transportBase {
	query := url.Values{}
	for k, v := range opts.Query {
		query[k] = append([]string(nil), v...)
	}
	opts.Query = query
	return &transportBase{
		EventEmitter: emitter.New(),
		name:         name,
		opts:         opts,
		logger:       logging.Or(opts.Logger).With(zap.String("transport", name)),
	}
}

func (t *transportBase) Name() string { return t.name }

func (t *transportBase) Writable() bool { return t.writable }

func (t *transportBase) SetQuery(key, value string) { t.opts.Query.Set(key, value) }

func (t *transportBase) Open() {
	t.readyState = StateOpening
	t.doOpen()
}

// Close closes an opening or open transport. A paused transport is dropped
// silently: it has been replaced and must not tell the server to end the
// session.
func (t *transportBase) Close() {
	switch t.readyState {
	case StateOpening, StateOpen:
		t.doClose()
		t.onClose(nil)
	case statePausing, statePaused:
		if t.release != nil {
			t.release()
		}
		t.onClose(nil)
	}
}

func (t *transportBase) Send(packets []parser.Packet) {
	if t.readyState == StateOpen {
		metrics.IncPacketOut(t.name, len(packets))
		t.write(packets)
	}
}

func (t *transportBase) Pause(onPause func()) {
	t.readyState = statePaused
	onPause()
}

func (t *transportBase) onOpen() {
	t.readyState = StateOpen
	t.writable = true
	t.Emit("open")
}

func (t *transportBase) onData(data []byte, isBinary bool) {
	t.onPacket(parser.DecodePacket(data, isBinary))
}

func (t *transportBase) onPacket(packet parser.Packet) {
	metrics.IncPacketIn(t.name)
	t.Emit("packet", packet)
}

func (t *transportBase) onError(reason string, description error) {
	t.Emit("error", &TransportError{Transport: t.name, Reason: reason, Description: description})
}

func (t *transportBase) onClose(description error) {
	if t.readyState == StateClosed {
		return
	}
	t.readyState = StateClosed
	t.writable = false
	t.Emit("close", description)
}

func (t *transportBase) onDrain() {
	t.writable = true
	t.Emit("drain")
}

// post runs fn on the loop unless the transport has closed in the meantime.
func (t *transportBase) post(fn func()) {
	t.opts.Loop.Post(func() {
		if t.readyState == StateClosed {
			return
		}
		fn()
	})
}

// uri builds the transport URL with the given scheme pair ("http"/"ws").
func (t *transportBase) uri(plain, secure string) string {
	u := *t.opts.URL
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = secure
	default:
		u.Scheme = plain
	}
	query := url.Values{}
	for k, v := range t.opts.Query {
		query[k] = v
	}
	if t.opts.TimestampRequests && t.opts.TimestampParam != "" {
		query.Set(t.opts.TimestampParam, strconv.FormatInt(time.Now().UnixNano(), 36))
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// writeQueue hands batches to a single writer goroutine in order.
type writeQueue struct {
	mu       sync.Mutex
	batches  [][]parser.Packet
	wake     chan struct{}
	closed   bool
	draining bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{wake: make(chan struct{}, 1)}
}

func (q *writeQueue) push(packets []parser.Packet) {
	q.mu.Lock()
	if q.closed || q.draining {
		q.mu.Unlock()
		return
	}
	q.batches = append(q.batches, packets)
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// drain stops taking batches; next hands out the queued ones, then reports
// the end.
func (q *writeQueue) drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.signal()
}

func (q *writeQueue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining && !q.closed
}

func (q *writeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until a batch is queued; ok is false once the queue is closed.
func (q *writeQueue) next() (packets []parser.Packet, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.batches) > 0 {
			packets = q.batches[0]
			q.batches = q.batches[1:]
			q.mu.Unlock()
			return packets, true
		}
		if q.draining {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}
