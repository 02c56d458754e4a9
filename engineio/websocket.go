package engineio

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// websocketTransport carries one packet per websocket message: text packets
// as text frames, binary packets as raw binary frames.
type websocketTransport struct {
	*transportBase
	conn   *websocket.Conn
	queue  *writeQueue
	cancel context.CancelFunc
}

func newWebsocketTransport(opts TransportOptions) (Transport, error) {
	opts.TimestampRequests = false
	t := &websocketTransport{
		transportBase: newTransportBase(TRANSPORT_WEBSOCKET, opts),
		queue:         newWriteQueue(),
	}
	t.doOpen = t.dial
	t.doClose = t.closeConn
	t.release = t.releaseConn
	t.write = t.send
	return t, nil
}

func (t *websocketTransport) dial() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	uri := t.uri("ws", "wss")
	headers := http.Header{}
	for k, v := range t.opts.Headers {
		headers[k] = v
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.opts.RequestTimeout,
	}

	go func() {
		conn, _, err := dialer.DialContext(ctx, uri, headers)
		t.opts.Loop.Post(func() {
			if t.readyState != StateOpening {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				t.onError("websocket error", err)
				return
			}
			t.conn = conn
			go t.readLoop(conn)
			go t.writeLoop(conn)
			t.onOpen()
		})
	}()
}

func (t *websocketTransport) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.post(func() {
				t.onClose(fmt.Errorf("websocket connection closed: %w", err))
			})
			return
		}
		isBinary := messageType == websocket.BinaryMessage
		t.post(func() {
			t.onData(data, isBinary)
		})
	}
}

func (t *websocketTransport) writeLoop(conn *websocket.Conn) {
	for {
		packets, ok := t.queue.next()
		if !ok {
			if t.queue.drained() {
				conn.Close()
			}
			return
		}
		for _, packet := range packets {
			messageType := websocket.TextMessage
			if packet.Binary {
				messageType = websocket.BinaryMessage
			}
			if err := conn.WriteMessage(messageType, parser.EncodePacket(packet, true)); err != nil {
				t.post(func() {
					t.onError("websocket error", err)
				})
				return
			}
		}
		t.post(func() {
			if t.readyState == StateOpen {
				t.onDrain()
			}
		})
	}
}

func (t *websocketTransport) send(packets []parser.Packet) {
	t.writable = false
	t.queue.push(packets)
}

func (t *websocketTransport) closeConn() {
	t.queue.close()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn == nil {
		return
	}
	conn := t.conn
	go func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.logger.Debug("websocket_close_frame_failed", zap.Error(err))
		}
		conn.Close()
	}()
}

// releaseConn lets the writer finish the batches queued before the pause,
// then drops the connection without a close handshake.
func (t *websocketTransport) releaseConn() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn == nil {
		t.queue.close()
		return
	}
	t.queue.drain()
}
