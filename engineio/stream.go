package engineio

import (
	"context"
	"fmt"
	"net"

	"github.com/ghuvrons/siolink/engineio/parser"
)

// streamTransport runs length-prefixed frames over a bidirectional byte
// stream. It opens by writing an open packet, carrying the session id when
// resuming a session.
type streamTransport struct {
	*transportBase
	conn   net.Conn
	queue  *writeQueue
	cancel context.CancelFunc
}

func newStreamTransport(opts TransportOptions) (Transport, error) {
	opts.TimestampRequests = false
	t := &streamTransport{
		transportBase: newTransportBase(TRANSPORT_STREAM, opts),
		queue:         newWriteQueue(),
	}
	t.doOpen = t.dial
	t.doClose = t.closeConn
	t.release = t.releaseConn
	t.write = t.send
	return t, nil
}

func (t *streamTransport) address() string {
	host := t.opts.URL.Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	switch t.opts.URL.Scheme {
	case "https", "wss":
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}

func (t *streamTransport) dial() {
	dial := t.opts.StreamDialer
	if dial == nil {
		d := &net.Dialer{Timeout: t.opts.RequestTimeout}
		dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	address := t.address()

	open := parser.NewPacket(parser.PACKET_OPEN, nil)
	if sid := t.opts.Query.Get("sid"); sid != "" {
		open.Data = []byte(fmt.Sprintf(`{"sid":%q}`, sid))
	}

	go func() {
		conn, err := dial(ctx, "tcp", address)
		if err == nil {
			_, err = conn.Write(parser.EncodeFrame(open))
		}
		t.opts.Loop.Post(func() {
			if t.readyState != StateOpening {
				if conn != nil {
					conn.Close()
				}
				return
			}
			if err != nil {
				if conn != nil {
					conn.Close()
				}
				t.onError("stream error", err)
				return
			}
			t.conn = conn
			go t.readLoop(conn)
			go t.writeLoop(conn)
			t.onOpen()
		})
	}()
}

func (t *streamTransport) readLoop(conn net.Conn) {
	decoder := parser.NewFrameDecoder(t.opts.MaxPayload)
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			packets := decoder.Write(buf[:n])
			if len(packets) > 0 {
				t.post(func() {
					for _, packet := range packets {
						t.onPacket(packet)
						if t.readyState == StateClosed {
							return
						}
					}
				})
			}
			if decoder.Failed() {
				return
			}
		}
		if err != nil {
			t.post(func() {
				t.onClose(fmt.Errorf("stream closed: %w", err))
			})
			return
		}
	}
}

func (t *streamTransport) writeLoop(conn net.Conn) {
	for {
		packets, ok := t.queue.next()
		if !ok {
			if t.queue.drained() {
				conn.Close()
			}
			return
		}
		var frames []byte
		for _, packet := range packets {
			frames = append(frames, parser.EncodeFrame(packet)...)
		}
		if _, err := conn.Write(frames); err != nil {
			t.post(func() {
				t.onError("stream error", err)
			})
			return
		}
		t.post(func() {
			if t.readyState == StateOpen {
				t.onDrain()
			}
		})
	}
}

func (t *streamTransport) send(packets []parser.Packet) {
	t.writable = false
	t.queue.push(packets)
}

func (t *streamTransport) closeConn() {
	t.queue.close()
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		t.conn.Close()
	}
}

// releaseConn lets the writer finish the batches queued before the pause,
// then drops the connection without a close handshake.
func (t *streamTransport) releaseConn() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn == nil {
		t.queue.close()
		return
	}
	t.queue.drain()
}
