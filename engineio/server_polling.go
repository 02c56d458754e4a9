package engineio

import (
	"io"
	"net/http"

	"github.com/ghuvrons/siolink/engineio/parser"
	"go.uber.org/zap"
)

// servePolling handles the long-polling transport: GET waits for queued
// packets, POST carries a payload from the client.
func servePolling(w http.ResponseWriter, req *http.Request) {
	socket, _ := req.Context().Value(ctxKeySocket).(*ServerSocket)

	switch req.Method {
	// listener: packet sender
	case http.MethodGet:
		if socket.Transport() != TRANSPORT_POLLING {
			writePayload(w, []parser.Packet{parser.NewPacket(parser.PACKET_NOOP, nil)})
			return
		}
		if !socket.polling.CompareAndSwap(false, true) {
			socket.logger.Warn("polling_overlap")
			writeError(w, errCodeBadRequest, "Overlapping poll")
			socket.close(ReasonTransportError)
			return
		}
		defer socket.polling.Store(false)

		packets, ok := socket.nextBatch(req.Context(), true)
		if !ok {
			if socket.ctx.Err() != nil {
				writePayload(w, []parser.Packet{parser.NewPacket(parser.PACKET_CLOSE, nil)})
			}
			return
		}
		if err := writePayload(w, packets); err != nil {
			socket.logger.Debug("polling_write_failed", zap.Error(err))
			socket.close(ReasonTransportError)
			return
		}
		socket.sent(packets)

	// listener: packet receiver
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, int64(socket.server.options.MaxPayload)))
		if err != nil {
			socket.logger.Debug("polling_read_failed", zap.Error(err))
			writeError(w, errCodeBadRequest, "Payload too large")
			socket.close(ReasonTransportError)
			return
		}

		for _, packet := range parser.DecodePayload(body) {
			if !socket.receive(packet) {
				break
			}
		}

		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("ok"))

	default:
		writeError(w, errCodeBadRequest, "Method not allowed")
	}
}

func writePayload(w http.ResponseWriter, packets []parser.Packet) error {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	_, err := w.Write(parser.EncodePayload(packets))
	return err
}
