package engineio

import (
	"net"

	"github.com/ghuvrons/siolink/engineio/parser"
	"go.uber.org/zap"
)

// ServeConn runs a stream-transport session over conn until either side
// closes it. The client must start with an open packet. Resuming a session by
// sid is not supported; such a request is answered with an error packet.
func (server *Server) ServeConn(conn net.Conn) {
	defer conn.Close()

	decoder := parser.NewFrameDecoder(server.options.MaxPayload)
	buf := make([]byte, 32*1024)
	var pending []parser.Packet

	for len(pending) == 0 {
		n, err := conn.Read(buf)
		if n > 0 {
			pending = decoder.Write(buf[:n])
		}
		if err != nil && len(pending) == 0 {
			return
		}
	}

	if open := pending[0]; open.Type != parser.PACKET_OPEN || len(open.Data) > 0 {
		server.logger.Debug("stream_rejected", zap.Stringer("type", open.Type))
		conn.Write(parser.EncodeFrame(parser.NewStringPacket(parser.PACKET_ERROR, "session resume not supported")))
		return
	}
	pending = pending[1:]

	socket := server.handshake(TRANSPORT_STREAM)
	defer socket.close(ReasonTransportClose)

	// listener: packet sender
	go func() {
		defer conn.Close()
		for {
			packets, ok := socket.nextBatch(socket.ctx, false)
			if !ok {
				return
			}
			var frames []byte
			for _, packet := range packets {
				frames = append(frames, parser.EncodeFrame(packet)...)
			}
			if _, err := conn.Write(frames); err != nil {
				socket.logger.Debug("stream_write_failed", zap.Error(err))
				socket.close(ReasonTransportError)
				return
			}
			socket.sent(packets)
		}
	}()

	// listener: packet receiver
	for {
		for _, packet := range pending {
			if !socket.receive(packet) {
				return
			}
		}
		if decoder.Failed() {
			return
		}
		n, err := conn.Read(buf)
		pending = decoder.Write(buf[:n])
		if err != nil && len(pending) == 0 {
			return
		}
	}
}
