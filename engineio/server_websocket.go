package engineio

import (
	"github.com/ghuvrons/siolink/engineio/parser"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

type websocketMessage struct {
	payloadType byte
	message     []byte
}

// websocketCodec sends strings as text frames and byte slices as binary
// frames, and keeps the frame type on receive.
var websocketCodec = websocket.Codec{Marshal: wsMarshal, Unmarshal: wsUnmarshal}

func wsMarshal(v any) (msg []byte, payloadType byte, err error) {
	switch data := v.(type) {
	case string:
		return []byte(data), websocket.TextFrame, nil
	case []byte:
		return data, websocket.BinaryFrame, nil
	}
	return nil, websocket.UnknownFrame, websocket.ErrNotSupported
}

func wsUnmarshal(msg []byte, payloadType byte, v any) (err error) {
	data, isOK := v.(*websocketMessage)
	if !isOK {
		return websocket.ErrNotSupported
	}
	data.payloadType = payloadType
	data.message = msg
	return nil
}

func (message websocketMessage) packet() parser.Packet {
	return parser.DecodePacket(message.message, message.payloadType == websocket.BinaryFrame)
}

// websocketHandler skips the origin check of websocket.Handler: non-browser
// clients send no Origin header.
func (server *Server) websocketHandler() websocket.Server {
	return websocket.Server{Handler: server.serveWebsocket}
}

func (server *Server) serveWebsocket(conn *websocket.Conn) {
	conn.MaxPayloadBytes = server.options.MaxPayload
	socket, _ := conn.Request().Context().Value(ctxKeySocket).(*ServerSocket)

	if socket == nil {
		socket = server.handshake(TRANSPORT_WEBSOCKET)
	} else if !server.upgradeWebsocket(socket, conn) {
		conn.Close()
		return
	}

	defer func() {
		socket.close(ReasonTransportClose)
		conn.Close()
	}()

	// listener: packet sender
	go func() {
		defer conn.Close()
		for {
			packets, ok := socket.nextBatch(socket.ctx, false)
			if !ok {
				return
			}
			for _, packet := range packets {
				var err error
				if packet.Binary {
					err = websocketCodec.Send(conn, packet.Data)
				} else {
					err = websocketCodec.Send(conn, string(parser.EncodePacket(packet, true)))
				}
				if err != nil {
					socket.logger.Debug("websocket_write_failed", zap.Error(err))
					socket.close(ReasonTransportError)
					return
				}
			}
			socket.sent(packets)
		}
	}()

	// listener: packet receiver
	message := websocketMessage{}
	for {
		if err := websocketCodec.Receive(conn, &message); err != nil {
			return
		}
		if len(message.message) == 0 {
			continue
		}
		if !socket.receive(message.packet()) {
			return
		}
	}
}

// upgradeWebsocket answers the probe on a websocket opened for an existing
// polling session, then moves the session over on the upgrade packet.
func (server *Server) upgradeWebsocket(socket *ServerSocket, conn *websocket.Conn) bool {
	if socket.Transport() != TRANSPORT_POLLING {
		socket.logger.Warn("upgrade_rejected", zap.String("transport", socket.Transport()))
		return false
	}

	message := websocketMessage{}
	for {
		if err := websocketCodec.Receive(conn, &message); err != nil {
			return false
		}

		packet := message.packet()
		switch {
		case packet.Type == parser.PACKET_PING && string(packet.Data) == string(probePayload):
			pong := parser.NewPacket(parser.PACKET_PONG, probePayload)
			if err := websocketCodec.Send(conn, string(parser.EncodePacket(pong, true))); err != nil {
				return false
			}
			socket.releasePoll()

		case packet.Type == parser.PACKET_UPGRADE:
			socket.transport.Store(TRANSPORT_WEBSOCKET)
			socket.releasePoll()
			socket.logger.Info("session_upgraded", zap.String("transport", TRANSPORT_WEBSOCKET))
			return true

		default:
			socket.logger.Debug("upgrade_unexpected_packet", zap.Stringer("type", packet.Type))
			return false
		}
	}
}
