// Package parser encodes and decodes Engine.IO v4 packets for each kind of
// transport: single text or binary packets, batched payloads for polling, and
// length-prefixed frames for stream transports.
package parser

import (
	"encoding/base64"
)

// Protocol is the Engine.IO protocol revision sent as the EIO query parameter.
const Protocol = 4

type PacketType byte

const (
	PACKET_OPEN    PacketType = '0'
	PACKET_CLOSE   PacketType = '1'
	PACKET_PING    PacketType = '2'
	PACKET_PONG    PacketType = '3'
	PACKET_MESSAGE PacketType = '4'
	PACKET_UPGRADE PacketType = '5'
	PACKET_NOOP    PacketType = '6'

	// PACKET_ERROR never travels on the wire. Decoders return it in place of a
	// packet they could not parse.
	PACKET_ERROR PacketType = 'e'
)

// base64 marker for binary payloads carried by a text-only transport
const binaryMarker byte = 'b'

// DELIMITER separates packets of a polling payload.
const DELIMITER byte = 0x1E

func (t PacketType) String() string {
	switch t {
	case PACKET_OPEN:
		return "open"
	case PACKET_CLOSE:
		return "close"
	case PACKET_PING:
		return "ping"
	case PACKET_PONG:
		return "pong"
	case PACKET_MESSAGE:
		return "message"
	case PACKET_UPGRADE:
		return "upgrade"
	case PACKET_NOOP:
		return "noop"
	case PACKET_ERROR:
		return "error"
	}
	return "unknown"
}

func (t PacketType) valid() bool {
	return t >= PACKET_OPEN && t <= PACKET_NOOP
}

type Packet struct {
	Type PacketType
	Data []byte
	// Binary marks Data as raw bytes. Only message packets carry binary data.
	Binary bool
	// Compress is a per-write hint for transports able to compress; it is not
	// part of the wire format.
	Compress bool
}

// ErrorPacket is what decoders produce for malformed input.
var ErrorPacket = Packet{Type: PACKET_ERROR, Data: []byte("parser error")}

func NewPacket(packetType PacketType, data []byte) Packet {
	return Packet{Type: packetType, Data: data}
}

func NewStringPacket(packetType PacketType, data string) Packet {
	var b []byte
	if data != "" {
		b = []byte(data)
	}
	return Packet{Type: packetType, Data: b}
}

func NewBinaryPacket(data []byte) Packet {
	return Packet{Type: PACKET_MESSAGE, Data: data, Binary: true}
}

func (packet Packet) IsError() bool {
	return packet.Type == PACKET_ERROR
}

// EncodePacket returns the wire form of packet. Binary packets are returned
// as-is when the transport supports binary, otherwise as "b" + base64.
func EncodePacket(packet Packet, supportsBinary bool) []byte {
	if packet.Binary {
		if supportsBinary {
			return packet.Data
		}
		out := make([]byte, 1+base64.StdEncoding.EncodedLen(len(packet.Data)))
		out[0] = binaryMarker
		base64.StdEncoding.Encode(out[1:], packet.Data)
		return out
	}

	out := make([]byte, 0, 1+len(packet.Data))
	out = append(out, byte(packet.Type))
	out = append(out, packet.Data...)
	return out
}

// DecodePacket parses one packet. isBinary tells whether data arrived as raw
// bytes (a binary websocket message or a frame with the binary bit set).
// Malformed input yields ErrorPacket; DecodePacket never panics.
func DecodePacket(data []byte, isBinary bool) Packet {
	if isBinary {
		return NewBinaryPacket(clone(data))
	}
	if len(data) == 0 {
		return ErrorPacket
	}

	if data[0] == binaryMarker {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)-1))
		n, err := base64.StdEncoding.Decode(decoded, data[1:])
		if err != nil {
			return ErrorPacket
		}
		return NewBinaryPacket(clone(decoded[:n]))
	}

	packetType := PacketType(data[0])
	if !packetType.valid() {
		return ErrorPacket
	}
	return Packet{Type: packetType, Data: clone(data[1:])}
}

// ByteLength is the size a packet's data occupies in a polling payload.
func ByteLength(packet Packet) int {
	if packet.Binary {
		return 1 + base64.StdEncoding.EncodedLen(len(packet.Data))
	}
	return len(packet.Data)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
