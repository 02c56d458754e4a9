// Package parser encodes and decodes Socket.IO packets. Packets carrying
// binary data are split into a text part, with numbered placeholders where
// the buffers were, followed by the buffers as separate attachments.
package parser

import (
	"errors"
	"strconv"
)

// Protocol is the Socket.IO protocol revision.
const Protocol = 5

type PacketType byte

const (
	CONNECT PacketType = iota
	DISCONNECT
	EVENT
	ACK
	CONNECT_ERROR
	BINARY_EVENT
	BINARY_ACK
)

var packetTypeNames = [...]string{
	CONNECT:       "CONNECT",
	DISCONNECT:    "DISCONNECT",
	EVENT:         "EVENT",
	ACK:           "ACK",
	CONNECT_ERROR: "CONNECT_ERROR",
	BINARY_EVENT:  "BINARY_EVENT",
	BINARY_ACK:    "BINARY_ACK",
}

func (t PacketType) String() string {
	if int(t) < len(packetTypeNames) {
		return packetTypeNames[t]
	}
	return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
}

func (t PacketType) valid() bool { return t <= BINARY_ACK }

func (t PacketType) binary() bool { return t == BINARY_EVENT || t == BINARY_ACK }

// IsEvent reports whether t carries an event, with or without attachments.
func (t PacketType) IsEvent() bool { return t == EVENT || t == BINARY_EVENT }

// IsAck reports whether t carries an acknowledgement.
func (t PacketType) IsAck() bool { return t == ACK || t == BINARY_ACK }

var (
	ErrUnknownType         = errors.New("parser: unknown packet type")
	ErrIllegalAttachments  = errors.New("parser: illegal attachments")
	ErrInvalidPayload      = errors.New("parser: invalid payload")
	ErrInvalidID           = errors.New("parser: invalid packet id")
	ErrUnexpectedBinary    = errors.New("parser: got binary data when not reconstructing a packet")
	ErrUnexpectedPlaintext = errors.New("parser: got plaintext data when reconstructing a packet")
	ErrUnsupportedData     = errors.New("parser: unsupported data type")
)

// Packet is a Socket.IO packet. ID is nil when no acknowledgement is
// involved. Data holds decoded JSON (map[string]any, []any, string, float64,
// bool or nil) with []byte values where attachments were.
type Packet struct {
	Type        PacketType
	Namespace   string
	ID          *uint64
	Data        any
	Attachments int
}

func NewPacket(packetType PacketType, namespace string, data any) Packet {
	if namespace == "" {
		namespace = "/"
	}
	return Packet{Type: packetType, Namespace: namespace, Data: data}
}

// WithID returns a copy of packet carrying the acknowledgement id.
func (packet Packet) WithID(id uint64) Packet {
	packet.ID = &id
	return packet
}
