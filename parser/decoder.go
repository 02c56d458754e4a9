package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Decoder turns wire data back into packets. Text parts of binary packets
// are held until all their attachments arrived. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	reconstructor *binaryReconstructor
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Add feeds one message, a string or a []byte, to the decoder. It returns
// the decoded packet, or nil while attachments are still missing. Any error
// leaves the decoder reset.
func (decoder *Decoder) Add(data any) (*Packet, error) {
	switch v := data.(type) {
	case string:
		if decoder.reconstructor != nil {
			decoder.Destroy()
			return nil, ErrUnexpectedPlaintext
		}
		packet, err := decodeString(v)
		if err != nil {
			return nil, err
		}
		if packet.Type.binary() && packet.Attachments > 0 {
			decoder.reconstructor = &binaryReconstructor{packet: packet}
			return nil, nil
		}
		return &packet, nil

	case []byte:
		if decoder.reconstructor == nil {
			return nil, ErrUnexpectedBinary
		}
		packet, err := decoder.reconstructor.takeBinaryData(v)
		if err != nil {
			decoder.Destroy()
			return nil, err
		}
		if packet != nil {
			decoder.reconstructor = nil
		}
		return packet, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedData, data)
}

// Reconstructing reports whether the decoder waits for attachments.
func (decoder *Decoder) Reconstructing() bool {
	return decoder.reconstructor != nil
}

// Destroy drops a partially received binary packet.
func (decoder *Decoder) Destroy() {
	decoder.reconstructor = nil
}

func decodeString(str string) (Packet, error) {
	if str == "" {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrUnknownType)
	}
	packet := Packet{Type: PacketType(str[0] - '0'), Namespace: "/"}
	if str[0] < '0' || !packet.Type.valid() {
		return Packet{}, fmt.Errorf("%w: %q", ErrUnknownType, str[0])
	}
	rest := str[1:]

	// num of buffers data
	if packet.Type.binary() {
		dash := strings.IndexByte(rest, '-')
		if dash <= 0 {
			return Packet{}, ErrIllegalAttachments
		}
		attachments, err := strconv.Atoi(rest[:dash])
		if err != nil || attachments < 0 {
			return Packet{}, ErrIllegalAttachments
		}
		packet.Attachments = attachments
		rest = rest[dash+1:]
	}

	// namespace
	if strings.HasPrefix(rest, "/") {
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			packet.Namespace = rest[:comma]
			rest = rest[comma+1:]
		} else {
			packet.Namespace = rest
			rest = ""
		}
	}

	// ACK
	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseUint(rest[:digits], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		packet.ID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &packet.Data); err != nil {
			return Packet{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if !payloadValid(packet) {
		return Packet{}, fmt.Errorf("%w for %s", ErrInvalidPayload, packet.Type)
	}
	return packet, nil
}

// payloadValid checks the payload shape per packet type. Event payloads are
// only required to be present; event names are checked on dispatch.
func payloadValid(packet Packet) bool {
	switch packet.Type {
	case CONNECT:
		if packet.Data == nil {
			return true
		}
		_, ok := packet.Data.(map[string]any)
		return ok
	case DISCONNECT:
		return packet.Data == nil
	case CONNECT_ERROR:
		switch packet.Data.(type) {
		case string, map[string]any:
			return true
		}
		return false
	case EVENT, BINARY_EVENT:
		return packet.Data != nil
	case ACK, BINARY_ACK:
		_, ok := packet.Data.([]any)
		return ok
	}
	return false
}
