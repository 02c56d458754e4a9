package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Encoder turns packets into their wire form.
type Encoder struct{}

// Encode returns the text part of packet and, for packets holding []byte
// values, the attachments to send after it. Events and acks holding binary
// data are sent as their binary variants.
func (Encoder) Encode(packet Packet) (data string, buffers [][]byte, err error) {
	if packet.Type == EVENT && HasBinary(packet.Data) {
		packet.Type = BINARY_EVENT
	} else if packet.Type == ACK && HasBinary(packet.Data) {
		packet.Type = BINARY_ACK
	}

	if packet.Type.binary() {
		packet.Data = deconstruct(packet.Data, &buffers)
		packet.Attachments = len(buffers)
	}

	data, err = encodeAsString(packet)
	return data, buffers, err
}

func encodeAsString(packet Packet) (string, error) {
	if !packet.Type.valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownType, packet.Type)
	}

	buf := bytes.Buffer{}

	// packetType
	buf.WriteByte('0' + byte(packet.Type))

	// num of buffers data
	if packet.Type.binary() {
		buf.WriteString(strconv.Itoa(packet.Attachments))
		buf.WriteByte('-')
	}

	// namespace
	if packet.Namespace != "" && packet.Namespace != "/" {
		buf.WriteString(packet.Namespace)
		buf.WriteByte(',')
	}

	// ACK
	if packet.ID != nil {
		buf.WriteString(strconv.FormatUint(*packet.ID, 10))
	}

	if packet.Data != nil {
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(packet.Data); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedData, err)
		}
		buf.Truncate(buf.Len() - 1) // trailing newline
	}

	return buf.String(), nil
}
