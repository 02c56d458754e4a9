package parser

import "bytes"

// EncodePayload batches packets into one polling body. Binary packets are
// base64 encoded since the body is text.
func EncodePayload(packets []Packet) []byte {
	buf := bytes.Buffer{}
	for i, packet := range packets {
		if i > 0 {
			buf.WriteByte(DELIMITER)
		}
		buf.Write(EncodePacket(packet, false))
	}
	return buf.Bytes()
}

// DecodePayload splits a polling body into packets. Decoding stops at the
// first malformed packet: the result holds every packet decoded before it,
// followed by ErrorPacket.
func DecodePayload(payload []byte) []Packet {
	var packets []Packet
	for _, encoded := range bytes.Split(payload, []byte{DELIMITER}) {
		packet := DecodePacket(encoded, false)
		packets = append(packets, packet)
		if packet.IsError() {
			break
		}
	}
	return packets
}
