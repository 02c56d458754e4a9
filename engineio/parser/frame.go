package parser

import (
	"bytes"
	"encoding/binary"
	"math"
)

// Frame header: the high bit of the first byte flags a binary payload, the low
// seven bits hold the length, or 126 / 127 when a 2 or 8 byte big-endian
// length follows.
const (
	frameBinaryBit  byte = 0x80
	frameLengthMask byte = 0x7f
	frameLength16   byte = 126
	frameLength64   byte = 127
)

const maxSafeLength64 = 1<<53 - 1

// DefaultMaxPayload bounds a single frame when no limit is configured.
const DefaultMaxPayload = 1_000_000

// EncodeFrame wraps packet in a stream frame.
func EncodeFrame(packet Packet) []byte {
	payload := EncodePacket(packet, true)
	length := len(payload)

	var header []byte
	switch {
	case length < int(frameLength16):
		header = []byte{byte(length)}
	case length < math.MaxUint16+1:
		header = make([]byte, 3)
		header[0] = frameLength16
		binary.BigEndian.PutUint16(header[1:], uint16(length))
	default:
		header = make([]byte, 9)
		header[0] = frameLength64
		binary.BigEndian.PutUint64(header[1:], uint64(length))
	}
	if packet.Binary {
		header[0] |= frameBinaryBit
	}

	out := make([]byte, 0, len(header)+length)
	out = append(out, header...)
	return append(out, payload...)
}

type decoderState byte

const (
	stateReadHeader decoderState = iota
	stateReadExtendedLength16
	stateReadExtendedLength64
	stateReadPayload
	stateFailed
)

// FrameDecoder reassembles packets from a byte stream fed in arbitrary chunks.
// Once it has produced ErrorPacket it stays failed and ignores further input;
// the connection is expected to be torn down.
type FrameDecoder struct {
	maxPayload     uint64
	buf            bytes.Buffer
	state          decoderState
	expectedLength uint64
	isBinary       bool
}

// NewFrameDecoder returns a decoder rejecting frames longer than maxPayload
// bytes; 0 selects DefaultMaxPayload.
func NewFrameDecoder(maxPayload int) *FrameDecoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &FrameDecoder{maxPayload: uint64(maxPayload)}
}

// Failed reports whether the decoder hit a fatal framing error.
func (decoder *FrameDecoder) Failed() bool {
	return decoder.state == stateFailed
}

// Write consumes chunk and returns the packets it completed.
func (decoder *FrameDecoder) Write(chunk []byte) []Packet {
	if decoder.state == stateFailed {
		return nil
	}
	decoder.buf.Write(chunk)

	var packets []Packet
	for {
		switch decoder.state {
		case stateReadHeader:
			if decoder.buf.Len() < 1 {
				return packets
			}
			header, _ := decoder.buf.ReadByte()
			decoder.isBinary = header&frameBinaryBit != 0
			decoder.expectedLength = uint64(header & frameLengthMask)
			switch decoder.expectedLength {
			case uint64(frameLength16):
				decoder.state = stateReadExtendedLength16
			case uint64(frameLength64):
				decoder.state = stateReadExtendedLength64
			default:
				decoder.state = stateReadPayload
			}

		case stateReadExtendedLength16:
			if decoder.buf.Len() < 2 {
				return packets
			}
			decoder.expectedLength = uint64(binary.BigEndian.Uint16(decoder.buf.Next(2)))
			decoder.state = stateReadPayload

		case stateReadExtendedLength64:
			if decoder.buf.Len() < 8 {
				return packets
			}
			n := binary.BigEndian.Uint64(decoder.buf.Next(8))
			if n > maxSafeLength64 {
				return decoder.fail(packets)
			}
			decoder.expectedLength = n
			decoder.state = stateReadPayload

		case stateReadPayload:
			if uint64(decoder.buf.Len()) < decoder.expectedLength {
				return packets
			}
			data := decoder.buf.Next(int(decoder.expectedLength))
			packets = append(packets, DecodePacket(data, decoder.isBinary))
			decoder.state = stateReadHeader
			continue

		default:
			return packets
		}

		if decoder.state == stateReadPayload &&
			(decoder.expectedLength == 0 || decoder.expectedLength > decoder.maxPayload) {
			return decoder.fail(packets)
		}
	}
}

func (decoder *FrameDecoder) fail(packets []Packet) []Packet {
	decoder.state = stateFailed
	decoder.buf.Reset()
	return append(packets, ErrorPacket)
}
