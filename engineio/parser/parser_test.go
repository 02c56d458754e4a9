package parser

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePackets() []Packet {
	return []Packet{
		NewStringPacket(PACKET_OPEN, `{"sid":"abc","upgrades":["websocket"],"pingInterval":25000,"pingTimeout":20000}`),
		NewStringPacket(PACKET_CLOSE, ""),
		NewStringPacket(PACKET_PING, ""),
		NewStringPacket(PACKET_PING, "probe"),
		NewStringPacket(PACKET_PONG, "probe"),
		NewStringPacket(PACKET_MESSAGE, "hello €"),
		NewStringPacket(PACKET_MESSAGE, ""),
		NewStringPacket(PACKET_UPGRADE, ""),
		NewStringPacket(PACKET_NOOP, ""),
		NewBinaryPacket([]byte{0, 1, 2, 3, 0x1e, 0xff}),
		NewBinaryPacket([]byte{}),
	}
}

// normalize maps an empty binary payload to nil so both encodings compare equal.
func normalize(p Packet) Packet {
	if len(p.Data) == 0 {
		p.Data = nil
	}
	return p
}

func TestEncodeDecodePacket_RoundTrip(t *testing.T) {
	for _, p := range samplePackets() {
		t.Run(p.Type.String(), func(t *testing.T) {
			text := EncodePacket(p, false)
			assert.Equal(t, normalize(p), DecodePacket(text, false))

			raw := EncodePacket(p, true)
			assert.Equal(t, normalize(p), DecodePacket(raw, p.Binary))
		})
	}
}

func TestEncodePacket_Wire(t *testing.T) {
	tests := []struct {
		name           string
		packet         Packet
		supportsBinary bool
		want           string
	}{
		{"ping probe", NewStringPacket(PACKET_PING, "probe"), false, "2probe"},
		{"message", NewStringPacket(PACKET_MESSAGE, "hi"), true, "4hi"},
		{"binary as base64", NewBinaryPacket([]byte{1, 2, 3, 4}), false, "bAQIDBA=="},
		{"binary raw", NewBinaryPacket([]byte{1, 2, 3, 4}), true, "\x01\x02\x03\x04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(EncodePacket(tt.packet, tt.supportsBinary)))
		})
	}
}

func TestDecodePacket_Malformed(t *testing.T) {
	for _, in := range []string{"", "9", "x", "b!!notbase64"} {
		assert.Equal(t, ErrorPacket, DecodePacket([]byte(in), false), "input %q", in)
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	packets := samplePackets()
	decoded := DecodePayload(EncodePayload(packets))
	require.Len(t, decoded, len(packets))
	for i := range packets {
		assert.Equal(t, normalize(packets[i]), decoded[i])
	}
}

func TestDecodePayload_StopsAtFirstError(t *testing.T) {
	payload := []byte("4hello\x1e9bad\x1e4never")
	decoded := DecodePayload(payload)
	require.Len(t, decoded, 2)
	assert.Equal(t, NewStringPacket(PACKET_MESSAGE, "hello"), decoded[0])
	assert.True(t, decoded[1].IsError())
}

func TestEncodeFrame_Header(t *testing.T) {
	short := EncodeFrame(NewStringPacket(PACKET_MESSAGE, "hi"))
	assert.Equal(t, []byte{3, '4', 'h', 'i'}, short)

	bin := EncodeFrame(NewBinaryPacket([]byte{9, 8}))
	assert.Equal(t, []byte{0x82, 9, 8}, bin)

	mid := EncodeFrame(NewStringPacket(PACKET_MESSAGE, strings.Repeat("a", 200)))
	assert.Equal(t, byte(126), mid[0])
	assert.Equal(t, uint16(201), binary.BigEndian.Uint16(mid[1:3]))

	long := EncodeFrame(NewBinaryPacket(make([]byte, 70000)))
	assert.Equal(t, byte(0x80|127), long[0])
	assert.Equal(t, uint64(70000), binary.BigEndian.Uint64(long[1:9]))
	assert.Len(t, long, 9+70000)
}

func TestFrameDecoder_ChunkBoundaryInvariance(t *testing.T) {
	packets := append(samplePackets()[:10],
		NewStringPacket(PACKET_MESSAGE, strings.Repeat("x", 300)),
		NewBinaryPacket(bytes.Repeat([]byte{7}, 70000)),
	)

	for _, p := range packets {
		frame := EncodeFrame(p)
		want := normalize(p)

		// whole frame at once
		got := NewFrameDecoder(0).Write(frame)
		require.Len(t, got, 1)
		assert.Equal(t, want, got[0])

		// split at every boundary into two chunks
		step := 1
		if len(frame) > 1000 {
			step = 997
		}
		for split := 1; split < len(frame); split += step {
			decoder := NewFrameDecoder(0)
			first := decoder.Write(frame[:split])
			second := decoder.Write(frame[split:])
			got := append(first, second...)
			require.Len(t, got, 1, "split at %d", split)
			assert.Equal(t, want, got[0])
		}

		// one byte at a time
		if len(frame) < 1000 {
			decoder := NewFrameDecoder(0)
			var got []Packet
			for i := range frame {
				got = append(got, decoder.Write(frame[i:i+1])...)
			}
			require.Len(t, got, 1)
			assert.Equal(t, want, got[0])
		}
	}
}

func TestFrameDecoder_ManyFramesOneChunk(t *testing.T) {
	// an empty binary packet would frame as length 0, which is fatal
	packets := samplePackets()[:10]
	var stream []byte
	for _, p := range packets {
		stream = append(stream, EncodeFrame(p)...)
	}
	got := NewFrameDecoder(0).Write(stream)
	require.Len(t, got, len(packets))
	for i, p := range packets {
		assert.Equal(t, normalize(p), got[i])
	}
}

func TestFrameDecoder_Errors(t *testing.T) {
	tests := []struct {
		name  string
		max   int
		input []byte
	}{
		{"zero length", 0, []byte{0x00}},
		{"zero length binary", 0, []byte{0x80}},
		{"exceeds max payload", 10, append([]byte{11}, []byte("4aaaaaaaaaa")...)},
		{"exceeds max payload extended", 100, []byte{126, 0x01, 0x00}},
		{"unsafe 64-bit length", 0, []byte{127, 0xff, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoder := NewFrameDecoder(tt.max)
			got := decoder.Write(tt.input)
			require.NotEmpty(t, got)
			assert.True(t, got[len(got)-1].IsError())
			assert.True(t, decoder.Failed())
			assert.Nil(t, decoder.Write(EncodeFrame(NewStringPacket(PACKET_PING, ""))))
		})
	}
}
