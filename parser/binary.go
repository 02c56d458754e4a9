package parser

import (
	"fmt"
)

const placeholderKey = "_placeholder"

// HasBinary reports whether data holds a []byte anywhere in its slices and
// maps.
func HasBinary(data any) bool {
	switch v := data.(type) {
	case []byte:
		return true
	case []any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range v {
			if HasBinary(item) {
				return true
			}
		}
	}
	return false
}

// deconstruct replaces every []byte in data with a placeholder and returns
// the buffers in placeholder order. data itself is left untouched.
func deconstruct(data any, buffers *[][]byte) any {
	switch v := data.(type) {
	case []byte:
		placeholder := map[string]any{placeholderKey: true, "num": len(*buffers)}
		*buffers = append(*buffers, v)
		return placeholder
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deconstruct(item, buffers)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = deconstruct(item, buffers)
		}
		return out
	}
	return data
}

// reconstruct puts the buffers back in place of their placeholders.
func reconstruct(data any, buffers [][]byte) (any, error) {
	switch v := data.(type) {
	case []any:
		for i, item := range v {
			item, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			v[i] = item
		}
		return v, nil

	case map[string]any:
		if isPlaceholder, _ := v[placeholderKey].(bool); isPlaceholder {
			num, ok := v["num"].(float64)
			if !ok || num < 0 || num != float64(int(num)) || int(num) >= len(buffers) {
				return nil, fmt.Errorf("%w: placeholder %v out of range", ErrIllegalAttachments, v["num"])
			}
			return buffers[int(num)], nil
		}
		for key, item := range v {
			item, err := reconstruct(item, buffers)
			if err != nil {
				return nil, err
			}
			v[key] = item
		}
		return v, nil
	}
	return data, nil
}

// binaryReconstructor collects the attachments of a binary packet.
type binaryReconstructor struct {
	packet  Packet
	buffers [][]byte
}

// takeBinaryData adds one attachment and returns the packet once all of them
// arrived.
func (r *binaryReconstructor) takeBinaryData(data []byte) (*Packet, error) {
	r.buffers = append(r.buffers, data)
	if len(r.buffers) < r.packet.Attachments {
		return nil, nil
	}

	reconstructed, err := reconstruct(r.packet.Data, r.buffers)
	if err != nil {
		return nil, err
	}
	packet := r.packet
	packet.Data = reconstructed
	r.buffers = nil
	return &packet, nil
}
