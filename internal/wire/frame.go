// Package wire encodes multi-part frames carried in a single transport message:
// a uvarint part count followed by a uvarint length and the bytes of each part.
package wire

import (
	"encoding/binary"
	"errors"
	"strconv"

	"indexflow/models"
)

const maxParts = 16

var ErrMalformedFrame = errors.New("malformed frame")

// Encode appends the encoding of parts to dst.
func Encode(dst []byte, parts ...[]byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(parts)))
	for _, p := range parts {
		dst = binary.AppendUvarint(dst, uint64(len(p)))
		dst = append(dst, p...)
	}
	return dst
}

// Decode splits a frame into its parts. Returned parts alias src.
func Decode(src []byte) ([][]byte, error) {
	n, k := binary.Uvarint(src)
	if k <= 0 || n > maxParts {
		return nil, ErrMalformedFrame
	}
	src = src[k:]

	parts := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		l, k := binary.Uvarint(src)
		if k <= 0 || l > uint64(len(src)-k) {
			return nil, ErrMalformedFrame
		}
		src = src[k:]
		parts = append(parts, src[:l:l])
		src = src[l:]
	}
	if len(src) != 0 {
		return nil, ErrMalformedFrame
	}
	return parts, nil
}

// EncodePubSub builds a [topic, payload] frame.
func EncodePubSub(topic string, payload []byte) []byte {
	return Encode(make([]byte, 0, len(topic)+len(payload)+8), []byte(topic), payload)
}

// EncodePush builds a [topic, ts, payload] frame with ts in epoch milliseconds.
func EncodePush(msg models.WireMessage) []byte {
	ts := strconv.FormatInt(msg.Ts, 10)
	return Encode(make([]byte, 0, len(msg.Topic)+len(ts)+len(msg.Payload)+8),
		[]byte(msg.Topic), []byte(ts), msg.Payload)
}
