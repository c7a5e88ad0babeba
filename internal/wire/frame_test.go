package wire

import (
	"bytes"
	"errors"
	"testing"

	"indexflow/models"
)

func TestEncodeDecode(t *testing.T) {
	frame := EncodePush(models.WireMessage{Topic: "ticker", Ts: 1700000000000, Payload: []byte(`{"close":1}`)})
	parts, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if string(parts[0]) != "ticker" || string(parts[1]) != "1700000000000" || !bytes.Equal(parts[2], []byte(`{"close":1}`)) {
		t.Fatalf("unexpected parts %q", parts)
	}

	parts, err = Decode(EncodePubSub("index", nil))
	if err != nil || len(parts) != 2 || len(parts[1]) != 0 {
		t.Fatalf("unexpected pubsub decode: %q %v", parts, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good := EncodePubSub("orderbook", []byte("{}"))
	tests := map[string][]byte{
		"empty":      nil,
		"truncated":  good[:len(good)-1],
		"trailing":   append(append([]byte{}, good...), 0x00),
		"too many":   {0x40},
		"bad length": {0x01, 0x7f, 'a'},
	}
	for name, frame := range tests {
		if _, err := Decode(frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: expected ErrMalformedFrame, got %v", name, err)
		}
	}
}
