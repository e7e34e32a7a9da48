package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns envelopes into frame bytes and back.
type Codec interface {
	// Name is a short identifier used in logs ("json", "cbor").
	Name() string
	// Binary reports whether frames should be sent as binary WebSocket messages.
	Binary() bool
	Encode(env Envelope) ([]byte, error)
	// Decode parses a frame and rejects message types that may not travel in
	// direction dir.
	Decode(data []byte, dir Direction) (Envelope, error)
}

var (
	// JSON is the text-frame codec.
	JSON Codec = jsonCodec{}
	// CBOR is the binary-frame codec.
	CBOR Codec = cborCodec{}
)

// CodecFor picks the codec matching a frame kind.
func CodecFor(binary bool) Codec {
	if binary {
		return CBOR
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Encode(env Envelope) ([]byte, error) {
	if err := checkOutgoing(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (jsonCodec) Decode(data []byte, dir Direction) (Envelope, error) {
	var raw struct {
		Type      string          `json:"type"`
		ID        string          `json:"id"`
		Timestamp time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, malformed("", "invalid envelope", err)
	}
	body := raw.Payload
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = nil
	}
	msg, err := decodePayload(raw.Type, dir, body, json.Unmarshal)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: raw.Type, ID: raw.ID, Timestamp: raw.Timestamp, Payload: msg}, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }
func (cborCodec) Binary() bool { return true }

func (cborCodec) Encode(env Envelope) ([]byte, error) {
	if err := checkOutgoing(env); err != nil {
		return nil, err
	}
	return cborEnc.Marshal(env)
}

func (cborCodec) Decode(data []byte, dir Direction) (Envelope, error) {
	var raw struct {
		Type      string          `cbor:"type"`
		ID        string          `cbor:"id"`
		Timestamp time.Time       `cbor:"ts"`
		Payload   cbor.RawMessage `cbor:"payload"`
	}
	if err := cborDec.Unmarshal(data, &raw); err != nil {
		return Envelope{}, malformed("", "invalid envelope", err)
	}
	body := []byte(raw.Payload)
	// 0xf6 is CBOR null.
	if len(body) == 1 && body[0] == 0xf6 {
		body = nil
	}
	msg, err := decodePayload(raw.Type, dir, body, cborDec.Unmarshal)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: raw.Type, ID: raw.ID, Timestamp: raw.Timestamp, Payload: msg}, nil
}

func decodePayload(msgType string, dir Direction, body []byte, unmarshal func([]byte, any) error) (Message, error) {
	if msgType == "" {
		return nil, malformed("", "missing type", nil)
	}
	kind, ok := messageTypes[msgType]
	if !ok {
		return nil, malformed(msgType, "unknown type", nil)
	}
	if dir != 0 && kind.dir != dir {
		return nil, malformed(msgType, fmt.Sprintf("not allowed %s", dir), nil)
	}
	msg := kind.new()
	if len(body) > 0 {
		if err := unmarshal(body, msg); err != nil {
			return nil, malformed(msgType, "invalid payload", err)
		}
	}
	if err := msg.Validate(); err != nil {
		return nil, malformed(msgType, "invalid payload", err)
	}
	return msg, nil
}

func checkOutgoing(env Envelope) error {
	if env.Payload == nil {
		return fmt.Errorf("encode %q: nil payload", env.Type)
	}
	if env.Type != env.Payload.MessageType() {
		return fmt.Errorf("encode: envelope type %q does not match payload %q", env.Type, env.Payload.MessageType())
	}
	return nil
}
