package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into frames and back. JSON travels as text frames,
// msgpack as binary frames; both use the json field names.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	DecodeEnvelope(raw []byte) (Frame, error)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// CodecByName resolves the ?codec= query value. Unknown or empty names
// fall back to JSON.
func CodecByName(name string) Codec {
	if name == Msgpack.Name() {
		return Msgpack
	}
	return JSON
}

type jsonCodec struct{}

// inEnvelope is used for incoming messages; Data stays raw until the type is known.
type inEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Binary() bool                       { return false }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) DecodeEnvelope(raw []byte) (Frame, error) {
	var env inEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Type: env.Type, Data: env.Data}, nil
}

type msgpackCodec struct{}

type msgpackEnvelope struct {
	Type string             `json:"type"`
	Data msgpack.RawMessage `json:"data,omitempty"`
}

func (msgpackCodec) Name() string { return "msgpack" }
func (msgpackCodec) Binary() bool { return true }

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// NormalizeMap re-encodes a free-form map through JSON so both codecs can
// carry it. Values JSON cannot represent, such as NaN or maps with
// non-string keys, return an error. Numbers come back as float64.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c msgpackCodec) DecodeEnvelope(raw []byte) (Frame, error) {
	var env msgpackEnvelope
	if err := c.Unmarshal(raw, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Type: env.Type, Data: env.Data}, nil
}
