package spanlog

import (
	"encoding/json"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec encodes record payloads.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

// JSON returns a codec that writes one JSON document per record.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR codec. Times keep nanoseconds.
func CBOR() (Codec, error) {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Name() string { return "cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CodecByName resolves "json" or "cbor". An empty name means cbor.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "cbor":
		return CBOR()
	case "json":
		return JSON(), nil
	}
	return nil, fmt.Errorf("spanlog: unknown codec %q", name)
}
