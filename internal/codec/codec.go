// Package codec defines the encoding seam shared by checkpoint persistence
// and the event relays, and its JSON implementation. The CBOR implementation
// lives in pkg/models next to the types it tags.
package codec

import (
	"io"

	"github.com/goccy/go-json"
)

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

type Marshaler interface {
	Marshal(v any) ([]byte, error)
	NewEncoder(w io.Writer) Encoder
}

type Unmarshaler interface {
	Unmarshal(data []byte, dst any) error
	NewDecoder(r io.Reader) Decoder
}

var (
	_ Marshaler   = JSONMarshaler{}
	_ Unmarshaler = JSONUnmarshaler{}
)

// JSONMarshaler encodes frames and payloads with goccy/go-json.
type JSONMarshaler struct{}

func (JSONMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONMarshaler) NewEncoder(w io.Writer) Encoder {
	return json.NewEncoder(w)
}

type JSONUnmarshaler struct{}

func (JSONUnmarshaler) Unmarshal(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

func (JSONUnmarshaler) NewDecoder(r io.Reader) Decoder {
	return json.NewDecoder(r)
}
