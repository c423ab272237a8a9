package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
)

// Codec defines methods for encoding and decoding values stored out of
// process.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements Codec using encoding/json.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec implements Codec using encoding/gob. Types behind interfaces must
// be registered with gob.Register.
type GobCodec struct{}

func (GobCodec) Marshal(v any) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

var errNotBytes = errors.New("cache: ByteCodec only handles []byte")

// ByteCodec passes raw byte slices through untouched.
type ByteCodec struct{}

func (ByteCodec) Marshal(v any) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	return nil, errNotBytes
}

func (ByteCodec) Unmarshal(data []byte, v any) error {
	if ptr, ok := v.(*[]byte); ok {
		*ptr = data
		return nil
	}
	return errNotBytes
}

// Codecs maps codec names accepted on the command line to codecs.
var Codecs = map[string]Codec{
	"json":  JSONCodec{},
	"gob":   GobCodec{},
	"bytes": ByteCodec{},
}
