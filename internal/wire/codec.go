// Package wire defines the messages exchanged between segment fetchers and
// publishers, the bencode gRPC codec that carries them, and the Segments
// service descriptor.
package wire

import (
	"bytes"
	"fmt"
	"reflect"

	bencode "github.com/jackpal/bencode-go"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype of the bencode codec.
const CodecName = "bencode"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec marshals messages as bencoded dictionaries.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("bencode: cannot marshal nil %T", v)
		}
		rv = rv.Elem()
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, rv.Interface()); err != nil {
		return nil, fmt.Errorf("bencode: marshal %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

func (codec) Unmarshal(data []byte, v any) error {
	if err := bencode.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("bencode: unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string {
	return CodecName
}
