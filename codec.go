package sharedsession

import (
	"bytes"
	"encoding/gob"

	"github.com/cockroachdb/errors"

	"github.com/Morditux/sharedsession/internal/phpserialize"
)

// ErrInvalidPayload is returned when a payload cannot be encoded or decoded.
var ErrInvalidPayload = errors.New("invalid session payload")

// Codec converts a session payload to and from its stored form.
// Decode of an empty blob must return an empty, non-nil map.
type Codec interface {
	Encode(values map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// PHPCodec stores payloads in PHP's "php" session serialize handler format,
// e.g. `foo|s:3:"bar";`, so rows stay readable by PHP applications sharing the table.
type PHPCodec struct{}

func (PHPCodec) Encode(values map[string]any) ([]byte, error) {
	data, err := phpserialize.EncodeSession(values)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidPayload)
	}
	return data, nil
}

func (PHPCodec) Decode(data []byte) (map[string]any, error) {
	values, err := phpserialize.DecodeSession(data)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidPayload)
	}
	return values, nil
}

// GobCodec stores payloads with encoding/gob. Concrete types held in the
// payload must be registered with gob.Register.
type GobCodec struct{}

func (GobCodec) Encode(values map[string]any) ([]byte, error) {
	// Store NULL instead of a gob encoded empty map.
	if len(values) == 0 {
		return nil, nil
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer PutBuffer(buf)

	if err := gob.NewEncoder(buf).Encode(values); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to encode session data"), ErrInvalidPayload)
	}
	return bytes.Clone(buf.Bytes()), nil
}

func (GobCodec) Decode(data []byte) (map[string]any, error) {
	var values map[string]any
	if len(data) > 0 {
		reader := readerPool.Get().(*bytes.Reader)
		reader.Reset(data)
		defer readerPool.Put(reader)

		if err := gob.NewDecoder(reader).Decode(&values); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to decode session data"), ErrInvalidPayload)
		}
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

// CodecByName returns the codec registered under name ("php" or "gob").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "php":
		return PHPCodec{}, nil
	case "gob":
		return GobCodec{}, nil
	}
	return nil, errors.Newf("unknown session codec %q", name)
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
}
