package streams

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Serializer converts the values of a stream to and from entry payloads.
type Serializer[T any] interface {
	Serialize(v T) ([]byte, error)
	Deserialize(b []byte) (T, error)
}

// BytesSerializer passes raw bytes through. Deserialize returns a slice of the entry payload, which must not be
// modified.
type BytesSerializer struct{}

func (BytesSerializer) Serialize(v []byte) ([]byte, error)   { return v, nil }
func (BytesSerializer) Deserialize(b []byte) ([]byte, error) { return b, nil }

type StringSerializer struct{}

func (StringSerializer) Serialize(v string) ([]byte, error)   { return []byte(v), nil }
func (StringSerializer) Deserialize(b []byte) (string, error) { return string(b), nil }

// JSONSerializer encodes values with encoding/json.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Serialize(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer[T]) Deserialize(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decoding %T: %w", v, err)
	}
	return v, nil
}

// ProtoSerializer encodes protobuf messages. T is a pointer to a generated message type, e.g.
// ProtoSerializer[*wrapperspb.StringValue].
type ProtoSerializer[T proto.Message] struct{}

func (ProtoSerializer[T]) Serialize(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (ProtoSerializer[T]) Deserialize(b []byte) (T, error) {
	var zero T
	// ProtoReflect works on a nil pointer of a generated type and gives access to its message type
	v := zero.ProtoReflect().Type().New().Interface().(T)
	if err := proto.Unmarshal(b, v); err != nil {
		return zero, fmt.Errorf("decoding %T: %w", zero, err)
	}
	return v, nil
}
