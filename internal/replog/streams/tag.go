package streams

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// StreamID names a logical stream inside a physical log.
type StreamID string

// A tagged payload is a protobuf wire record { 1: stream id, 2: value }. The stream id is always present, so every
// payload names its stream without any external metadata.
const (
	tagStreamField protowire.Number = 1
	tagValueField  protowire.Number = 2
)

var errMissingStreamID = errors.New("payload carries no stream id")

func encodeTagged(id StreamID, value []byte) []byte {
	b := make([]byte, 0, len(id)+len(value)+2*protowire.SizeVarint(uint64(len(value)))+2)
	b = protowire.AppendTag(b, tagStreamField, protowire.BytesType)
	b = protowire.AppendString(b, string(id))
	b = protowire.AppendTag(b, tagValueField, protowire.BytesType)
	return protowire.AppendBytes(b, value)
}

// decodeTagged splits a payload into its stream id and value. The value aliases b.
func decodeTagged(b []byte) (StreamID, []byte, error) {
	var (
		id    StreamID
		value []byte
		found bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("stream tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", nil, fmt.Errorf("stream tag: %w", protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}

		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return "", nil, fmt.Errorf("stream tag: %w", protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case tagStreamField:
			id, found = StreamID(v), true
		case tagValueField:
			value = v
		}
	}
	if !found || id == "" {
		return "", nil, errMissingStreamID
	}
	return id, value, nil
}
