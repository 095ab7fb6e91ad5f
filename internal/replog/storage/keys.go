package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"replicated-log/internal/replog"
)

// ByteOrder selects how (log id, index) keys are encoded. It is configured once per store and recorded in the store
// itself, so a store written with one byte order is never read with the other.
type ByteOrder int

const (
	// BigEndian keys sort in (log id, index) order, so cursors can be used for range reads
	BigEndian ByteOrder = iota
	// LittleEndian keys do not sort by index. Every Read, RemoveFrom and Last scans all keys of the log and sorts
	// the indices in memory first, which costs O(n log n) time and O(n) memory in the size of the log instead of
	// a cursor seek. Use it only for small logs or to read stores written that way.
	LittleEndian
)

const keySize = 16

func (o ByteOrder) String() string {
	switch o {
	case BigEndian:
		return "big-endian"
	case LittleEndian:
		return "little-endian"
	default:
		return "unknown"
	}
}

// ParseByteOrder parses the names returned by ByteOrder.String, "big" and "little" are accepted as well.
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "big", "big-endian", "bigendian":
		return BigEndian, nil
	case "little", "little-endian", "littleendian":
		return LittleEndian, nil
	default:
		return 0, fmt.Errorf("unknown byte order %q", s)
	}
}

func (o ByteOrder) binary() binary.ByteOrder {
	if o == LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// sortsByIndex reports whether the byte-lexicographic order of keys matches the index order.
func (o ByteOrder) sortsByIndex() bool {
	return o == BigEndian
}

// keyCodec encodes the keys of a single log.
type keyCodec struct {
	order  binary.ByteOrder
	prefix []byte
}

func newKeyCodec(order ByteOrder, id replog.LogID) keyCodec {
	bo := order.binary()
	prefix := make([]byte, 8)
	bo.PutUint64(prefix, uint64(id))
	return keyCodec{order: bo, prefix: prefix}
}

func (c keyCodec) encode(index replog.LogIndex) []byte {
	k := make([]byte, keySize)
	copy(k, c.prefix)
	c.order.PutUint64(k[8:], uint64(index))
	return k
}

// decode returns the index of a key, ok is false if the key does not belong to this log.
func (c keyCodec) decode(k []byte) (replog.LogIndex, bool) {
	if len(k) != keySize || !bytes.HasPrefix(k, c.prefix) {
		return 0, false
	}
	return replog.LogIndex(c.order.Uint64(k[8:])), true
}

func (c keyCodec) owns(k []byte) bool {
	_, ok := c.decode(k)
	return ok
}
