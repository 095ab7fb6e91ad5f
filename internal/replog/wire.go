package replog

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The primitives are encoded in protobuf wire format, so that the persisted values and the RPC messages can be read
// by any protobuf decoder that knows the field numbers below.
//
//	LogEntry             { 1: term, 2: index, 3: payload }
//	AppendEntriesRequest { 1: log_id, 2: leader_term, 3: leader_id, 4: prev_log_term, 5: prev_log_index,
//	                       6: leader_commit, 7: repeated LogEntry, 8: message_id }
//	AppendEntriesResult  { 1: success, 2: term, 3: last_index, 4: message_id }
const (
	entryTermField    protowire.Number = 1
	entryIndexField   protowire.Number = 2
	entryPayloadField protowire.Number = 3

	reqLogIDField        protowire.Number = 1
	reqLeaderTermField   protowire.Number = 2
	reqLeaderIDField     protowire.Number = 3
	reqPrevLogTermField  protowire.Number = 4
	reqPrevLogIndexField protowire.Number = 5
	reqLeaderCommitField protowire.Number = 6
	reqEntriesField      protowire.Number = 7
	reqMessageIDField    protowire.Number = 8

	resSuccessField   protowire.Number = 1
	resTermField      protowire.Number = 2
	resLastIndexField protowire.Number = 3
	resMessageIDField protowire.Number = 4
)

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// fieldVisitor is called for every field of a message. For varint fields raw is nil.
type fieldVisitor func(num protowire.Number, typ protowire.Type, varint uint64, raw []byte) error

func walkFields(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := visit(num, typ, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
			if err := visit(num, typ, 0, v); err != nil {
				return err
			}
		default:
			// Skip fields written by newer versions
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

// MarshalEntry appends the wire encoding of e to b.
func MarshalEntry(b []byte, e LogEntry) []byte {
	b = appendVarintField(b, entryTermField, uint64(e.Term))
	b = appendVarintField(b, entryIndexField, uint64(e.Index))
	return appendBytesField(b, entryPayloadField, e.Payload)
}

// UnmarshalEntry decodes an entry. The payload is copied, b may be reused by the caller afterwards.
func UnmarshalEntry(b []byte) (LogEntry, error) {
	var e LogEntry
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch {
		case num == entryTermField && typ == protowire.VarintType:
			e.Term = LogTerm(v)
		case num == entryIndexField && typ == protowire.VarintType:
			e.Index = LogIndex(v)
		case num == entryPayloadField && typ == protowire.BytesType:
			e.Payload = bytes.Clone(raw)
		}
		return nil
	})
	if err != nil {
		return LogEntry{}, fmt.Errorf("decoding log entry: %w", err)
	}
	return e, nil
}

// MarshalWire encodes the request in protobuf wire format.
func (r *AppendEntriesRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarintField(b, reqLogIDField, uint64(r.LogID))
	b = appendVarintField(b, reqLeaderTermField, uint64(r.LeaderTerm))
	b = appendBytesField(b, reqLeaderIDField, []byte(r.LeaderID))
	b = appendVarintField(b, reqPrevLogTermField, uint64(r.PrevLogTerm))
	b = appendVarintField(b, reqPrevLogIndexField, uint64(r.PrevLogIndex))
	b = appendVarintField(b, reqLeaderCommitField, uint64(r.LeaderCommit))
	for _, e := range r.Entries {
		b = protowire.AppendTag(b, reqEntriesField, protowire.BytesType)
		b = protowire.AppendBytes(b, MarshalEntry(nil, e))
	}
	b = appendVarintField(b, reqMessageIDField, r.MessageID)
	return b, nil
}

// UnmarshalWire decodes a request previously encoded with MarshalWire.
func (r *AppendEntriesRequest) UnmarshalWire(b []byte) error {
	*r = AppendEntriesRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case reqLogIDField:
			r.LogID = LogID(v)
		case reqLeaderTermField:
			r.LeaderTerm = LogTerm(v)
		case reqLeaderIDField:
			r.LeaderID = ParticipantID(raw)
		case reqPrevLogTermField:
			r.PrevLogTerm = LogTerm(v)
		case reqPrevLogIndexField:
			r.PrevLogIndex = LogIndex(v)
		case reqLeaderCommitField:
			r.LeaderCommit = LogIndex(v)
		case reqEntriesField:
			if typ != protowire.BytesType {
				return fmt.Errorf("entries field has wire type %d", typ)
			}
			e, err := UnmarshalEntry(raw)
			if err != nil {
				return err
			}
			r.Entries = append(r.Entries, e)
		case reqMessageIDField:
			r.MessageID = v
		}
		return nil
	})
}

// MarshalWire encodes the result in protobuf wire format.
func (r *AppendEntriesResult) MarshalWire() ([]byte, error) {
	var b []byte
	if r.Success {
		b = appendVarintField(b, resSuccessField, 1)
	}
	b = appendVarintField(b, resTermField, uint64(r.Term))
	b = appendVarintField(b, resLastIndexField, uint64(r.LastIndex))
	b = appendVarintField(b, resMessageIDField, r.MessageID)
	return b, nil
}

// UnmarshalWire decodes a result previously encoded with MarshalWire.
func (r *AppendEntriesResult) UnmarshalWire(b []byte) error {
	*r = AppendEntriesResult{}
	return walkFields(b, func(num protowire.Number, _ protowire.Type, v uint64, _ []byte) error {
		switch num {
		case resSuccessField:
			r.Success = v != 0
		case resTermField:
			r.Term = LogTerm(v)
		case resLastIndexField:
			r.LastIndex = LogIndex(v)
		case resMessageIDField:
			r.MessageID = v
		}
		return nil
	})
}
