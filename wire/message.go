// Package wire implements the tagged, length-prefixed encoding for Message
// and its embedded serialized BloomFilter (spec §4.C). Framing primitives
// come from google.golang.org/protobuf/encoding/protowire — the same
// varint/tag/length-delimited format a real protobuf decoder uses for
// fields 1, 2, 4, 5, 6 — while field 3's dual "repeated bytes" (legacy) /
// "repeated sub-message" (current) shape is resolved by hand, since no
// single straightforward .proto schema evolution expresses it.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers, per spec §4.C.
const (
	fieldMessageID        protowire.Number = 1
	fieldLamportTimestamp protowire.Number = 2
	fieldCausalHistory    protowire.Number = 3
	fieldChannelID        protowire.Number = 4
	fieldContent          protowire.Number = 5
	fieldBloomFilter      protowire.Number = 6

	// HistoryEntry sub-message fields.
	fieldEntryMessageID     protowire.Number = 1
	fieldEntryRetrievalHint protowire.Number = 2
)

// ErrDeserialization is returned (wrapped with context) whenever a frame is
// malformed, truncated, or missing a required field.
var ErrDeserialization = errors.New("wire: deserialization failed")

// ErrSerialization is returned (wrapped with context) when a Message cannot
// be encoded, e.g. because a required field is empty.
var ErrSerialization = errors.New("wire: serialization failed")

// HistoryEntry is one causal-history predecessor reference.
type HistoryEntry struct {
	MessageID     []byte
	RetrievalHint []byte // opaque, may be nil/empty
}

// Message is the wire representation of spec §3's Message entity.
type Message struct {
	MessageID        []byte
	LamportTimestamp int64
	CausalHistory    []HistoryEntry
	ChannelID        []byte
	Content          []byte
	BloomFilter      []byte // serialized SerializedFilter bytes, or empty
}

func deserErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrDeserialization}, args...)...)
}

func serErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrSerialization}, args...)...)
}

// EncodeMessage serializes m. Only the sub-message shape is ever emitted
// for causalHistory, per spec §4.C's backward-compat rule.
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.MessageID) == 0 {
		return nil, serErr("empty messageId")
	}
	if len(m.ChannelID) == 0 {
		return nil, serErr("empty channelId")
	}
	if len(m.Content) == 0 {
		return nil, serErr("empty content")
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMessageID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.MessageID)

	b = protowire.AppendTag(b, fieldLamportTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.LamportTimestamp))

	for _, entry := range m.CausalHistory {
		if len(entry.MessageID) == 0 {
			return nil, serErr("empty causal history messageId")
		}
		sub := encodeHistoryEntry(entry)
		b = protowire.AppendTag(b, fieldCausalHistory, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}

	b = protowire.AppendTag(b, fieldChannelID, protowire.BytesType)
	b = protowire.AppendBytes(b, m.ChannelID)

	b = protowire.AppendTag(b, fieldContent, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Content)

	if len(m.BloomFilter) > 0 {
		b = protowire.AppendTag(b, fieldBloomFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, m.BloomFilter)
	}

	return b, nil
}

func encodeHistoryEntry(e HistoryEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEntryMessageID, protowire.BytesType)
	b = protowire.AppendBytes(b, e.MessageID)
	if len(e.RetrievalHint) > 0 {
		b = protowire.AppendTag(b, fieldEntryRetrievalHint, protowire.BytesType)
		b = protowire.AppendBytes(b, e.RetrievalHint)
	}
	return b
}

// DecodeMessage parses a frame produced by EncodeMessage, or a legacy frame
// whose causalHistory entries are raw message-id bytes rather than encoded
// HistoryEntry sub-messages. Unknown and out-of-order fields are tolerated.
func DecodeMessage(frame []byte) (*Message, error) {
	m := &Message{}
	var sawMessageID, sawChannelID, sawContent bool

	b := frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, deserErr("malformed tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldMessageID:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.MessageID = v
			sawMessageID = true
		case fieldLamportTimestamp:
			v, nn, err := consumeVarintField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.LamportTimestamp = int64(v)
		case fieldCausalHistory:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.CausalHistory = append(m.CausalHistory, decodeHistoryEntryCompat(v))
		case fieldChannelID:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.ChannelID = v
			sawChannelID = true
		case fieldContent:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.Content = v
			sawContent = true
		case fieldBloomFilter:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			m.BloomFilter = v
		default:
			nn := protowire.ConsumeFieldValue(num, typ, b)
			if nn < 0 {
				return nil, deserErr("malformed unknown field %d: %v", num, protowire.ParseError(nn))
			}
			b = b[nn:]
		}
	}

	if !sawMessageID {
		return nil, deserErr("missing required field messageId")
	}
	if !sawChannelID {
		return nil, deserErr("missing required field channelId")
	}
	if !sawContent {
		return nil, deserErr("missing required field content")
	}
	return m, nil
}

func consumeBytesField(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, deserErr("expected bytes wire type, got %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, deserErr("malformed bytes field: %v", protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarintField(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, deserErr("expected varint wire type, got %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, deserErr("malformed varint field: %v", protowire.ParseError(n))
	}
	return v, n, nil
}

// decodeHistoryEntryCompat implements the backward-compat rule: if the
// causalHistory element's payload parses cleanly as a HistoryEntry
// sub-message with a non-empty field-1 messageId, that shape wins;
// otherwise the whole payload is treated as a legacy raw messageId with an
// empty retrieval hint.
func decodeHistoryEntryCompat(payload []byte) HistoryEntry {
	entry, ok := tryDecodeHistoryEntry(payload)
	if ok {
		return entry
	}
	return HistoryEntry{MessageID: payload}
}

func tryDecodeHistoryEntry(payload []byte) (HistoryEntry, bool) {
	var entry HistoryEntry
	var sawID bool

	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return HistoryEntry{}, false
		}
		b = b[n:]

		switch num {
		case fieldEntryMessageID:
			if typ != protowire.BytesType {
				return HistoryEntry{}, false
			}
			v, nn := protowire.ConsumeBytes(b)
			if nn < 0 {
				return HistoryEntry{}, false
			}
			b = b[nn:]
			entry.MessageID = v
			sawID = true
		case fieldEntryRetrievalHint:
			if typ != protowire.BytesType {
				return HistoryEntry{}, false
			}
			v, nn := protowire.ConsumeBytes(b)
			if nn < 0 {
				return HistoryEntry{}, false
			}
			b = b[nn:]
			entry.RetrievalHint = v
		default:
			nn := protowire.ConsumeFieldValue(num, typ, b)
			if nn < 0 {
				return HistoryEntry{}, false
			}
			b = b[nn:]
		}
	}

	if !sawID || len(entry.MessageID) == 0 {
		return HistoryEntry{}, false
	}
	return entry, true
}
