package wire

import "google.golang.org/protobuf/encoding/protowire"

// appendUnknownVarintField appends a varint-typed field the decoder should
// not recognize, exercising the "tolerate unknown fields" requirement.
func appendUnknownVarintField(frame []byte, num protowire.Number, v uint64) []byte {
	frame = protowire.AppendTag(frame, num, protowire.VarintType)
	frame = protowire.AppendVarint(frame, v)
	return frame
}

// appendLegacyCausalHistoryEntry appends a causalHistory element using the
// legacy "repeated bytes" shape: the raw message id with no sub-message
// framing, exercising the backward-compat decode rule.
func appendLegacyCausalHistoryEntry(frame []byte, rawMessageID []byte) []byte {
	frame = protowire.AppendTag(frame, fieldCausalHistory, protowire.BytesType)
	frame = protowire.AppendBytes(frame, rawMessageID)
	return frame
}
