package wire

import "google.golang.org/protobuf/encoding/protowire"

// SerializedFilter is the wire representation of a bloom.Filter, carried
// as the opaque bytes of Message field 6. errorRate is stored as parts per
// million (ppm); floatRate = rate/1e6, per spec §4.C.
type SerializedFilter struct {
	Bits      []byte
	Capacity  uint64
	ErrorRate uint64 // ppm
	KHashes   uint64
	MBits     uint64
}

const (
	fieldFilterBits      protowire.Number = 1
	fieldFilterCapacity  protowire.Number = 2
	fieldFilterErrorRate protowire.Number = 3
	fieldFilterKHashes   protowire.Number = 4
	fieldFilterMBits     protowire.Number = 5
)

// EncodeFilter serializes f.
func EncodeFilter(f *SerializedFilter) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldFilterBits, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Bits)

	b = protowire.AppendTag(b, fieldFilterCapacity, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Capacity)

	b = protowire.AppendTag(b, fieldFilterErrorRate, protowire.VarintType)
	b = protowire.AppendVarint(b, f.ErrorRate)

	b = protowire.AppendTag(b, fieldFilterKHashes, protowire.VarintType)
	b = protowire.AppendVarint(b, f.KHashes)

	b = protowire.AppendTag(b, fieldFilterMBits, protowire.VarintType)
	b = protowire.AppendVarint(b, f.MBits)

	return b, nil
}

// DecodeFilter parses a frame produced by EncodeFilter. All five fields are
// required; missing fields or malformed framing yield ErrDeserialization.
func DecodeFilter(frame []byte) (*SerializedFilter, error) {
	f := &SerializedFilter{}
	var sawBits, sawCapacity, sawErrorRate, sawKHashes, sawMBits bool

	b := frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, deserErr("malformed filter tag: %v", protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldFilterBits:
			v, nn, err := consumeBytesField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			f.Bits = v
			sawBits = true
		case fieldFilterCapacity:
			v, nn, err := consumeVarintField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			f.Capacity = v
			sawCapacity = true
		case fieldFilterErrorRate:
			v, nn, err := consumeVarintField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			f.ErrorRate = v
			sawErrorRate = true
		case fieldFilterKHashes:
			v, nn, err := consumeVarintField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			f.KHashes = v
			sawKHashes = true
		case fieldFilterMBits:
			v, nn, err := consumeVarintField(b, typ)
			if err != nil {
				return nil, err
			}
			b = b[nn:]
			f.MBits = v
			sawMBits = true
		default:
			nn := protowire.ConsumeFieldValue(num, typ, b)
			if nn < 0 {
				return nil, deserErr("malformed unknown filter field %d: %v", num, protowire.ParseError(nn))
			}
			b = b[nn:]
		}
	}

	if !sawBits || !sawCapacity || !sawErrorRate || !sawKHashes || !sawMBits {
		return nil, deserErr("missing required filter field")
	}
	return f, nil
}
