// Package hint implements the optional, opaque retrieval-hint envelope
// carried alongside a causal-history entry's messageId (spec §4.C). The
// Manager never interprets hint bytes itself; it only stores and forwards
// them. This package is a convenience for embedders who want a structured
// envelope instead of hand-rolling one, grounded in the CBOR
// marshal/unmarshal pattern the teacher used for its own wire envelopes.
package hint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is a small, versioned retrieval hint: enough for an embedder to
// tell a peer roughly where to fetch a missing message from, without the
// Manager needing to understand transport addressing at all.
type Envelope struct {
	Version   uint8             `cbor:"1,keyasint"`
	Transport string            `cbor:"2,keyasint"`
	Locator   []byte            `cbor:"3,keyasint"`
	Attrs     map[string]string `cbor:"4,keyasint,omitempty"`
}

// Encode serializes e to the opaque bytes stored as a HistoryEntry's
// RetrievalHint.
func Encode(e Envelope) ([]byte, error) {
	b, err := cbor.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("hint: encode: %w", err)
	}
	return b, nil
}

// Decode parses bytes previously produced by Encode.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("hint: decode: %w", err)
	}
	return e, nil
}
