package merkle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	if cborEnc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("merkle: cbor encoder: %v", err))
	}
	if cborDec, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(fmt.Sprintf("merkle: cbor decoder: %v", err))
	}
}

// EncodeJSON writes p as a single JSON document.
func (p *Proof) EncodeJSON(w io.Writer) error {
	return json.NewEncoder(w).Encode(p)
}

// DecodeJSON reads one JSON proof. Unknown fields are rejected so that a
// proof produced by a different format version is not silently truncated.
// Anything but whitespace after the proof is rejected too.
func DecodeJSON(r io.Reader) (*Proof, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var p Proof
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after proof", ErrMalformedProof)
	}
	return &p, nil
}

// ParseJSON is DecodeJSON over a byte slice.
func ParseJSON(data []byte) (*Proof, error) {
	return DecodeJSON(bytes.NewReader(data))
}

// EncodeCBOR returns the core deterministic CBOR encoding of p. Equal
// proofs always encode to identical bytes.
func (p *Proof) EncodeCBOR() ([]byte, error) {
	b, err := cborEnc.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}
	return b, nil
}

// DecodeCBOR parses a proof produced by EncodeCBOR.
func DecodeCBOR(data []byte) (*Proof, error) {
	var p Proof
	if err := cborDec.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return &p, nil
}
