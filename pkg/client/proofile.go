package client

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmerrifield20/veriregistry/pkg/merkle"
)

// Proof file formats understood by SaveProof and LoadProof.
const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// FormatFor infers the proof format from a file name: ".cbor" selects
// CBOR, anything else JSON.
func FormatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return FormatCBOR
	}
	return FormatJSON
}

// SaveProof writes p to path in the given format.
//
//	err := client.SaveProof("grant.proof.cbor", rc.Proof, client.FormatCBOR)
func SaveProof(path string, p *merkle.Proof, format string) error {
	var data []byte
	switch format {
	case FormatCBOR:
		b, err := p.EncodeCBOR()
		if err != nil {
			return err
		}
		data = b
	case FormatJSON, "":
		var buf bytes.Buffer
		if err := p.EncodeJSON(&buf); err != nil {
			return fmt.Errorf("encode proof: %w", err)
		}
		data = buf.Bytes()
	default:
		return fmt.Errorf("unknown proof format %q", format)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadProof reads a proof written by SaveProof, choosing the decoder from
// the file extension.
func LoadProof(path string) (*merkle.Proof, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if FormatFor(path) == FormatCBOR {
		return merkle.DecodeCBOR(data)
	}
	return merkle.ParseJSON(data)
}
