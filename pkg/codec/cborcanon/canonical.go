// Package cborcanon provides canonical CBOR encoding helpers for kadnet's on-disk records.
// Encoding is deterministic (sorted map keys, shortest integer forms) so identical state
// always produces identical bytes.
package cborcanon

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// CanonicalMode is the CBOR encoding mode with canonical settings
var CanonicalMode cbor.EncMode

// StrictMode rejects duplicate map keys when decoding
var StrictMode cbor.DecMode

func init() {
	var err error
	CanonicalMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create canonical CBOR mode: %v", err))
	}

	StrictMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create strict CBOR decode mode: %v", err))
	}
}

// Marshal encodes v into canonical CBOR format
func Marshal(v interface{}) ([]byte, error) {
	return CanonicalMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v interface{}) error {
	return StrictMode.Unmarshal(data, v)
}

// CanonicalBytes ensures the input bytes represent canonical CBOR
// by unmarshaling and re-marshaling in canonical form
func CanonicalBytes(data []byte) ([]byte, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid CBOR: %w", err)
	}
	return Marshal(v)
}

// IsCanonical checks if the given CBOR bytes are in canonical form
func IsCanonical(data []byte) bool {
	canonical, err := CanonicalBytes(data)
	if err != nil {
		return false
	}
	return bytes.Equal(data, canonical)
}
