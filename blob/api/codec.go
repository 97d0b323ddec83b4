package api

import (
	"github.com/fxamacker/cbor"
)

// MarshalCBOR serializes v into canonical CBOR, the wire format every
// store value in this package uses (SPEC_FULL.md's Domain Stack table).
// Canonical encoding keeps the bytes written for equal values identical, so
// a split retry rewrites its lock, history and sentinel rows byte-for-byte
// (spec.md §4.7, §9).
func MarshalCBOR(v interface{}) []byte {
	b, err := cbor.Marshal(v, cbor.EncOptions{Canonical: true})
	if err != nil {
		panic("blobmanager/api: failed to marshal: " + err.Error())
	}
	return b
}

// UnmarshalCBOR deserializes a store value. A nil/empty input leaves dst
// untouched, matching the store's "absent key" convention.
func UnmarshalCBOR(data []byte, dst interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return cbor.Unmarshal(data, dst)
}
