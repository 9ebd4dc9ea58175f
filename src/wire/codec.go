package wire

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// Canonical CBOR is the one wire form: map keys sorted lexicographically,
// minimal-length integers. Everything signed or hashed goes through Marshal so
// two nodes always produce byte-identical encodings of the same value.
func cborHandle() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.Canonical = true
	return h
}

var handle = cborHandle()

// Marshal encodes v as canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes canonical CBOR into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), handle)
	return dec.Decode(v)
}

// jsonHandle is used for human-readable persisted state files. Canonical
// forces sorted map keys through the safe map-iteration path; it also keeps
// persisted files byte-stable across runs.
func newJSONHandle() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.Canonical = true
	return h
}

var jsonHandle = newJSONHandle()

// MarshalJSON encodes v as JSON through the codec package, matching the
// encoder used for wire CBOR so struct tags behave identically.
func MarshalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, jsonHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes JSON into v.
func UnmarshalJSON(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(data), jsonHandle)
	return dec.Decode(v)
}
