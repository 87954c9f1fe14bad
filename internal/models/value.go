package models

import (
	"bytes"
	"encoding/base64"
	"unicode/utf8"
)

// Value is a single attribute value. The text/binary kind is tracked per
// value, not per attribute.
type Value struct {
	data   []byte
	binary bool
}

// TextValue creates a UTF-8 text value
func TextValue(s string) Value {
	return Value{data: []byte(s)}
}

// BinaryValue creates a raw octet string value
func BinaryValue(b []byte) Value {
	data := make([]byte, len(b))
	copy(data, b)
	return Value{data: data, binary: true}
}

// TextValues converts a list of strings into text values
func TextValues(ss ...string) []Value {
	values := make([]Value, len(ss))
	for i, s := range ss {
		values[i] = TextValue(s)
	}
	return values
}

// IsBinary reports whether the value was supplied as raw octets
func (v Value) IsBinary() bool {
	return v.binary
}

// Bytes returns a copy of the raw octets. Text values promote losslessly.
func (v Value) Bytes() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// Text returns the value as a string. Binary values only convert when they
// hold valid UTF-8.
func (v Value) Text() (string, bool) {
	if v.binary && !utf8.Valid(v.data) {
		return "", false
	}
	return string(v.data), true
}

// Len returns the length of the value in octets
func (v Value) Len() int {
	return len(v.data)
}

// Equal compares kind-insensitively on the raw octets
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.data, other.data)
}

// String renders the value for logs and LDIF. Binary values that are not
// UTF-8 are base64 encoded.
func (v Value) String() string {
	if s, ok := v.Text(); ok {
		return s
	}
	return base64.StdEncoding.EncodeToString(v.data)
}
