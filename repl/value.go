package repl

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

const (
	KindText ValueKind = iota
	KindInteger
	KindHexBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInteger:
		return "integer"
	case KindHexBytes:
		return "hex-bytes"
	default:
		return "invalid"
	}
}

var (
	// the firmware's dump routine separates the data from the length with two spaces
	hexBytesPattern = regexp.MustCompile(`^((?:[0-9a-fA-F]{2})*) +\((\d+) bytes\)$`)
	integerPattern  = regexp.MustCompile(`^\d+$`)
)

// Value is a typed response value reported by the device.
type Value struct {
	kind    ValueKind
	raw     string
	integer int64
	bytes   []byte
}

// TextValue returns a Text value.
func TextValue(s string) Value {
	return Value{kind: KindText, raw: s}
}

// IntegerValue returns an Integer value.
func IntegerValue(n int64) Value {
	return Value{kind: KindInteger, raw: strconv.FormatInt(n, 10), integer: n}
}

// HexBytesValue returns a HexBytes value.
func HexBytesValue(b []byte) Value {
	return Value{kind: KindHexBytes, raw: hex.EncodeToString(b), bytes: b}
}

// ParseValue converts a raw response value into its typed form.
func ParseValue(raw string) Value {
	if m := hexBytesPattern.FindStringSubmatch(raw); m != nil {
		b, err := hex.DecodeString(m[1])
		if err == nil {
			return Value{kind: KindHexBytes, raw: raw, bytes: b}
		}
	}

	if integerPattern.MatchString(raw) {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Value{kind: KindInteger, raw: raw, integer: n}
		}
	}

	return TextValue(raw)
}

// Kind returns the variant.
func (v Value) Kind() ValueKind { return v.kind }

// Raw returns the text exactly as the device printed it.
func (v Value) Raw() string { return v.raw }

// Int returns the integer held by an Integer value.
func (v Value) Int() (int64, bool) {
	return v.integer, v.kind == KindInteger
}

// Bytes returns the bytes of a HexBytes value. A Text value whose first
// space-separated token is even-length hex (with or without 0x) also yields
// bytes, which covers annotated dumps such as "ab12... (length=3072 bits)".
func (v Value) Bytes() ([]byte, bool) {
	switch v.kind {
	case KindHexBytes:
		return v.bytes, true
	case KindText:
		token, _, _ := strings.Cut(strings.TrimSpace(v.raw), " ")
		token = strings.TrimPrefix(token, "0x")
		if token == "" {
			return nil, false
		}
		b, err := hex.DecodeString(token)
		if err != nil {
			return nil, false
		}
		return b, true
	default:
		return nil, false
	}
}

// String renders the value: decimal for Integer, 0x-prefixed hex for
// HexBytes and the raw text otherwise.
func (v Value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatInt(v.integer, 10)
	case KindHexBytes:
		return "0x" + hex.EncodeToString(v.bytes)
	default:
		return v.raw
	}
}

// Equal reports whether two values hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.integer == o.integer
	case KindHexBytes:
		return bytes.Equal(v.bytes, o.bytes)
	default:
		return v.raw == o.raw
	}
}
