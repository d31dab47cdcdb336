// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Time values are sent as RFC 3339 text with nanoseconds so that
	// deadlines survive a round trip exactly.
	encOptions.Time = cbor.TimeRFC3339Nano
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Remote callers decode results into `any` when they do not
		// know the concrete type. map[string]any is what the rest of
		// the code (and encoding/json in the CLI) expects.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose returns the RFC 8949 §8 diagnostic notation for data. The
// client CLI prints it for results it cannot otherwise render.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Clone deep-copies src into dst (which must be a non-nil pointer) by
// encoding and decoding it. The copy shares no memory with src, which
// is what the naming layer relies on when a reference is marked
// external.
func Clone(src, dst any) error {
	data, err := encMode.Marshal(src)
	if err != nil {
		return fmt.Errorf("codec: clone encode %T: %w", src, err)
	}
	if err := decMode.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("codec: clone decode into %T: %w", dst, err)
	}
	return nil
}

// CloneValue returns a deep copy of v with the same dynamic type. Values
// whose type cannot round-trip through CBOR (functions, channels)
// produce an error.
func CloneValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	target := reflect.New(reflect.TypeOf(v))
	if err := Clone(v, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}
