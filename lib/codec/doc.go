// Copyright 2026 The Ejbd Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by every ejbd
// package.
//
// CBOR is the serialization format for everything that crosses a
// process boundary: protocol frames between client and daemon,
// invocation arguments and results, identity tokens, and the values
// copied out of external naming references. YAML is used only for
// configuration files and the file realm.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same logical value always produces the same bytes. This matters for
// token signatures, which are computed over the encoded payload.
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Deferred decoding of invocation arguments:
//
//	var args []codec.RawMessage
//	...
//	err = codec.Unmarshal(args[0], &order)
//
// Protocol types carry `cbor` struct tags. Types that are also written
// as JSON by the client CLI carry `json` tags only; fxamacker/cbor
// falls back to them when no `cbor` tag is present.
package codec
