// Package frame owns the wire framing primitives.
//
// Ownership boundary:
// - frame header encode/decode
// - incremental stream decoding across arbitrary read boundaries
package frame
