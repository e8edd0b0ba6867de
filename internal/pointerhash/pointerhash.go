// Package pointerhash provides the pointer-identity hash used by objtable's
// open addressing scheme. Object identities are raw addresses, which cluster
// on alignment boundaries (every allocation is at least pointer-aligned), so
// the low alignment bits are shifted off before a Fibonacci multiplicative
// mix spreads the remaining bits across the table.
package pointerhash

import "math/bits"

// fibonacci64 is 2^64 / golden ratio, rounded to the nearest odd integer.
const fibonacci64 = 0x9e3779b97f4a7c15

// alignShift is the number of low bits assumed to be zero for any pointer
// this package is asked to hash (8-byte alignment, the common case for
// managed object headers on 64-bit platforms).
const alignShift = 3

// Hash mixes a raw object identity (as a uintptr) into a 64-bit hash
// suitable for open-addressing probes.
func Hash(p uintptr) uint64 {
	v := uint64(p) >> alignShift
	v *= fibonacci64
	v = bits.RotateLeft64(v, 31)
	v ^= v >> 29
	v *= fibonacci64
	v ^= v >> 32
	return v
}
