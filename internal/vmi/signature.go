// Package vmi implements the Virtual Machine Interface: the bidirectional,
// type-signature-verified call protocol between host and guest (upcalls and
// hypercalls), the two shared arenas backing buffer transport, and the
// on-the-wire function registry format both sides serialize.
package vmi

// Signature is the stable 64-bit structural hash identifying a type or
// function crossing the host/guest boundary.
type Signature uint64

// djb2 reproduces the exact variant of the DJB2 hash the guest toolchain
// uses to compute type signatures at compile time: seed 5381, each byte
// folded in as hash = hash*33 + byte. Both sides must derive identical
// hashes from identical byte streams or linking fails closed.
type djb2 struct {
	state uint64
}

func newDjb2() *djb2 {
	return &djb2{state: 5381}
}

func (h *djb2) write(b []byte) {
	for _, c := range b {
		h.state = h.state<<5 + h.state + uint64(c)
	}
}

func (h *djb2) sum() Signature {
	return Signature(h.state)
}

// HashBytes computes the djb2 signature of a raw byte stream.
func HashBytes(b []byte) Signature {
	h := newDjb2()
	h.write(b)
	return h.sum()
}

// primitiveSignature mirrors the guest's compile-time primitive hashing: the
// name is hashed after an 8-byte little-endian zero marker (the "kind tag"
// for a leaf primitive, distinguishing it from the empty string).
func primitiveSignature(name string) Signature {
	h := newDjb2()
	h.write([]byte{0, 0, 0, 0, 0, 0, 0, 0})
	h.write([]byte(name))
	return h.sum()
}

var primitiveSignatures = map[string]Signature{
	"u8": primitiveSignature("u8"), "u16": primitiveSignature("u16"),
	"u32": primitiveSignature("u32"), "u64": primitiveSignature("u64"),
	"i8": primitiveSignature("i8"), "i16": primitiveSignature("i16"),
	"i32": primitiveSignature("i32"), "i64": primitiveSignature("i64"),
	"f32": primitiveSignature("f32"), "f64": primitiveSignature("f64"),
	"bool": primitiveSignature("bool"), "usize": primitiveSignature("usize"),
	"()": primitiveSignature("()"), "buf": primitiveSignature("buf"),
}

// PrimitiveSignature looks up the fixed signature for one of the wire
// primitive type names. The second return value is false for unknown names.
func PrimitiveSignature(name string) (Signature, bool) {
	s, ok := primitiveSignatures[name]
	return s, ok
}

// StructSignature computes the signature of a struct-like type from its kind
// tag and the signatures of its fields in declaration order. Field names do
// not participate — renaming a field without reordering it does not change
// the signature, matching the guest macro's behaviour of hashing by index.
func StructSignature(kindTag string, fields []Signature) Signature {
	h := newDjb2()
	h.write([]byte(kindTag))
	for _, f := range fields {
		var b [8]byte
		putLE64(b[:], uint64(f))
		h.write(b[:])
	}
	return h.sum()
}

// FunctionSignature computes sig(name, params..., result) the way the linker
// cross-checks host registrations against guest tables.
func FunctionSignature(name string, params []Signature, result Signature) Signature {
	h := newDjb2()
	h.write([]byte(name))
	for _, p := range params {
		var b [8]byte
		putLE64(b[:], uint64(p))
		h.write(b[:])
	}
	var b [8]byte
	putLE64(b[:], uint64(result))
	h.write(b[:])
	return h.sum()
}

func putLE64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
