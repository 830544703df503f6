package vmi

import (
	"fmt"
	"unsafe"
)

// Transport is the register-pair encoding of a single VMI argument or
// result: Primary carries a primitive value or a 32-bit arena offset,
// Secondary carries a buffer's capacity when one is shared and is zero
// otherwise.
type Transport struct {
	Primary   uint64
	Secondary uint64
}

// Offset is a 32-bit byte offset into one of the two shared arenas.
type Offset uint32

// Owned is a value freshly allocated in the local owned arena. Converting it
// to a Shared handle (via the arena's Emit) transfers ownership to the peer:
// the peer is now responsible for reading it and, if it is a buffer, freeing
// it back into what it perceives as its foreign arena.
type Owned[T any] struct {
	offset Offset
}

// Shared is an Owned value that has been lowered to Transport for sending.
type Shared[T any] struct {
	offset Offset
}

// Foreign is a handle into the peer's owned arena, received as an incoming
// argument. Release frees it back into the foreign arena; using it
// afterwards is undefined.
type Foreign[T any] struct {
	offset Offset
	arena  *Arena
}

func (f Foreign[T]) Offset() Offset { return f.offset }

// Release frees the referenced value back into the foreign arena. Per the
// runtime's call discipline (strictly synchronous, one in-flight call),
// there is no separate deallocate-and-acknowledge handshake: whichever side
// finishes reading a value frees it immediately.
func (f Foreign[T]) Release(size uint64) error {
	return f.arena.free(f.offset, size)
}

// OwnedBuf/SharedBuf/ForeignBuf are the byte-buffer analogues of
// Owned/Shared/Foreign: they additionally carry a capacity, since raw bytes
// have no compile-time size.
type OwnedBuf struct {
	offset   Offset
	capacity uint32
}

func (b OwnedBuf) Offset() Offset   { return b.offset }
func (b OwnedBuf) Capacity() uint32 { return b.capacity }

type SharedBuf struct {
	offset   Offset
	capacity uint32
}

func (b SharedBuf) Offset() Offset   { return b.offset }
func (b SharedBuf) Capacity() uint32 { return b.capacity }

type ForeignBuf struct {
	offset   Offset
	capacity uint32
	arena    *Arena
}

func (f ForeignBuf) Offset() Offset   { return f.offset }
func (f ForeignBuf) Capacity() uint32 { return f.capacity }
func (f ForeignBuf) Release() error   { return f.arena.free(f.offset, uint64(f.capacity)) }

// bitPattern reinterprets v's in-memory representation as a zero-extended
// uint64, by size rather than by numeric conversion: a numeric conversion
// (uint64(v)) cannot be expressed uniformly across the Primitive type set
// since bool and the float kinds have no such conversion to uint64, while
// raw reinterpretation round-trips every kind in the set identically (and
// for the signed integer kinds recovers the same value a sign-extending
// conversion would, since fromBitPattern only ever reads back the low
// sizeof(T) bytes regardless of how the upper bits were extended).
func bitPattern[T any](v T) uint64 {
	switch unsafe.Sizeof(v) {
	case 1:
		return uint64(*(*uint8)(unsafe.Pointer(&v)))
	case 2:
		return uint64(*(*uint16)(unsafe.Pointer(&v)))
	case 4:
		return uint64(*(*uint32)(unsafe.Pointer(&v)))
	default:
		return *(*uint64)(unsafe.Pointer(&v))
	}
}

// fromBitPattern is bitPattern's inverse: it reconstructs a T from the low
// sizeof(T) bytes of b.
func fromBitPattern[T any](b uint64) T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		x := uint8(b)
		v = *(*T)(unsafe.Pointer(&x))
	case 2:
		x := uint16(b)
		v = *(*T)(unsafe.Pointer(&x))
	case 4:
		x := uint32(b)
		v = *(*T)(unsafe.Pointer(&x))
	default:
		v = *(*T)(unsafe.Pointer(&b))
	}
	return v
}

// IntoTransport lowers a primitive value into a Transport word pair; see
// bitPattern for why this goes through bit reinterpretation rather than a
// numeric conversion.
func IntoTransport[T Primitive](v T) Transport {
	return Transport{Primary: bitPattern(v)}
}

// Primitive enumerates the wire primitive kinds the transport accepts
// directly without going through an arena.
type Primitive interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64 | ~bool
}

// FromTransport raises a primitive value back out of a Transport word pair,
// the inverse bit-pattern reconstruction IntoTransport performs.
func FromTransport[T Primitive](t Transport) T {
	return fromBitPattern[T](t.Primary)
}

// Param widens Primitive with the three byte-buffer handle shapes
// (SharedBuf/OwnedBuf/ForeignBuf), so a VMI-callable function's parameter
// or result type can be either a bare scalar or a buffer crossing through
// one of the two arenas (e.g. S2's Reverse(SharedBuf) -> ForeignBuf). All
// three buffer types share one wire shape (offset in Primary, capacity in
// Secondary); which one a given position uses is a host-side bookkeeping
// choice (am I hand ing this off, or did I just receive it), not a wire
// distinction.
type Param interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64 | ~bool |
		SharedBuf | OwnedBuf | ForeignBuf
}

// IntoTransportParam lowers a VMI-callable value into Transport, the
// Param-widened counterpart of IntoTransport.
func IntoTransportParam[T Param](v T) Transport {
	switch x := any(v).(type) {
	case SharedBuf:
		return SharedBufTransport(x)
	case OwnedBuf:
		return Transport{Primary: uint64(x.offset), Secondary: uint64(x.capacity)}
	case ForeignBuf:
		return Transport{Primary: uint64(x.offset), Secondary: uint64(x.capacity)}
	default:
		return Transport{Primary: bitPattern(v)}
	}
}

// FromTransportParam raises a Transport word pair back into a VMI-callable
// value, the Param-widened counterpart of FromTransport. arena, when
// non-nil, bounds-checks a decoded buffer handle against it; pass the
// arena the handle's bytes actually live in (the foreign arena for an
// incoming ForeignBuf), or nil when no arena is available to validate
// against.
func FromTransportParam[T Param](t Transport, arena *Arena) (T, error) {
	var zero T
	switch any(zero).(type) {
	case SharedBuf:
		sb := SharedBuf{offset: Offset(t.Primary), capacity: uint32(t.Secondary)}
		if arena != nil {
			if err := arena.validate(sb.offset, uint64(sb.capacity)); err != nil {
				return zero, err
			}
		}
		return any(sb).(T), nil
	case OwnedBuf:
		ob := OwnedBuf{offset: Offset(t.Primary), capacity: uint32(t.Secondary)}
		if arena != nil {
			if err := arena.validate(ob.offset, uint64(ob.capacity)); err != nil {
				return zero, err
			}
		}
		return any(ob).(T), nil
	case ForeignBuf:
		if arena == nil {
			return zero, fmt.Errorf("vmi: decoding a ForeignBuf requires its arena")
		}
		fb, err := ForeignBufFromTransport(arena, t)
		if err != nil {
			return zero, err
		}
		return any(fb).(T), nil
	default:
		return fromBitPattern[T](t.Primary), nil
	}
}

// SharedTransport lowers a Shared[T] handle (an emitted owned value) into
// Transport: just the offset, no capacity.
func SharedTransport[T any](s Shared[T]) Transport {
	return Transport{Primary: uint64(s.offset), Secondary: 0}
}

// SharedBufTransport lowers an emitted buffer into Transport: offset and
// capacity.
func SharedBufTransport(s SharedBuf) Transport {
	return Transport{Primary: uint64(s.offset), Secondary: uint64(s.capacity)}
}

// ForeignFromTransport raises a Transport pair back into a Foreign[T]
// handle bound to arena, validating the offset fits within it.
func ForeignFromTransport[T any](arena *Arena, t Transport, size uint64) (Foreign[T], error) {
	off := Offset(t.Primary)
	if err := arena.validate(off, size); err != nil {
		return Foreign[T]{}, err
	}
	return Foreign[T]{offset: off, arena: arena}, nil
}

// ForeignBufFromTransport raises a Transport pair into a ForeignBuf.
func ForeignBufFromTransport(arena *Arena, t Transport) (ForeignBuf, error) {
	if t.Secondary == 0 {
		return ForeignBuf{}, fmt.Errorf("vmi: zero capacity buffer transport")
	}
	off := Offset(t.Primary)
	cap64 := t.Secondary
	if cap64 > 0xFFFFFFFF {
		return ForeignBuf{}, fmt.Errorf("vmi: capacity %d exceeds 32 bits", cap64)
	}
	if err := arena.validate(off, cap64); err != nil {
		return ForeignBuf{}, err
	}
	return ForeignBuf{offset: off, capacity: uint32(cap64), arena: arena}, nil
}
