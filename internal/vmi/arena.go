package vmi

import (
	"fmt"
	"unsafe"

	"github.com/google/btree"
)

// unsafeSlice overlays a []byte on top of a host virtual address range. The
// arena's backing region is a single mmap'd allocation kept alive for the
// lifetime of the runtime, so the slice is valid for as long as the Arena
// itself is.
func unsafeSlice(addr uintptr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// freeRun is a contiguous run of free bytes in an arena, ordered by offset.
type freeRun struct {
	offset Offset
	length uint64
}

func (r freeRun) Less(than btree.Item) bool {
	return r.offset < than.(freeRun).offset
}

func (r freeRun) end() uint64 { return uint64(r.offset) + r.length }

// Arena is a flat byte region shared between host and guest, addressed by
// 32-bit offsets that travel in Transport words. One arena holds values this
// side has allocated and is about to hand to the peer (the owned-outgoing
// arena); the other mirrors the peer's owned arena for reading incoming
// values (the foreign-incoming arena). Both use the same allocator shape.
type Arena struct {
	base     uintptr // host virtual address backing offset 0
	size     uint64
	freeList *btree.BTree
	allocked map[Offset]uint64
}

// ErrArenaFull is returned when no free run large enough for the request
// remains.
var ErrArenaFull = fmt.Errorf("vmi: arena exhausted")

// NewArena creates an arena over a host-backed region of the given size,
// based at base (the host virtual address corresponding to offset 0).
func NewArena(base uintptr, size uint64) *Arena {
	a := &Arena{
		base:     base,
		size:     size,
		freeList: btree.New(2),
		allocked: make(map[Offset]uint64),
	}
	a.freeList.ReplaceOrInsert(freeRun{offset: 0, length: size})
	return a
}

// Bytes returns a slice over the arena region starting at offset, of the
// given length. Callers must not retain it past a Release of the same
// region.
func (a *Arena) Bytes(offset Offset, length uint64) []byte {
	return unsafeSlice(a.base+uintptr(offset), length)
}

func (a *Arena) validate(offset Offset, size uint64) error {
	if uint64(offset)+size > a.size {
		return fmt.Errorf("vmi: offset 0x%x size %d exceeds arena bound %d", offset, size, a.size)
	}
	return nil
}

// alloc finds the first free run at least size bytes long (first-fit) and
// carves size bytes off its front.
func (a *Arena) alloc(size uint64) (Offset, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmi: cannot allocate zero bytes")
	}
	var found *freeRun
	a.freeList.Ascend(func(it btree.Item) bool {
		r := it.(freeRun)
		if r.length >= size {
			found = &r
			return false
		}
		return true
	})
	if found == nil {
		return 0, ErrArenaFull
	}
	a.freeList.Delete(*found)
	if found.length > size {
		a.freeList.ReplaceOrInsert(freeRun{offset: found.offset + Offset(size), length: found.length - size})
	}
	a.allocked[found.offset] = size
	return found.offset, nil
}

// free returns a previously allocated run to the free list, coalescing with
// adjacent runs, and is the method backing Foreign/ForeignBuf.Release.
func (a *Arena) free(offset Offset, size uint64) error {
	delete(a.allocked, offset)

	run := freeRun{offset: offset, length: size}

	// Merge with the run immediately before, if adjacent.
	var before *freeRun
	a.freeList.DescendLessOrEqual(freeRun{offset: offset}, func(it btree.Item) bool {
		r := it.(freeRun)
		if r.end() == uint64(offset) {
			before = &r
		}
		return false
	})
	if before != nil {
		a.freeList.Delete(*before)
		run.offset = before.offset
		run.length += before.length
	}

	// Merge with the run immediately after, if adjacent.
	var after *freeRun
	a.freeList.AscendGreaterOrEqual(freeRun{offset: run.offset}, func(it btree.Item) bool {
		r := it.(freeRun)
		if r.offset == Offset(run.end()) {
			after = &r
		}
		return false
	})
	if after != nil {
		a.freeList.Delete(*after)
		run.length += after.length
	}

	a.freeList.ReplaceOrInsert(run)
	return nil
}

// Emit allocates size bytes, copies data into the run, and returns the
// Owned handle as a Shared one ready for Transport encoding. This is the
// host-side analogue of the guest allocator's emit-and-hand-off step.
func (a *Arena) Emit(data []byte) (SharedBuf, error) {
	off, err := a.alloc(uint64(len(data)))
	if err != nil {
		return SharedBuf{}, err
	}
	copy(a.Bytes(off, uint64(len(data))), data)
	return SharedBuf{offset: off, capacity: uint32(len(data))}, nil
}

// EmitValue allocates len(raw) bytes and copies raw in, returning a typed
// Shared handle. Callers pass the serialized form of a T value.
func EmitValue[T any](a *Arena, raw []byte) (Shared[T], error) {
	off, err := a.alloc(uint64(len(raw)))
	if err != nil {
		return Shared[T]{}, err
	}
	copy(a.Bytes(off, uint64(len(raw))), raw)
	return Shared[T]{offset: off}, nil
}
