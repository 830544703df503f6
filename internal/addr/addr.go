// Package addr implements the physical/virtual address newtypes that carry
// guest addresses across the runtime: a PhysAddr is a bare 64-bit guest
// physical address, checked against the width of the guest's address space
// and translatable to the canonical-form virtual address the guest's own
// identity-mapped page tables expose it at.
package addr

import "fmt"

// Width is the number of physical address bits the guest's CPUID reports
// (typically 39, 40, or 52 on modern hardware).
type Width uint8

// PhysAddr is a guest physical address known to fit in a Width-bit space.
type PhysAddr struct {
	width Width
	value uint64
}

func mask(w Width) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

// New validates that addr has no bits set above width and returns a PhysAddr.
func New(width Width, value uint64) (PhysAddr, error) {
	if value&^mask(width) != 0 {
		return PhysAddr{}, fmt.Errorf("addr: 0x%x exceeds %d-bit physical address space", value, width)
	}
	return PhysAddr{width: width, value: value}, nil
}

// NewTruncate masks addr down to width bits instead of rejecting it.
func NewTruncate(width Width, value uint64) PhysAddr {
	return PhysAddr{width: width, value: value & mask(width)}
}

func (p PhysAddr) Width() Width  { return p.width }
func (p PhysAddr) Uint64() uint64 { return p.value }

// AsVirtAddr performs the canonical-form translation: physical addresses
// whose top bit (bit width-1) is clear map identically into the lower half
// of virtual address space; addresses with that bit set are shifted into
// the canonical upper half (sign-extended from bit 47) so ordinary 4-level
// paging can resolve them.
func (p PhysAddr) AsVirtAddr() uint64 {
	topBit := uint64(1) << (p.width - 1)
	if p.value&topBit == 0 {
		return p.value
	}
	return p.value<<(48-uint64(p.width)) | 0xFFFF_0000_0000_0000
}

// VirtToPhys inverts AsVirtAddr for a given width, returning the original
// physical address that produced vaddr.
func VirtToPhys(width Width, vaddr uint64) uint64 {
	canonicalUpper := vaddr&0xFFFF_8000_0000_0000 == 0xFFFF_8000_0000_0000
	if !canonicalUpper {
		return vaddr & mask(width)
	}
	shift := 48 - uint64(width)
	return (vaddr &^ 0xFFFF_0000_0000_0000) >> shift
}
