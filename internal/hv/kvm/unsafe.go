package kvm

import "unsafe"

// unsafePointerOf returns a pointer to the first byte of a non-empty slice,
// the idiom mmap-backed ioctl arguments and kvm_run overlays are built on
// throughout this package.
func unsafePointerOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
