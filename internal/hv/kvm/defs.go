// Package kvm drives a single KVM virtual machine running one vCPU: it owns
// the /dev/kvm, VM, and vCPU file descriptors, the guest memory mapping, and
// the run loop that decodes vCPU exits into typed events for the runtime
// above it to dispatch.
package kvm

import "unsafe"

// ioctl direction/size/type encoding, mirroring the kernel's linux/ioctl.h
// _IOC macros. KVM ioctl numbers are computed from these rather than
// hand-copied as opaque hex literals, so the encoding is traceable to the
// struct it operates on.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func iocEncode(dir, size uintptr, nr uintptr) uintptr {
	return dir<<iocDirShift | size<<iocSizeShift | uintptr(kvmIOCType)<<iocTypeShift | nr<<iocNRShift
}

func ioNoArg(nr uintptr) uintptr          { return iocEncode(iocNone, 0, nr) }
func ior(nr uintptr, size uintptr) uintptr { return iocEncode(iocRead, size, nr) }
func iow(nr uintptr, size uintptr) uintptr { return iocEncode(iocWrite, size, nr) }
func iowr(nr uintptr, size uintptr) uintptr {
	return iocEncode(iocRead|iocWrite, size, nr)
}

// The two CPUID ioctls are sized off the fixed kvm_cpuid2 header only (the
// offset of Entries), as the kernel's struct ends in a flexible array.
var (
	kvmGetApiVersion       = ioNoArg(0x00)
	kvmCreateVm            = ioNoArg(0x01)
	kvmGetVcpuMmapSize     = ioNoArg(0x04)
	kvmGetSupportedCpuid   = iowr(0x05, unsafe.Offsetof(kvmCPUID2{}.Entries))
	kvmCreateVcpu          = ioNoArg(0x41)
	kvmSetTssAddr          = ioNoArg(0x47)
	kvmSetUserMemoryRegion = iow(0x46, unsafe.Sizeof(kvmUserspaceMemoryRegion{}))
	kvmRun                 = ioNoArg(0x80)
	kvmGetRegs             = ior(0x81, unsafe.Sizeof(kvmRegs{}))
	kvmSetRegs             = iow(0x82, unsafe.Sizeof(kvmRegs{}))
	kvmGetSregs            = ior(0x83, unsafe.Sizeof(kvmSregs{}))
	kvmSetSregs            = iow(0x84, unsafe.Sizeof(kvmSregs{}))
	kvmSetCpuid2           = iow(0x90, unsafe.Offsetof(kvmCPUID2{}.Entries))
)

// kvmExitReason mirrors the subset of KVM_EXIT_* the run loop understands;
// every other exit reason is surfaced as an internal error since this
// runtime never installs devices that would produce them.
type kvmExitReason uint32

const (
	exitUnknown       kvmExitReason = 0
	exitIO            kvmExitReason = 2
	exitHlt           kvmExitReason = 5
	exitMmio          kvmExitReason = 6
	exitShutdown      kvmExitReason = 8
	exitInternalError kvmExitReason = 17
	exitSystemEvent   kvmExitReason = 24
)

func (r kvmExitReason) String() string {
	switch r {
	case exitUnknown:
		return "UNKNOWN"
	case exitIO:
		return "IO"
	case exitHlt:
		return "HLT"
	case exitMmio:
		return "MMIO"
	case exitShutdown:
		return "SHUTDOWN"
	case exitInternalError:
		return "INTERNAL_ERROR"
	case exitSystemEvent:
		return "SYSTEM_EVENT"
	default:
		return "EXIT_UNKNOWN"
	}
}

const (
	exitIODirIn  uint8 = 0
	exitIODirOut uint8 = 1
)
