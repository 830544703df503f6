package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl issues a single ioctl, retrying on EINTR, matching the host
// project's wrapper pattern around unix.Syscall(unix.SYS_IOCTL, ...).
func ioctl(fd int, cmd uintptr, arg uintptr) (uintptr, error) {
	for {
		r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), cmd, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, fmt.Errorf("ioctl 0x%x on fd %d: %w", cmd, fd, errno)
		}
		return r1, nil
	}
}

func ioctlInt(cmd uintptr) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		r, err := ioctl(fd, cmd, 0)
		return int(r), err
	}
}

func ioctlPtr(fd int, cmd uintptr, arg unsafe.Pointer) error {
	_, err := ioctl(fd, cmd, uintptr(arg))
	return err
}

var (
	getAPIVersion   = ioctlInt(kvmGetApiVersion)
	createVM        = ioctlInt(kvmCreateVm)
	getVCPUMmapSize = ioctlInt(kvmGetVcpuMmapSize)
	createVCPU      = ioctlInt(kvmCreateVcpu)
)

func setUserMemoryRegion(vmFd int, region *kvmUserspaceMemoryRegion) error {
	return ioctlPtr(vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(region))
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctl(vmFd, kvmSetTssAddr, uintptr(addr))
	return err
}

func getRegisters(vcpuFd int) (*kvmRegs, error) {
	var regs kvmRegs
	if err := ioctlPtr(vcpuFd, kvmGetRegs, unsafe.Pointer(&regs)); err != nil {
		return nil, err
	}
	return &regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	return ioctlPtr(vcpuFd, kvmSetRegs, unsafe.Pointer(regs))
}

func getSRegs(vcpuFd int) (*kvmSregs, error) {
	var sregs kvmSregs
	if err := ioctlPtr(vcpuFd, kvmGetSregs, unsafe.Pointer(&sregs)); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSregs) error {
	return ioctlPtr(vcpuFd, kvmSetSregs, unsafe.Pointer(sregs))
}

func getSupportedCPUID(kvmFd int) (*kvmCPUID2, error) {
	cpuid := &kvmCPUID2{Nent: maxCPUIDEntries}
	if err := ioctlPtr(kvmFd, kvmGetSupportedCpuid, unsafe.Pointer(cpuid)); err != nil {
		return nil, err
	}
	return cpuid, nil
}

func setVCPUID(vcpuFd int, cpuid *kvmCPUID2) error {
	return ioctlPtr(vcpuFd, kvmSetCpuid2, unsafe.Pointer(cpuid))
}

func run(vcpuFd int) error {
	_, err := ioctl(vcpuFd, kvmRun, 0)
	return err
}
