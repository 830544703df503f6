package kvm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultKVMDevice is the device node every Open call uses unless overridden.
const DefaultKVMDevice = "/dev/kvm"

// VM owns the /dev/kvm, VM, and guest-memory file descriptors for a single
// runtime instance. It does not model any device beyond the bare vCPU: no
// IOAPIC, no split IRQ chip, no PIT, matching a guest that never expects
// interrupt-driven devices.
type VM struct {
	kvmFd   int
	vmFd    int
	memory  []byte // single mmap'd guest-physical region, slot 0
	memBase uint64
}

// Open opens the KVM device node, validates the reported API version, and
// creates a new VM with one contiguous guest-physical memory region of
// memSize bytes based at guestPhysBase.
func Open(device string, guestPhysBase uint64, memSize uint64) (*VM, error) {
	if device == "" {
		device = DefaultKVMDevice
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open %s: %w", device, err)
	}
	kvmFd := int(f.Fd())

	version, err := getAPIVersion(kvmFd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvm: KVM_GET_API_VERSION: %w", err)
	}
	if version != 12 {
		f.Close()
		return nil, fmt.Errorf("kvm: unsupported API version %d (want 12)", version)
	}

	vmFdInt, err := createVM(kvmFd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		unix.Close(vmFdInt)
		f.Close()
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}

	vm := &VM{kvmFd: kvmFd, vmFd: vmFdInt, memory: mem, memBase: guestPhysBase}

	region := &kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: guestPhysBase,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafePointerOf(mem))),
	}
	if err := setUserMemoryRegion(vmFdInt, region); err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	if err := setTSSAddr(vmFdInt, guestPhysBase+memSize-3*pageSize); err != nil {
		vm.Close()
		return nil, fmt.Errorf("kvm: KVM_SET_TSS_ADDR: %w", err)
	}

	return vm, nil
}

const pageSize = 4096

// Bytes returns the host-backed slice for guest-physical range
// [addr, addr+length), validating it falls entirely within the single
// memory region this VM owns.
func (vm *VM) Bytes(addr uint64, length uint64) ([]byte, error) {
	if addr < vm.memBase || addr+length > vm.memBase+uint64(len(vm.memory)) {
		return nil, fmt.Errorf("kvm: range [0x%x, 0x%x) is outside guest memory [0x%x, 0x%x)",
			addr, addr+length, vm.memBase, vm.memBase+uint64(len(vm.memory)))
	}
	off := addr - vm.memBase
	return vm.memory[off : off+length], nil
}

// NewVCPU creates a single vCPU bound to this VM.
func (vm *VM) NewVCPU() (*VCPU, error) {
	fd, err := createVCPU(vm.vmFd)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU: %w", err)
	}

	mmapSize, err := getVCPUMmapSize(vm.kvmFd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	runRegion, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}

	cpuid, err := getSupportedCPUID(vm.kvmFd)
	if err != nil {
		unix.Munmap(runRegion)
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	if err := setVCPUID(fd, cpuid); err != nil {
		unix.Munmap(runRegion)
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: KVM_SET_CPUID2: %w", err)
	}

	return &VCPU{fd: fd, run: (*kvmRunData)(unsafePointerOf(runRegion)), runRegion: runRegion}, nil
}

// Close tears down the VM's file descriptors and memory mapping. It does
// not close any VCPU created from it; callers must close those first.
func (vm *VM) Close() error {
	var firstErr error
	if vm.memory != nil {
		if err := unix.Munmap(vm.memory); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.vmFd != 0 {
		if err := unix.Close(vm.vmFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if vm.kvmFd != 0 {
		if err := unix.Close(vm.kvmFd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
