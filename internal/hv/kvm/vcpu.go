package kvm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Control register and EFER bits, named after the Intel SDM fields the host
// project's amd64 vCPU setup programs.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31

	cr4DE   = 1 << 3
	cr4PSE  = 1 << 4
	cr4PAE  = 1 << 5
	cr4PGE  = 1 << 7

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// LongModeSelectors names the GDT selectors a long-mode segment setup uses.
type LongModeSelectors struct {
	Code uint16
	Data uint16
}

// VCPU is one KVM vCPU with a dirty-flag register shadow: writes through
// SetRegisters mark the shadow dirty, and RunLoop only issues KVM_SET_REGS
// when a write actually occurred and reads the registers back with
// KVM_GET_REGS once per exit, amortizing the ioctl cost over a hot run loop.
//
// A vCPU's OS thread is locked once, for the vCPU's entire lifetime, the
// first time RunLoop runs (mirroring the host project's virtualCPU.start,
// which parks its dedicated goroutine with runtime.LockOSThread for as long
// as the vCPU exists rather than per run). Every call to RunLoop for a given
// VCPU must therefore come from the same goroutine; calling it from a second
// goroutine would execute KVM_RUN on a different OS thread than the one
// RequestImmediateExit signals, leaving cancellation unable to interrupt it.
type VCPU struct {
	fd        int
	run       *kvmRunData
	runRegion []byte

	regs      kvmRegs
	regsDirty bool

	lockOnce sync.Once
	locked   bool
	tid      int32
}

// Close unmaps the kvm_run page, closes the vCPU file descriptor, and
// releases the OS thread RunLoop locked, if any.
func (v *VCPU) Close() error {
	var firstErr error
	if v.runRegion != nil {
		if err := unix.Munmap(v.runRegion); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := unix.Close(v.fd); err != nil && firstErr == nil {
		firstErr = err
	}
	if v.locked {
		runtime.UnlockOSThread()
	}
	return firstErr
}

// SetLongMode programs CR0/CR3/CR4/EFER and the GDT/IDT descriptor tables
// for direct 64-bit long-mode entry, generalized from the host project's
// SetLongModeWithSelectors to take an arbitrary paging root rather than a
// fixed 4 GiB identity map.
func (v *VCPU) SetLongMode(pagingRoot uint64, gdtBase uint64, gdtLimit uint16, idtBase uint64, idtLimit uint16, sel LongModeSelectors) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get sregs: %w", err)
	}

	sregs.GDT = kvmDTable{Base: gdtBase, Limit: gdtLimit}
	sregs.IDT = kvmDTable{Base: idtBase, Limit: idtLimit}

	sregs.CS = kvmSegment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: sel.Code,
		Type: 0xB, Present: 1, DPL: 0, S: 1, L: 1, DB: 0, G: 1,
	}
	sregs.DS = kvmSegment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: sel.Data,
		Type: 0x3, Present: 1, DPL: 0, S: 1, L: 0, DB: 1, G: 1,
	}
	sregs.SS = sregs.DS
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS

	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.CR3 = pagingRoot
	sregs.CR4 = cr4DE | cr4PSE | cr4PAE | cr4PGE
	sregs.EFER |= eferLME | eferLMA

	if err := setSRegs(v.fd, sregs); err != nil {
		return fmt.Errorf("kvm: set sregs: %w", err)
	}
	return nil
}

// SetEntry programs RIP/RSP/RFLAGS for the guest's first instruction.
func (v *VCPU) SetEntry(rip, rsp uint64, singleStep bool) error {
	v.regs.RIP = rip
	v.regs.RSP = rsp
	v.regs.RFLAGS = 0x2
	if singleStep {
		v.regs.RFLAGS |= 0x100
	}
	v.regsDirty = true
	return v.flush()
}

// Registers returns a copy of the cached register shadow. Callers that
// mutate individual fields must call SetRegisters to write them back and
// mark the shadow dirty.
func (v *VCPU) Registers() kvmRegs { return v.regs }

// SregsSnapshot is the subset of the special/segment register file worth
// attaching to a fault report: the control registers that decide paging
// and protection mode, and the last fault linear address.
type SregsSnapshot struct {
	CR0, CR2, CR3, CR4 uint64
	EFER               uint64
}

// Sregs reads the vCPU's current special registers directly from KVM
// (unlike Registers, there is no shadow to amortize this against; it is
// only meant to be called off the hot path, e.g. when reporting a fault).
func (v *VCPU) Sregs() (SregsSnapshot, error) {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return SregsSnapshot{}, fmt.Errorf("kvm: get sregs: %w", err)
	}
	return SregsSnapshot{CR0: sregs.CR0, CR2: sregs.CR2, CR3: sregs.CR3, CR4: sregs.CR4, EFER: sregs.EFER}, nil
}

// SetRegisters replaces the register shadow and marks it dirty; the write
// is flushed to KVM on the next RunLoop iteration (or immediately via flush for callers
// that need it visible before resuming, e.g. programming an upcall).
func (v *VCPU) SetRegisters(regs kvmRegs) {
	v.regs = regs
	v.regsDirty = true
}

func (v *VCPU) flush() error {
	if !v.regsDirty {
		return nil
	}
	if err := setRegisters(v.fd, &v.regs); err != nil {
		return fmt.Errorf("kvm: set regs: %w", err)
	}
	v.regsDirty = false
	return nil
}

// ExitKind classifies a decoded vCPU exit for the run loop's caller.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitHalt
	ExitIOOut
	ExitShutdown
)

// ExitInfo describes one decoded vCPU exit.
type ExitInfo struct {
	Kind ExitKind
	Port uint16
	// Data holds the bytes written by an IOOut exit (the guest's OUT
	// operand), sized by the io exit's access size times its count.
	Data []byte
}

// RunLoop drives the vCPU until ctx is cancelled, the guest halts, or an
// exit other than an IO port write occurs. onIOOut is invoked synchronously
// for every IO port write and must not block; its return value ends the
// loop only when it returns a non-nil error or requests a stop by returning
// stop=true, otherwise the guest is resumed.
func (v *VCPU) RunLoop(ctx context.Context, onIOOut func(port uint16, data []byte) (stop bool, err error)) (ExitInfo, error) {
	v.lockOnce.Do(func() {
		runtime.LockOSThread()
		v.locked = true
		v.tid = int32(unix.Gettid())
	})

	done := context.AfterFunc(ctx, func() {
		v.RequestImmediateExit()
	})
	defer done()

	for {
		if err := v.flush(); err != nil {
			return ExitInfo{}, err
		}
		if err := run(v.fd); err != nil {
			if ctx.Err() != nil {
				return ExitInfo{}, ctx.Err()
			}
			return ExitInfo{}, fmt.Errorf("kvm: KVM_RUN: %w", err)
		}
		regs, err := getRegisters(v.fd)
		if err != nil {
			return ExitInfo{}, fmt.Errorf("kvm: get regs: %w", err)
		}
		v.regs = *regs

		switch kvmExitReason(v.run.ExitReason) {
		case exitIO:
			io := v.ioExit()
			if io.Direction != exitIODirOut {
				return ExitInfo{}, fmt.Errorf("kvm: unexpected IN on port 0x%x", io.Port)
			}
			data := v.ioData(io)
			stop, err := onIOOut(io.Port, data)
			if err != nil {
				return ExitInfo{}, err
			}
			if stop {
				return ExitInfo{Kind: ExitIOOut, Port: io.Port, Data: data}, nil
			}
		case exitHlt:
			return ExitInfo{Kind: ExitHalt}, nil
		case exitShutdown:
			return ExitInfo{Kind: ExitShutdown}, fmt.Errorf("kvm: guest shutdown (triple fault)")
		case exitInternalError:
			return ExitInfo{}, fmt.Errorf("kvm: internal error")
		case exitSystemEvent:
			return ExitInfo{}, fmt.Errorf("kvm: unexpected system event exit")
		case exitMmio:
			return ExitInfo{}, fmt.Errorf("kvm: unexpected MMIO exit, no devices are modeled")
		default:
			return ExitInfo{}, fmt.Errorf("kvm: unexpected exit reason %s", kvmExitReason(v.run.ExitReason))
		}
	}
}

func (v *VCPU) ioExit() kvmExitIoData {
	return *(*kvmExitIoData)(unsafe.Pointer(&v.run.Union[0]))
}

// ioData returns the bytes the guest wrote, read out of the kvm_run
// scratch area at the io struct's data_offset.
func (v *VCPU) ioData(io kvmExitIoData) []byte {
	base := uintptr(unsafe.Pointer(v.run))
	ptr := unsafe.Pointer(base + uintptr(io.DataOffset))
	n := int(io.Size) * int(io.Count)
	return unsafe.Slice((*byte)(ptr), n)
}

// RequestImmediateExit asks KVM_RUN to return at the next opportunity,
// grounded on the host project's Tgkill-based immediate-exit mechanism:
// setting immediate_exit alone only takes effect between ioctls, so a
// signal is also sent to interrupt a KVM_RUN already in progress. tid is
// only valid once RunLoop has run at least once (it locks the OS thread and
// records its id on first entry); a call before then is a no-op.
func (v *VCPU) RequestImmediateExit() {
	v.run.ImmediateExit = 1
	tid := v.tid
	if tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1)
	}
}

