package kvm

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

// kvmDTable mirrors struct kvm_dtable (GDTR/IDTR).
type kvmDTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// kvmSregs mirrors struct kvm_sregs (the subset this runtime programs: the
// general segment registers, the two descriptor tables, and the control
// registers; the interrupt bitmap is zeroed and never consulted since no
// local APIC or PIC is modeled).
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDTable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(256 + 63) / 64]uint64
}

// kvmRegs mirrors struct kvm_regs.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmCPUIDEntry2 mirrors struct kvm_cpuid_entry2.
type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	EAX      uint32
	EBX      uint32
	ECX      uint32
	EDX      uint32
	Padding  [3]uint32
}

// maxCPUIDEntries bounds the fixed-capacity entry array embedded in
// kvmCPUID2: large enough for every supported-CPUID query KVM returns for a
// single, device-less guest.
const maxCPUIDEntries = 256

// kvmCPUID2 mirrors struct kvm_cpuid2 with a fixed-capacity trailing array
// (the kernel struct ends in a flexible array member; Go has no equivalent,
// so the array is sized generously and Nent reports the portion in use).
type kvmCPUID2 struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]kvmCPUIDEntry2
}

// internalErrorSubReason decodes the suberror field of KVM_EXIT_INTERNAL_ERROR.
type internalErrorSubReason uint32

const (
	internalErrorUnknown      internalErrorSubReason = 1
	internalErrorEmulation    internalErrorSubReason = 2
	internalErrorSimulEx      internalErrorSubReason = 3
	internalErrorDeliveryEV   internalErrorSubReason = 4
	internalErrorUnexpectedEV internalErrorSubReason = 5
)

func (r internalErrorSubReason) String() string {
	switch r {
	case internalErrorUnknown:
		return "KVM_INTERNAL_ERROR_UNKNOWN"
	case internalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case internalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case internalErrorDeliveryEV:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	case internalErrorUnexpectedEV:
		return "KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return "KVM_INTERNAL_ERROR_UNKNOWN"
	}
}

// kvmExitIoData mirrors the io member of the kvm_run exit union.
type kvmExitIoData struct {
	Direction  uint8
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// kvmSystemEvent mirrors the system_event member of the kvm_run exit union.
type kvmSystemEvent struct {
	Type  uint32
	Flags uint64
}

// kvmRunData mirrors the portion of struct kvm_run this runtime reads and
// writes: the control fields at the front, the exit_reason and its
// immediately following fixed fields, and a generously sized byte region
// standing in for the exit-specific union (only the io member is ever
// decoded, via ioExit and ioData in vcpu.go).
type kvmRunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	Padding1               [6]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
	Union                  [256]byte
	KVMValidRegs           uint64
	KVMDirtyRegs           uint64
	S                      [2048]byte
}
