// Package bmvm implements the host side of a bare-metal micro-VM runtime:
// it loads a freestanding x86-64 ELF guest into a hardware-isolated KVM
// guest, establishes the VMI call protocol between host and guest, and
// exposes a minimal Setup/Call surface to the embedding application.
package bmvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unsafe"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/bmvmcfg"
	"github.com/nelsongillo/bmvm/internal/bootstrap"
	"github.com/nelsongillo/bmvm/internal/debug"
	"github.com/nelsongillo/bmvm/internal/elfload"
	"github.com/nelsongillo/bmvm/internal/hv/kvm"
	"github.com/nelsongillo/bmvm/internal/layout"
	"github.com/nelsongillo/bmvm/internal/linker"
	"github.com/nelsongillo/bmvm/internal/vmi"
)

// VMConfig mirrors bmvmcfg.VMConfig as the fluent builder's input shape.
type VMConfig struct {
	StackSize        uint64
	SharedMemorySize uint64
	Debug            bool
}

// LinkerConfig mirrors linker.Config.
type LinkerConfig struct {
	ErrorUnusedHost  bool
	ErrorUnusedGuest bool
	Upcalls          []Upcall
}

// CallContext is threaded into every registered host function, giving it
// access to the two VMI arenas a buffer-typed parameter or result needs:
// an incoming SharedBuf's bytes live in ForeignArena, and a result built as
// a fresh buffer must be Emitted into OwnedArena before being returned.
// It is a thin handle onto the owning Runtime and is only valid for the
// duration of the call that produced it.
type CallContext struct {
	rt *Runtime
}

// OwnedArena is the host's outgoing arena (the guest's foreign arena).
func (c CallContext) OwnedArena() *vmi.Arena { return c.rt.ownedArena }

// ForeignArena is the guest's outgoing arena (the host's foreign arena).
func (c CallContext) ForeignArena() *vmi.Arena { return c.rt.foreignArena }

// Upcall is one host-side function registration: a name, its structural
// signature (computed by RegisterGuestFunction from caller-supplied type
// names, since Go generics carry no runtime type-name reflection for
// arbitrary instantiations), and the handler invoked when the guest's
// HOST table references it. The handler closes over the owning Runtime
// rather than being bound to it directly, since Build constructs the
// hypercall table before the Runtime's arenas exist (see Build).
type Upcall struct {
	record  vmi.FunctionRecord
	handler func(rt *Runtime, a, b vmi.Transport) (vmi.Transport, error)
}

// RegisterGuestFunction builds an Upcall whose signature is derived from
// the supplied wire type names, matching how the guest toolchain computes
// the same signature for its HOST import declaration. P and R may be any
// wire primitive or one of the three buffer handle types (SharedBuf,
// OwnedBuf, ForeignBuf); a buffer-typed P is decoded against the caller's
// foreign arena, and a buffer-typed R is expected to already be a handle
// into the owned arena (typically produced via CallContext.OwnedArena().
// Emit).
func RegisterGuestFunction[P, R vmi.Param](name string, paramType, retType string, fn func(CallContext, P) (R, error)) Upcall {
	paramSig, _ := vmi.PrimitiveSignature(paramType)
	retSig, _ := vmi.PrimitiveSignature(retType)
	sig := vmi.FunctionSignature(name, []vmi.Signature{paramSig}, retSig)

	handler := func(rt *Runtime, a, b vmi.Transport) (vmi.Transport, error) {
		p, err := vmi.FromTransportParam[P](a, rt.foreignArena)
		if err != nil {
			return vmi.Transport{}, fmt.Errorf("bmvm: decode hypercall %q param: %w", name, err)
		}
		r, err := fn(CallContext{rt: rt}, p)
		if err != nil {
			return vmi.Transport{}, err
		}
		return vmi.IntoTransportParam(r), nil
	}

	return Upcall{
		record:  vmi.FunctionRecord{Signature: sig, Name: name, ParamType: []string{paramType}, RetType: retType},
		handler: handler,
	}
}

// RuntimeBuilder accumulates configuration for a single runtime instance.
type RuntimeBuilder struct {
	vm         VMConfig
	linker     LinkerConfig
	executable string
	logger     *slog.Logger
}

// NewBuilder returns a builder with the teacher project's own defaults:
// a 1 MiB stack, 4 MiB of shared arena space, and strict unused-host
// checking (a registered upcall the guest never exposes is an error).
func NewBuilder() *RuntimeBuilder {
	return &RuntimeBuilder{
		vm:     VMConfig{StackSize: 1 << 20, SharedMemorySize: 4 << 20},
		linker: LinkerConfig{ErrorUnusedHost: true},
		logger: slog.Default(),
	}
}

func (b *RuntimeBuilder) VM(cfg VMConfig) *RuntimeBuilder {
	b.vm = cfg
	return b
}

func (b *RuntimeBuilder) Linker(cfg LinkerConfig) *RuntimeBuilder {
	b.linker = cfg
	return b
}

func (b *RuntimeBuilder) Executable(path string) *RuntimeBuilder {
	b.executable = path
	return b
}

// Logger overrides the default slog.Default() logger.
func (b *RuntimeBuilder) Logger(logger *slog.Logger) *RuntimeBuilder {
	b.logger = logger
	return b
}

// FromConfig applies a bmvmcfg.Config on top of the builder's current
// defaults; fields in cfg always win.
func (b *RuntimeBuilder) FromConfig(cfg *bmvmcfg.Config) *RuntimeBuilder {
	b.vm = VMConfig{
		StackSize:        cfg.VM.StackSize,
		SharedMemorySize: cfg.VM.SharedMemorySize,
		Debug:            cfg.VM.Debug,
	}
	b.linker.ErrorUnusedHost = cfg.Linker.ErrorUnusedHost
	b.linker.ErrorUnusedGuest = cfg.Linker.ErrorUnusedGuest
	b.executable = cfg.Executable
	return b
}

const (
	// guestMemoryMargin is spare room added on top of every computed size
	// estimate, absorbing the bootstrap system region's own fixed-point
	// growth without a second full rebuild.
	guestMemoryMargin = 4 * align.Page4K
	// systemRegionBudget is the guest memory reserved for the system region
	// (layout table + GDT + IDT + a handful of page-table pages). The paging
	// builder grows its own tables on demand, but this reserve does not grow
	// with it: a paging tree that outgrows it (plus guestMemoryMargin) does
	// not fit in guest memory, and writing it fails.
	systemRegionBudget = 64 * align.Page4K
)

// Build validates the configuration, loads the guest ELF, and returns a
// Runtime ready for Setup. It does not yet touch /dev/kvm; Setup does.
func (b *RuntimeBuilder) Build() (*Runtime, error) {
	if b.executable == "" {
		return nil, fmt.Errorf("bmvm: no executable configured")
	}

	f, err := os.Open(b.executable)
	if err != nil {
		return nil, fmt.Errorf("bmvm: open %s: %w", b.executable, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("bmvm: stat %s: %w", b.executable, err)
	}

	image, err := elfload.Load(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("bmvm: load %s: %w", b.executable, err)
	}

	hostTable, err := vmi.ParseFunctionTable(image.HostTable)
	if err != nil {
		return nil, fmt.Errorf("bmvm: parse guest HOST table: %w", err)
	}
	exposeTable, err := vmi.ParseFunctionTable(image.ExposeTable)
	if err != nil {
		return nil, fmt.Errorf("bmvm: parse guest EXPOSE table: %w", err)
	}
	exposeCalls, err := vmi.ParseExposeCallTable(image.ExposeCalls)
	if err != nil {
		return nil, fmt.Errorf("bmvm: parse guest EXPOSE_CALLS table: %w", err)
	}

	hostRecords := make([]vmi.FunctionRecord, len(b.linker.Upcalls))
	for i, u := range b.linker.Upcalls {
		hostRecords[i] = u.record
	}
	linkCfg := linker.Config{ErrorUnusedHost: b.linker.ErrorUnusedHost, ErrorUnusedGuest: b.linker.ErrorUnusedGuest}
	if err := linker.Link(linkCfg, hostRecords, exposeTable, hostTable); err != nil {
		return nil, fmt.Errorf("bmvm: link: %w", err)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	// rt is constructed before its hypercall table so that Upcall handlers
	// can close over it: a handler needs rt.foreignArena/rt.ownedArena to
	// decode or emit a buffer parameter, but those arenas do not exist
	// until Setup maps guest memory, strictly after Build returns. The
	// closures below only dereference rt at dispatch time, by which point
	// Setup has already populated them.
	rt := &Runtime{
		vmCfg:       b.vm,
		image:       image,
		exposeTable: vmi.NewExposeCallTable(exposeCalls),
		exposeRecs:  indexExposeRecordsByName(exposeTable),
		logger:      logger,
	}

	hypercalls := vmi.NewHypercallTable()
	for _, u := range b.linker.Upcalls {
		u := u
		hypercalls.Register(u.record, func(a, b vmi.Transport) (vmi.Transport, error) {
			return u.handler(rt, a, b)
		})
	}
	hypercalls.Seal()
	rt.hypercalls = hypercalls

	return rt, nil
}

func indexExposeRecordsByName(records []vmi.FunctionRecord) map[string]vmi.FunctionRecord {
	m := make(map[string]vmi.FunctionRecord, len(records))
	for _, r := range records {
		m[r.Name] = r
	}
	return m
}

// Runtime owns one guest's hardware resources: its KVM VM, its single
// vCPU, and the two VMI arenas shared with the guest.
//
// Setup and every subsequent Call must be invoked from the same goroutine:
// the underlying vCPU locks its first caller's OS thread for its entire
// lifetime (see kvm.VCPU.RunLoop), so a Call from a different goroutine
// would run KVM_RUN on a thread a ctx cancellation can no longer signal.
type Runtime struct {
	vmCfg       VMConfig
	image       *elfload.Image
	exposeTable *vmi.ExposeCallTable
	exposeRecs  map[string]vmi.FunctionRecord
	hypercalls  *vmi.HypercallTable
	logger      *slog.Logger

	vm           *kvm.VM
	vcpu         *kvm.VCPU
	ownedArena   *vmi.Arena // host's outgoing arena; the guest's foreign arena
	foreignArena *vmi.Arena // guest's outgoing arena; the host's foreign arena
}

// guestLayoutPlan pins every fixed region this runtime places in guest
// physical memory.
type guestLayoutPlan struct {
	stackTop    uint64
	ownedBase   uint64
	foreignBase uint64
	systemBase  uint64
	totalSize   uint64
}

func (rt *Runtime) planLayout() guestLayoutPlan {
	end := uint64(align.Page4K)
	for _, r := range rt.image.Regions {
		regionEnd := r.Addr + uint64(len(r.Bytes))
		if regionEnd > end {
			end = regionEnd
		}
	}
	end = align.Ceil(end, align.Page4K)

	ownedBase := end
	foreignBase := ownedBase + align.Ceil(rt.vmCfg.SharedMemorySize, align.Page4K)
	stackBase := foreignBase + align.Ceil(rt.vmCfg.SharedMemorySize, align.Page4K)
	stackTop := stackBase + align.Ceil(rt.vmCfg.StackSize, align.Page4K)
	systemBase := stackTop
	total := systemBase + systemRegionBudget + guestMemoryMargin

	return guestLayoutPlan{
		stackTop:    stackTop,
		ownedBase:   ownedBase,
		foreignBase: foreignBase,
		systemBase:  systemBase,
		totalSize:   total,
	}
}

// Setup brings the guest from "ELF loaded into host memory" to "first
// instruction executed, runtime ready to service Call": it opens the KVM
// device, copies every ELF region, the stack, and the two arenas into
// guest-physical memory, assembles the bootstrap system region, programs
// the vCPU for long-mode entry, and runs the guest until it halts (by
// convention, the guest's _start performs one-time initialisation and then
// executes HLT, handing control back to the host).
func (rt *Runtime) Setup(ctx context.Context) error {
	if rt.vmCfg.Debug {
		if err := debug.OpenFile("bmvm-trace.bin"); err != nil {
			rt.logger.Warn("bmvm: call trace file not opened", "error", err)
		}
	}

	plan := rt.planLayout()

	vm, err := kvm.Open(kvm.DefaultKVMDevice, 0, plan.totalSize)
	if err != nil {
		return fmt.Errorf("bmvm: open KVM: %w", err)
	}
	rt.vm = vm

	var content []layout.LayoutEntry
	for _, r := range rt.image.Regions {
		dst, err := vm.Bytes(r.Addr, uint64(len(r.Bytes)))
		if err != nil {
			rt.Close()
			return fmt.Errorf("bmvm: map ELF region at 0x%x: %w", r.Addr, err)
		}
		copy(dst, r.Bytes)
		entry, err := layout.NewLayoutEntry(r.Addr, uint32(len(r.Bytes)/align.Page4K), r.Flags)
		if err != nil {
			rt.Close()
			return fmt.Errorf("bmvm: layout entry for ELF region at 0x%x: %w", r.Addr, err)
		}
		content = append(content, entry)
	}

	ownedSize := align.Ceil(rt.vmCfg.SharedMemorySize, align.Page4K)
	ownedBytes, err := vm.Bytes(plan.ownedBase, ownedSize)
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: map owned arena: %w", err)
	}
	rt.ownedArena = vmi.NewArena(hostAddr(ownedBytes), ownedSize)
	ownedEntry, err := layout.NewLayoutEntry(plan.ownedBase, uint32(ownedSize/align.Page4K),
		layout.EntryFlags{Write: true, Access: layout.AccessSharedOwned})
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: owned arena layout entry: %w", err)
	}
	content = append(content, ownedEntry)

	foreignBytes, err := vm.Bytes(plan.foreignBase, ownedSize)
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: map foreign arena: %w", err)
	}
	rt.foreignArena = vmi.NewArena(hostAddr(foreignBytes), ownedSize)
	foreignEntry, err := layout.NewLayoutEntry(plan.foreignBase, uint32(ownedSize/align.Page4K),
		layout.EntryFlags{Write: true, Access: layout.AccessSharedForeign})
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: foreign arena layout entry: %w", err)
	}
	content = append(content, foreignEntry)

	stackSize := plan.stackTop - (plan.foreignBase + ownedSize)
	stackBase := plan.stackTop - stackSize
	stackEntry, err := layout.NewLayoutEntry(stackBase, uint32(stackSize/align.Page4K),
		layout.EntryFlags{Write: true, Stack: true})
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: stack layout entry: %w", err)
	}
	content = append(content, stackEntry)

	sysImg, err := bootstrap.Build(plan.systemBase, content, 0, func(addr uint64, data []byte) error {
		dst, err := vm.Bytes(addr, uint64(len(data)))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	})
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: assemble bootstrap region: %w", err)
	}

	vcpu, err := vm.NewVCPU()
	if err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: create vCPU: %w", err)
	}
	rt.vcpu = vcpu

	if err := vcpu.SetLongMode(sysImg.Root,
		plan.systemBase+bootstrap.GDTOffset, bootstrap.GDTSize,
		plan.systemBase+bootstrap.IDTOffset, bootstrap.IDTSize,
		kvm.LongModeSelectors{Code: bootstrap.CodeSelector, Data: bootstrap.DataSelector}); err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: program long mode: %w", err)
	}
	if err := vcpu.SetEntry(rt.image.Entry, plan.stackTop, rt.vmCfg.Debug); err != nil {
		rt.Close()
		return fmt.Errorf("bmvm: program entry: %w", err)
	}

	exit, err := vcpu.RunLoop(ctx, rt.dispatchHypercall)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			rt.reportFault("guest init")
		}
		return fmt.Errorf("bmvm: guest init run: %w", err)
	}
	if exit.Kind != kvm.ExitHalt {
		rt.reportFault("guest init")
		return fmt.Errorf("bmvm: guest init stopped unexpectedly: %+v", exit)
	}
	return nil
}

// reportFault logs the vCPU's general and special registers and dumps the
// 4 KiB guest-physical page containing RIP to dump_<addr>.bin, the fatal-
// exit error-handling contract every unexpected-exit path follows before
// returning its error. It never returns an error itself: a failure to
// produce the diagnostic must not mask the original fault.
func (rt *Runtime) reportFault(context string) {
	regs := rt.vcpu.Registers()
	sregs, err := rt.vcpu.Sregs()
	if err != nil {
		rt.logger.Error("bmvm: fault: read sregs", "context", context, "error", err)
	}
	rt.logger.Error("bmvm: unexpected guest exit", "context", context, "regs", regs, "sregs", sregs)
	debug.WithSource("bmvm.fault").Writef("context=%s regs=%+v sregs=%+v", context, regs, sregs)

	if rt.vm == nil {
		return
	}
	page := regs.RIP &^ (align.Page4K - 1)
	data, err := rt.vm.Bytes(page, align.Page4K)
	if err != nil {
		rt.logger.Error("bmvm: fault: region unavailable", "addr", page, "error", err)
		return
	}
	path := fmt.Sprintf("dump_0x%x.bin", page)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		rt.logger.Error("bmvm: fault: write region dump", "path", path, "error", err)
		return
	}
	rt.logger.Error("bmvm: fault region dumped", "path", path)
}

// dispatchHypercall is the vCPU IO-exit callback bound to the hypercall
// port; the exit port is handled by Call's own RunLoop invocation since it
// carries the result of the one in-flight upcall rather than a guest-
// initiated request.
func (rt *Runtime) dispatchHypercall(port uint16, data []byte) (stop bool, err error) {
	if port != hypercallIOPort {
		return false, fmt.Errorf("bmvm: unexpected IO port 0x%x", port)
	}
	regs := rt.vcpu.Registers()
	sig := vmi.Signature(regs.RBX)
	handler, err := rt.hypercalls.Lookup(sig)
	if err != nil {
		rt.logger.Warn("bmvm: hypercall to unknown signature", "signature", sig)
		regs.RBX = exitCodeUnknownUpcall
		regs.R8, regs.R9 = 0, 0
		rt.vcpu.SetRegisters(regs)
		return false, nil
	}

	if rt.vmCfg.Debug {
		debug.WithSource("vmi.hypercall").Writef("sig=%d port=0x%x", sig, port)
	}

	result, err := handler(vmi.Transport{Primary: regs.R8, Secondary: regs.R9}, vmi.Transport{})
	if err != nil {
		rt.logger.Warn("bmvm: hypercall handler error", "signature", sig, "error", err)
		result = vmi.Transport{}
	}
	regs.R8, regs.R9 = result.Primary, result.Secondary
	rt.vcpu.SetRegisters(regs)
	return false, nil
}

const (
	hypercallIOPort = 0x0434
	exitIOPort      = 0x0435
)

// Close releases every hardware resource this runtime owns. It is safe to
// call multiple times.
func (rt *Runtime) Close() error {
	var firstErr error
	if rt.vcpu != nil {
		if err := rt.vcpu.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.vcpu = nil
	}
	if rt.vm != nil {
		if err := rt.vm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.vm = nil
	}
	if rt.vmCfg.Debug {
		if err := debug.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OwnedArena is the host's outgoing arena (the guest's foreign arena); use
// it to Emit a buffer before passing it as a Call parameter.
func (rt *Runtime) OwnedArena() *vmi.Arena { return rt.ownedArena }

// ForeignArena is the guest's outgoing arena (the host's foreign arena);
// a buffer Call returns is decoded against it.
func (rt *Runtime) ForeignArena() *vmi.Arena { return rt.foreignArena }

// Call invokes one guest-exposed function by name, synchronously: it packs
// params into the transport word pair, resumes the vCPU at the function's
// upcall wrapper entry point, services any nested hypercalls the guest
// issues while the upcall runs, and decodes the result once the guest
// exits on the exit port with code Return.
func Call[P, R vmi.Param](ctx context.Context, rt *Runtime, name string, params P) (R, error) {
	var zero R
	rec, ok := rt.exposeRecs[name]
	if !ok {
		return zero, fmt.Errorf("bmvm: guest does not expose %q", name)
	}
	entryRVA, err := rt.exposeTable.EntryRVA(rec.Signature)
	if err != nil {
		return zero, fmt.Errorf("bmvm: %q: %w", name, err)
	}

	if rt.vmCfg.Debug {
		debug.WithSource("vmi.call").Writef("name=%s sig=%d", name, rec.Signature)
	}

	paramTransport := vmi.IntoTransportParam(params)
	regs := rt.vcpu.Registers()
	regs.RBX = uint64(rec.Signature)
	regs.R8 = paramTransport.Primary
	regs.R9 = paramTransport.Secondary
	regs.RIP = entryRVA
	rt.vcpu.SetRegisters(regs)

	var result R
	var callErr error
	var decodeErr error
	stopOnExit := func(port uint16, data []byte) (bool, error) {
		if port == hypercallIOPort {
			return rt.dispatchHypercall(port, data)
		}
		if port != exitIOPort {
			return false, fmt.Errorf("bmvm: unexpected IO port 0x%x", port)
		}
		regs := rt.vcpu.Registers()
		code := regs.RAX & 0xFF
		switch code {
		case exitCodeReturn:
			result, decodeErr = vmi.FromTransportParam[R](vmi.Transport{Primary: regs.R8, Secondary: regs.R9}, rt.foreignArena)
			return true, nil
		default:
			callErr = fmt.Errorf("bmvm: guest call %q faulted with exit code %d (rbx=0x%x)", name, code, regs.RBX)
			return true, nil
		}
	}

	exit, err := rt.vcpu.RunLoop(ctx, stopOnExit)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			rt.reportFault(fmt.Sprintf("call %q", name))
		}
		return zero, fmt.Errorf("bmvm: call %q: %w", name, err)
	}
	if exit.Kind != kvm.ExitIOOut {
		rt.reportFault(fmt.Sprintf("call %q", name))
		return zero, fmt.Errorf("bmvm: call %q ended on unexpected exit %+v", name, exit)
	}
	if callErr != nil {
		rt.reportFault(fmt.Sprintf("call %q", name))
		return zero, callErr
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("bmvm: call %q: decode result: %w", name, decodeErr)
	}
	return result, nil
}

const (
	exitCodeReturn        = 0
	exitCodeUnknownUpcall = 2
)

func hostAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
