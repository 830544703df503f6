package bmvm

import (
	"testing"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/elfload"
	"github.com/nelsongillo/bmvm/internal/vmi"
)

func TestPlanLayoutOrdersRegionsWithoutOverlap(t *testing.T) {
	rt := &Runtime{
		vmCfg: VMConfig{StackSize: 64 * 1024, SharedMemorySize: 128 * 1024},
		image: &elfload.Image{
			Regions: []elfload.Region{{Addr: 0x400000, Bytes: make([]byte, 0x2000)}},
			Entry:   0x400000,
		},
	}

	plan := rt.planLayout()

	if plan.ownedBase < 0x400000+0x2000 {
		t.Fatalf("owned arena base 0x%x overlaps the code region", plan.ownedBase)
	}
	if plan.foreignBase <= plan.ownedBase {
		t.Fatalf("foreign arena base must follow the owned arena")
	}
	if plan.stackTop <= plan.foreignBase {
		t.Fatalf("stack must follow the foreign arena")
	}
	if plan.systemBase != plan.stackTop {
		t.Fatalf("system region must immediately follow the stack")
	}
	if !(plan.totalSize > plan.systemBase) {
		t.Fatalf("total size must cover the system region")
	}
	if plan.ownedBase%align.Page4K != 0 || plan.foreignBase%align.Page4K != 0 || plan.stackTop%align.Page4K != 0 {
		t.Fatalf("every region boundary must be page aligned")
	}
}

func TestRegisterGuestFunctionDerivesDeterministicSignature(t *testing.T) {
	fn := func(CallContext, uint32) (uint32, error) { return 0, nil }
	a := RegisterGuestFunction("double", "u32", "u32", fn)
	b := RegisterGuestFunction("double", "u32", "u32", fn)

	if a.record.Signature != b.record.Signature {
		t.Fatalf("signature must be deterministic: %d vs %d", a.record.Signature, b.record.Signature)
	}

	c := RegisterGuestFunction("triple", "u32", "u32", fn)
	if a.record.Signature == c.record.Signature {
		t.Fatalf("different names must not collide: both hashed to %d", a.record.Signature)
	}
}

func TestRegisterGuestFunctionAcceptsBufferParam(t *testing.T) {
	fn := func(cc CallContext, buf vmi.SharedBuf) (vmi.ForeignBuf, error) {
		return vmi.ForeignBuf{}, nil
	}
	u := RegisterGuestFunction("reverse", "buf", "buf", fn)

	if u.record.ParamType[0] != "buf" || u.record.RetType != "buf" {
		t.Fatalf("expected buf/buf record, got %+v", u.record)
	}
}
