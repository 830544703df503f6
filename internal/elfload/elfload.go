// Package elfload loads a freestanding 64-bit ELF executable into a set of
// host-backed regions ready to be mapped into a guest's physical address
// space, and extracts the VMI metadata sections the linker needs.
package elfload

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/layout"
)

// MinTextSegment is the lowest entry point this loader accepts; anything
// below it almost certainly indicates a misbuilt or non-freestanding image.
const MinTextSegment = 0x400000

var (
	ErrNotAFile             = errors.New("elfload: input is not a regular file")
	ErrFileTooSmall         = errors.New("elfload: file is smaller than an ELF64 header plus one program header")
	ErrUnsupportedPlatform  = errors.New("elfload: ELF machine is not x86_64")
	ErrElfParse             = errors.New("elfload: failed to parse ELF")
	ErrSectionTooLarge      = errors.New("elfload: section exceeds the sane metadata size limit")
	ErrNoSectionForSegment  = errors.New("elfload: PT_LOAD segment has no section matching a known role")
	ErrInvalidEntryPoint    = errors.New("elfload: entry point is below the minimum text segment address")
)

// ErrUnsupportedSection names a section whose role could not be classified.
type ErrUnsupportedSection struct {
	Name string
}

func (e *ErrUnsupportedSection) Error() string {
	return fmt.Sprintf("elfload: unsupported section %q", e.Name)
}

// maxMetadataSectionSize bounds how large a VMI metadata section may be,
// guarding against a corrupt or hostile binary exhausting host memory.
const maxMetadataSectionSize = 16 << 20

// Region is one host-backed loadable segment, ready to be handed to the
// paging builder and memory mapper.
type Region struct {
	Addr  uint64 // floor-aligned guest physical address
	Bytes []byte // page-aligned backing bytes, file contents copied in, rest zero
	Flags layout.EntryFlags
}

// Image is the result of loading an ELF executable: its loadable regions,
// entry point, and any VMI metadata sections present.
type Image struct {
	Regions    []Region
	Entry      uint64
	HostTable  []byte // .bmvm.vmi.host
	ExposeTable []byte // .bmvm.vmi.expose
	ExposeCalls []byte // .bmvm.vmi.expose.calls
}

// sectionRole classifies a section name into the permission bucket the
// layout table and paging builder use.
type sectionRole struct {
	code  bool
	write bool
}

func classifySection(name string) (sectionRole, bool) {
	switch {
	case strings.HasPrefix(name, ".text"):
		return sectionRole{code: true}, true
	case strings.HasPrefix(name, ".rodata"), strings.HasPrefix(name, ".eh_frame"), strings.HasPrefix(name, ".got"):
		return sectionRole{}, true
	case strings.HasPrefix(name, ".data"), strings.HasPrefix(name, ".bss"):
		return sectionRole{write: true}, true
	default:
		return sectionRole{}, false
	}
}

// Load parses r as a freestanding x86-64 ELF64 executable and builds the set
// of host-backed regions its PT_LOAD segments describe.
func Load(r io.ReaderAt, size int64) (*Image, error) {
	if size < 64+56 {
		return nil, ErrFileTooSmall
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrElfParse, err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, ErrUnsupportedPlatform
	}
	if f.Machine != elf.EM_X86_64 {
		return nil, ErrUnsupportedPlatform
	}

	if f.Entry < MinTextSegment {
		return nil, fmt.Errorf("%w: entry 0x%x < 0x%x", ErrInvalidEntryPoint, f.Entry, MinTextSegment)
	}

	img := &Image{Entry: f.Entry}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Memsz == 0 {
			continue
		}

		pStart := align.Floor(prog.Vaddr, align.Page4K)
		pEnd := align.Ceil(prog.Vaddr+prog.Memsz, align.Page4K)

		role, err := segmentRole(f, prog)
		if err != nil {
			return nil, err
		}

		buf := make([]byte, pEnd-pStart)
		fileOff := prog.Vaddr - pStart
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(buf[fileOff:fileOff+prog.Filesz], 0); err != nil {
				return nil, fmt.Errorf("elfload: reading PT_LOAD segment at 0x%x: %w", prog.Vaddr, err)
			}
		}

		img.Regions = append(img.Regions, Region{
			Addr:  pStart,
			Bytes: buf,
			Flags: layout.EntryFlags{Code: role.code, Write: role.write},
		})
	}

	if len(img.Regions) == 0 {
		return nil, fmt.Errorf("elfload: no PT_LOAD segments present")
	}

	img.HostTable, err = readMetadataSection(f, ".bmvm.vmi.host")
	if err != nil {
		return nil, err
	}
	img.ExposeTable, err = readMetadataSection(f, ".bmvm.vmi.expose")
	if err != nil {
		return nil, err
	}
	img.ExposeCalls, err = readMetadataSection(f, ".bmvm.vmi.expose.calls")
	if err != nil {
		return nil, err
	}

	return img, nil
}

// segmentRole determines a PT_LOAD segment's code/write role from the union
// of the sections that overlap it. Write dominates for data, executable
// dominates for code, matching the "union of permissions wins" rule. Any
// overlapping section whose name cannot be classified fails loading.
func segmentRole(f *elf.File, prog *elf.Prog) (sectionRole, error) {
	var union sectionRole
	found := false
	for _, sec := range f.Sections {
		if sec.Addr == 0 || sec.Size == 0 {
			continue
		}
		if sec.Addr < prog.Vaddr || sec.Addr+sec.Size > prog.Vaddr+prog.Memsz {
			continue
		}
		role, ok := classifySection(sec.Name)
		if !ok {
			return sectionRole{}, &ErrUnsupportedSection{Name: sec.Name}
		}
		found = true
		union.code = union.code || role.code
		union.write = union.write || role.write
	}
	if !found {
		return sectionRole{}, fmt.Errorf("%w: segment at 0x%x", ErrNoSectionForSegment, prog.Vaddr)
	}
	return union, nil
}

func readMetadataSection(f *elf.File, name string) ([]byte, error) {
	sec := f.Section(name)
	if sec == nil {
		return nil, nil
	}
	if sec.Size > maxMetadataSectionSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSectionTooLarge, name, sec.Size)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("elfload: reading section %s: %w", name, err)
	}
	return bytes.Clone(data), nil
}
