package vmi

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// FunctionRecord is the on-the-wire description of one host or guest
// function, as it appears in the guest's HOST/EXPOSE metadata sections. The
// guest toolchain emits these at compile time from its macro-annotated
// functions; the host side builds the same shape at registration time so
// the two can be compared byte-for-byte through their signatures.
type FunctionRecord struct {
	Signature Signature
	Name      string
	ParamType []string
	RetType   string // empty for "()" / no return value
}

// ParseFunctionTable decodes a concatenated sequence of function records out
// of a metadata section's raw bytes. Each record is:
//
//	u64 signature (LE)
//	cstr name (NUL-terminated)
//	u8 param count
//	cstr param type name, repeated param count times
//	cstr return type name (empty string for no return value)
func ParseFunctionTable(data []byte) ([]FunctionRecord, error) {
	var out []FunctionRecord
	for len(data) > 0 {
		if len(data) < 8 {
			return nil, fmt.Errorf("vmi: truncated function record: %d bytes left, need 8 for signature", len(data))
		}
		sig := Signature(binary.LittleEndian.Uint64(data))
		data = data[8:]

		name, rest, err := readCString(data)
		if err != nil {
			return nil, fmt.Errorf("vmi: function name: %w", err)
		}
		data = rest

		if len(data) < 1 {
			return nil, fmt.Errorf("vmi: truncated function record %q: missing param count", name)
		}
		paramCount := int(data[0])
		data = data[1:]

		var params []string
		for i := 0; i < paramCount; i++ {
			p, rest, err := readCString(data)
			if err != nil {
				return nil, fmt.Errorf("vmi: function %q param %d: %w", name, i, err)
			}
			params = append(params, p)
			data = rest
		}

		ret, rest, err := readCString(data)
		if err != nil {
			return nil, fmt.Errorf("vmi: function %q return type: %w", name, err)
		}
		data = rest

		out = append(out, FunctionRecord{Signature: sig, Name: name, ParamType: params, RetType: ret})
	}
	return out, nil
}

func readCString(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("unterminated string")
}

// EncodeFunctionTable is the inverse of ParseFunctionTable, used by the host
// side to build its own registration table in the same wire shape the guest
// toolchain produces, so the two can be diffed identically.
func EncodeFunctionTable(records []FunctionRecord) []byte {
	var out []byte
	for _, r := range records {
		var sig [8]byte
		binary.LittleEndian.PutUint64(sig[:], uint64(r.Signature))
		out = append(out, sig[:]...)
		out = append(out, []byte(r.Name)...)
		out = append(out, 0)
		out = append(out, byte(len(r.ParamType)))
		for _, p := range r.ParamType {
			out = append(out, []byte(p)...)
			out = append(out, 0)
		}
		out = append(out, []byte(r.RetType)...)
		out = append(out, 0)
	}
	return out
}

// HypercallTable is the host-side dispatch table for guest-initiated calls:
// a slice of records sorted by signature, searched by binary search rather
// than a hash map, matching how the guest's own registry is laid out as a
// sorted linker section.
type HypercallTable struct {
	entries []hypercallEntry
}

type hypercallEntry struct {
	sig     Signature
	record  FunctionRecord
	handler func(Transport, Transport) (Transport, error)
}

// ErrUnknownFunction is returned by Lookup when no registered entry matches
// the requested signature.
var ErrUnknownFunction = fmt.Errorf("vmi: unknown function signature")

// NewHypercallTable builds an empty dispatch table.
func NewHypercallTable() *HypercallTable {
	return &HypercallTable{}
}

// Register adds a handler for the given record. The table must be sealed
// with Seal before first use. Register does not check whether Seal has
// already run: an entry added after Seal stays unsorted, and Lookup may miss
// it, until Seal is called again.
func (t *HypercallTable) Register(rec FunctionRecord, handler func(a, b Transport) (Transport, error)) {
	t.entries = append(t.entries, hypercallEntry{sig: rec.Signature, record: rec, handler: handler})
}

// Seal sorts the table by signature so Lookup can binary search it.
func (t *HypercallTable) Seal() {
	sort.Slice(t.entries, func(i, j int) bool { return t.entries[i].sig < t.entries[j].sig })
}

// Lookup finds the handler registered for sig via binary search over the
// sealed, signature-sorted table.
func (t *HypercallTable) Lookup(sig Signature) (func(Transport, Transport) (Transport, error), error) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].sig >= sig })
	if i < len(t.entries) && t.entries[i].sig == sig {
		return t.entries[i].handler, nil
	}
	return nil, ErrUnknownFunction
}

// Records returns the registered function records, in signature order,
// for building the HOST table the linker cross-checks against the guest's
// EXPOSE table.
func (t *HypercallTable) Records() []FunctionRecord {
	out := make([]FunctionRecord, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.record
	}
	return out
}
