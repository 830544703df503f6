// Package linker cross-checks the host's registered upcall table against a
// guest image's HOST/EXPOSE metadata so a mismatched build fails fast in
// Runtime.Build rather than faulting mid-call.
package linker

import (
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nelsongillo/bmvm/internal/vmi"
)

// ErrGuestFunctionMissing means a host-registered upcall has no matching
// entry in the guest's EXPOSE table.
var ErrGuestFunctionMissing = errors.New("linker: guest does not expose a registered host function")

// ErrSignatureMismatch means a function exists on both sides under the same
// name but with different structural signatures.
var ErrSignatureMismatch = errors.New("linker: signature mismatch")

// ErrHostFunctionUnused means the guest's HOST table references a function
// the host never registered.
var ErrHostFunctionUnused = errors.New("linker: guest references an unregistered host function")

// Config controls which mismatches are fatal.
type Config struct {
	// ErrorUnusedHost fails the link when a host registration has no
	// matching guest EXPOSE entry.
	ErrorUnusedHost bool
	// ErrorUnusedGuest fails the link when the guest's HOST table names a
	// function the host never registered. Off by default: a guest built
	// against a superset ABI is otherwise usable as long as it never calls
	// the missing import.
	ErrorUnusedGuest bool
}

// Link cross-checks host and guest tables concurrently, since neither
// direction depends on the other, and aggregates every mismatch into one
// joined error.
func Link(cfg Config, host []vmi.FunctionRecord, guestExpose []vmi.FunctionRecord, guestHost []vmi.FunctionRecord) error {
	hostByName := indexByName(host)
	exposeByName := indexByName(guestExpose)

	var g errgroup.Group
	errs := make([]error, 2)

	g.Go(func() error {
		errs[0] = checkHostAgainstExpose(cfg, host, exposeByName)
		return nil
	})
	g.Go(func() error {
		errs[1] = checkGuestHostAgainstHost(cfg, guestHost, hostByName)
		return nil
	})
	_ = g.Wait() // the goroutines themselves never return an error; they record into errs

	return errors.Join(errs[0], errs[1])
}

func indexByName(records []vmi.FunctionRecord) map[string]vmi.FunctionRecord {
	m := make(map[string]vmi.FunctionRecord, len(records))
	for _, r := range records {
		m[r.Name] = r
	}
	return m
}

// checkHostAgainstExpose verifies every host registration has a
// signature-matching entry in the guest's EXPOSE table.
func checkHostAgainstExpose(cfg Config, host []vmi.FunctionRecord, exposeByName map[string]vmi.FunctionRecord) error {
	var errs []error
	for _, h := range host {
		g, ok := exposeByName[h.Name]
		if !ok {
			if cfg.ErrorUnusedHost {
				errs = append(errs, fmt.Errorf("%w: %q", ErrGuestFunctionMissing, h.Name))
			}
			continue
		}
		if g.Signature != h.Signature {
			errs = append(errs, fmt.Errorf("%w: %q: host=%d guest=%d", ErrSignatureMismatch, h.Name, h.Signature, g.Signature))
		}
	}
	return errors.Join(errs...)
}

// checkGuestHostAgainstHost verifies every function the guest's HOST table
// imports is registered on the host side with a matching signature.
func checkGuestHostAgainstHost(cfg Config, guestHost []vmi.FunctionRecord, hostByName map[string]vmi.FunctionRecord) error {
	var errs []error
	for _, want := range guestHost {
		h, ok := hostByName[want.Name]
		if !ok {
			if cfg.ErrorUnusedGuest {
				errs = append(errs, fmt.Errorf("%w: %q", ErrHostFunctionUnused, want.Name))
			}
			continue
		}
		if h.Signature != want.Signature {
			errs = append(errs, fmt.Errorf("%w: %q: guest wants=%d host has=%d", ErrSignatureMismatch, want.Name, want.Signature, h.Signature))
		}
	}
	return errors.Join(errs...)
}

// sortRecords is exposed for tests that want a deterministic diff order.
func sortRecords(records []vmi.FunctionRecord) []vmi.FunctionRecord {
	out := append([]vmi.FunctionRecord(nil), records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
