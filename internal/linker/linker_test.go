package linker

import (
	"errors"
	"testing"

	"github.com/nelsongillo/bmvm/internal/vmi"
)

func rec(name string, sig vmi.Signature) vmi.FunctionRecord {
	return vmi.FunctionRecord{Signature: sig, Name: name}
}

func TestLinkSucceedsOnMatchingTables(t *testing.T) {
	host := []vmi.FunctionRecord{rec("log_line", 1)}
	expose := []vmi.FunctionRecord{rec("log_line", 1)}
	guestHost := []vmi.FunctionRecord{rec("log_line", 1)}

	if err := Link(Config{ErrorUnusedHost: true, ErrorUnusedGuest: true}, host, expose, guestHost); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLinkDetectsMissingGuestExpose(t *testing.T) {
	host := []vmi.FunctionRecord{rec("log_line", 1)}
	err := Link(Config{ErrorUnusedHost: true}, host, nil, nil)
	if !errors.Is(err, ErrGuestFunctionMissing) {
		t.Fatalf("expected ErrGuestFunctionMissing, got %v", err)
	}
}

func TestLinkDetectsSignatureMismatch(t *testing.T) {
	host := []vmi.FunctionRecord{rec("log_line", 1)}
	expose := []vmi.FunctionRecord{rec("log_line", 2)}
	err := Link(Config{ErrorUnusedHost: true}, host, expose, nil)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestLinkIgnoresUnusedGuestHostByDefault(t *testing.T) {
	guestHost := []vmi.FunctionRecord{rec("undeclared", 9)}
	if err := Link(Config{}, nil, nil, guestHost); err != nil {
		t.Fatalf("unexpected error with ErrorUnusedGuest off: %v", err)
	}
}

func TestLinkDetectsUnusedGuestHostWhenStrict(t *testing.T) {
	guestHost := []vmi.FunctionRecord{rec("undeclared", 9)}
	err := Link(Config{ErrorUnusedGuest: true}, nil, nil, guestHost)
	if !errors.Is(err, ErrHostFunctionUnused) {
		t.Fatalf("expected ErrHostFunctionUnused, got %v", err)
	}
}
