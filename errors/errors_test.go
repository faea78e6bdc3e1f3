package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:     PhaseDispatch,
				Kind:      KindCallback,
				Op:        "handle_request",
				ClientID:  7,
				HasClient: true,
				Detail:    "callback rejected",
			},
			contains: []string{"[dispatch]", "callback", "in handle_request", "client 7", "callback rejected"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDecode,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[decode]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseAlloc,
				Kind:   KindAllocation,
				Detail: "arena full",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[alloc]", "allocation", "arena full", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_ClientZeroIsPrinted(t *testing.T) {
	err := New(PhaseDispatch, KindNotFound).Client(0).Build()
	if !strings.Contains(err.Error(), "client 0") {
		t.Errorf("expected client 0 in %q", err.Error())
	}

	noClient := New(PhaseDispatch, KindNotFound).Build()
	if strings.Contains(noClient.Error(), "client") {
		t.Errorf("unexpected client in %q", noClient.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseEngine,
		Kind:  KindCall,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase:  PhaseSession,
		Kind:   KindClosed,
		Detail: "session 3 is closed",
	}

	if !err.Is(&Error{Phase: PhaseSession, Kind: KindClosed}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseDecode, Kind: KindClosed}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseSession, Kind: KindReentrant}) {
		t.Error("Is should not match different kind")
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if !errors.Is(wrapped, &Error{Phase: PhaseSession, Kind: KindClosed}) {
		t.Error("errors.Is should match through wrapping")
	}

	joined := errors.Join(errors.New("other"), err)
	if !errors.Is(joined, &Error{Phase: PhaseSession, Kind: KindClosed}) {
		t.Error("errors.Is should match inside a joined error")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseEngine, KindCall).
		Op("poll").
		Client(9).
		Value(uint64(0x40)).
		Cause(cause).
		Detail("expected %d results, got %d", 1, 0).
		Build()

	if err.Phase != PhaseEngine {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseEngine)
	}
	if err.Kind != KindCall {
		t.Errorf("Kind = %v, want %v", err.Kind, KindCall)
	}
	if err.Op != "poll" {
		t.Errorf("Op = %v, want poll", err.Op)
	}
	if !err.HasClient || err.ClientID != 9 {
		t.Errorf("ClientID = %v (set=%v), want 9", err.ClientID, err.HasClient)
	}
	if err.Value != uint64(0x40) {
		t.Errorf("Value = %v, want 0x40", err.Value)
	}
	if !errors.Is(err.Cause, cause) {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Detail != "expected 1 results, got 0" {
		t.Errorf("Detail = %v", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	t.Run("AllocationFailed", func(t *testing.T) {
		err := AllocationFailed(1024, nil)
		if err.Kind != KindAllocation || err.Phase != PhaseAlloc {
			t.Errorf("got %v/%v", err.Phase, err.Kind)
		}
		if !strings.Contains(err.Detail, "1024") {
			t.Errorf("Detail = %v, should contain size", err.Detail)
		}
	})

	t.Run("DoubleFree", func(t *testing.T) {
		err := DoubleFree(0x20)
		if err.Kind != KindDoubleFree {
			t.Errorf("Kind = %v, want %v", err.Kind, KindDoubleFree)
		}
		if !strings.Contains(err.Error(), "0x20") {
			t.Errorf("message %q should contain pointer", err.Error())
		}
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		err := OutOfBounds(PhaseDecode, 0x10, 12, 8)
		if err.Kind != KindOutOfBounds {
			t.Errorf("Kind = %v, want %v", err.Kind, KindOutOfBounds)
		}
		if err.Value != uint64(0x10) {
			t.Errorf("Value = %v, want 0x10", err.Value)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		err := Limit(PhaseDecode, "record count", 70000, 65536)
		if err.Kind != KindLimit {
			t.Errorf("Kind = %v, want %v", err.Kind, KindLimit)
		}
		if !strings.Contains(err.Detail, "70000") || !strings.Contains(err.Detail, "65536") {
			t.Errorf("Detail = %v", err.Detail)
		}
	})

	t.Run("UnknownSession", func(t *testing.T) {
		err := UnknownSession(4)
		if err.Kind != KindNotFound || err.Phase != PhaseDispatch {
			t.Errorf("got %v/%v", err.Phase, err.Kind)
		}
		if err.ClientID != 4 {
			t.Errorf("ClientID = %d, want 4", err.ClientID)
		}
	})

	t.Run("Callback", func(t *testing.T) {
		cause := errors.New("boom")
		err := Callback(2, cause)
		if !errors.Is(err, cause) {
			t.Error("Callback should wrap its cause")
		}
	})

	t.Run("Closed", func(t *testing.T) {
		err := Closed("session 5")
		if err.Kind != KindClosed {
			t.Errorf("Kind = %v, want %v", err.Kind, KindClosed)
		}
	})

	t.Run("Reentrant", func(t *testing.T) {
		err := Reentrant("submit")
		if err.Kind != KindReentrant || err.Op != "submit" {
			t.Errorf("got %v op=%q", err.Kind, err.Op)
		}
	})

	t.Run("Call", func(t *testing.T) {
		err := Call("new_engine", errors.New("trap"))
		if err.Phase != PhaseEngine || err.Kind != KindCall {
			t.Errorf("got %v/%v", err.Phase, err.Kind)
		}
		if !strings.Contains(err.Error(), "new_engine") {
			t.Errorf("message %q should name the export", err.Error())
		}
	})
}

func TestMissingExportsError(t *testing.T) {
	t.Run("lists exports", func(t *testing.T) {
		err := NewMissingExportsError("engine.wasm", []string{"alloc", "poll"})
		msg := err.Error()
		for _, s := range []string{"engine.wasm", "2 export(s)", "- alloc", "- poll"} {
			if !strings.Contains(msg, s) {
				t.Errorf("message %q should contain %q", msg, s)
			}
		}
	})

	t.Run("empty exports", func(t *testing.T) {
		err := NewMissingExportsError("", nil)
		if !strings.Contains(err.Error(), "no exports specified") {
			t.Errorf("empty error should have specific message, got: %s", err.Error())
		}
	})

	t.Run("copies input", func(t *testing.T) {
		in := []string{"free"}
		err := NewMissingExportsError("m", in)
		in[0] = "changed"
		if err.Exports[0] != "free" {
			t.Errorf("Exports aliased caller slice: %v", err.Exports)
		}
	})

	t.Run("errors.Is", func(t *testing.T) {
		err := NewMissingExportsError("m", []string{"alloc"})
		if !errors.Is(err, &MissingExportsError{}) {
			t.Error("errors.Is should match MissingExportsError")
		}
		if !errors.Is(err, &Error{Phase: PhaseLoad, Kind: KindMissingExport}) {
			t.Error("errors.Is should match load/missing_export")
		}
	})
}
