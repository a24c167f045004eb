package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "tool %q not found", "t1")
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %q, want %q", KindOf(err), KindNotFound)
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("KindOf(wrapped) = %q, want %q", KindOf(wrapped), KindNotFound)
	}

	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors should map to KindUnknown")
	}
}

func TestWrapPreservesExistingKind(t *testing.T) {
	inner := New(KindAccessDenied, "access denied")
	out := Wrap(KindUnknown, fmt.Errorf("route: %w", inner))
	if out.Kind != KindAccessDenied {
		t.Fatalf("Wrap rewrote kind to %q", out.Kind)
	}
}

func TestScrubMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Error invoking remote method 'dataverse:retrieve': Entity does not exist", "Entity does not exist"},
		{"Error: invalid client secret", "invalid client secret"},
		{"Error: Error: doubled", "doubled"},
		{"already clean", "already clean"},
	}
	for _, tc := range tests {
		if got := ScrubMessage(tc.in); got != tc.want {
			t.Errorf("ScrubMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeDropsCause(t *testing.T) {
	cause := errors.New("stack detail: secret internals")
	err := Wrap(KindNetworkError, cause)
	out := Sanitize(err)
	if out.Unwrap() != nil {
		t.Fatal("sanitized error must not carry the original cause")
	}
	if out.Kind != KindNetworkError {
		t.Fatalf("Sanitize kind = %q, want %q", out.Kind, KindNetworkError)
	}
}

func TestWithDetail(t *testing.T) {
	err := New(KindVersionIncompatible, "tool requires newer host").
		WithDetail("reason", "toolbox-too-old").
		WithDetail("requiredVersion", "1.5.0")
	if err.Detail["reason"] != "toolbox-too-old" {
		t.Fatalf("detail = %v", err.Detail)
	}
	if Sanitize(err).Detail["requiredVersion"] != "1.5.0" {
		t.Fatal("Sanitize must keep detail")
	}
}
