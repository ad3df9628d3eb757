package dlerrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{UnresolvedSymbolErr("foo"), `dl: unresolved symbol "foo"`},
		{UnsupportedRelocErr(99), "dl: unsupported relocation opcode 99"},
		{BadRelocErr(0x40), "dl: relocation target out of segment at offset 0x40"},
		{VersionMismatchErr("foo", "v2"), `dl: symbol "foo" version mismatch (needed "v2")`},
		{NotFoundErr("lib.so"), `dl: object "lib.so" not found`},
		{CircularDepErr("lib.so"), `dl: circular dependency on "lib.so"`},
		{New(MapFailed), "dl: MapFailed"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}

func TestWrapIncludesUnderlyingError(t *testing.T) {
	inner := errors.New("boom")
	e := Wrap(IoError, inner)
	if got := e.Error(); got != "dl: IoError: boom" {
		t.Errorf("Error() = %q, want %q", got, "dl: IoError: boom")
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is(e, inner): expected true via Unwrap")
	}
}

func TestIsMatchesKind(t *testing.T) {
	e := NotFoundErr("x.so")
	if !Is(e, NotFound) {
		t.Error("Is(e, NotFound): expected true")
	}
	if Is(e, BadImage) {
		t.Error("Is(e, BadImage): expected false")
	}
	if Is(fmt.Errorf("plain error"), NotFound) {
		t.Error("Is(plain error, NotFound): expected false for non-*Error")
	}
}

func TestKindString(t *testing.T) {
	if got := UnresolvedSymbol.String(); got != "UnresolvedSymbol" {
		t.Errorf("UnresolvedSymbol.String() = %q", got)
	}
	if got := Kind(999).String(); got != "Unknown" {
		t.Errorf("Kind(999).String() = %q, want Unknown", got)
	}
}
