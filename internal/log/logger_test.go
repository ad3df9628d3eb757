package log

import "testing"

func TestHexFormatsWithoutPadding(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0x0"},
		{0xff, "0xff"},
		{0xdeadbeef, "0xdeadbeef"},
	}
	for _, c := range cases {
		if got := Hex(c.in); got != c.want {
			t.Errorf("Hex(%#x) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewDebugAndProductionBuildUsableLoggers(t *testing.T) {
	if l := New(true); l == nil || l.Logger == nil {
		t.Fatal("New(true) returned a logger with a nil zap core")
	}
	if l := New(false); l == nil || l.Logger == nil {
		t.Fatal("New(false) returned a logger with a nil zap core")
	}
}

func TestNewNopDoesNotPanicOnUse(t *testing.T) {
	l := NewNop()
	l.ObjectLoaded("libfoo.so", 0x1000, 0x2000, "session-1")
	l.RelocApplied("libfoo.so", 7, 0x2000, "sym")
	l.InitRun("libfoo.so", "ctor", 0)
	l.WithCategory("dl").Info("noop category log")
}

func TestInitIsSafeToCallMultipleTimes(t *testing.T) {
	Init(true)
	first := L
	Init(false)
	if L != first {
		t.Error("second Init() call replaced the global logger; Init should only take effect once")
	}
}
