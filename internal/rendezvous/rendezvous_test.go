package rendezvous

import "testing"

func names(entries []LinkMapEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestBeginAddLinksAtHead(t *testing.T) {
	d := &Debug{Version: 1}
	d.BeginAdd(&LinkMapEntry{Name: "a.so", Addr: 1})
	d.BeginAdd(&LinkMapEntry{Name: "b.so", Addr: 2})

	got := names(d.Snapshot())
	want := []string{"b.so", "a.so"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Snapshot() = %v, want %v (most recently added first)", got, want)
	}
	if d.State != Consistent {
		t.Errorf("State after BeginAdd = %v, want Consistent", d.State)
	}
}

func TestBeginDeleteUnlinksMiddleEntry(t *testing.T) {
	d := &Debug{Version: 1}
	d.BeginAdd(&LinkMapEntry{Name: "a.so"})
	d.BeginAdd(&LinkMapEntry{Name: "b.so"})
	d.BeginAdd(&LinkMapEntry{Name: "c.so"})

	d.BeginDelete("b.so")

	got := names(d.Snapshot())
	want := []string{"c.so", "a.so"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Snapshot() after deleting b.so = %v, want %v", got, want)
	}
	if d.State != Consistent {
		t.Errorf("State after BeginDelete = %v, want Consistent", d.State)
	}
}

func TestBeginDeleteHead(t *testing.T) {
	d := &Debug{Version: 1}
	d.BeginAdd(&LinkMapEntry{Name: "a.so"})
	d.BeginAdd(&LinkMapEntry{Name: "b.so"})

	d.BeginDelete("b.so") // head

	got := names(d.Snapshot())
	if len(got) != 1 || got[0] != "a.so" {
		t.Errorf("Snapshot() after deleting head = %v, want [a.so]", got)
	}
}

func TestBeginDeleteUnknownNameIsNoop(t *testing.T) {
	d := &Debug{Version: 1}
	d.BeginAdd(&LinkMapEntry{Name: "a.so"})
	d.BeginDelete("nonexistent.so")

	got := names(d.Snapshot())
	if len(got) != 1 || got[0] != "a.so" {
		t.Errorf("Snapshot() after deleting unknown name = %v, want [a.so] unchanged", got)
	}
}

func TestSnapshotEmptyWhenNothingLinked(t *testing.T) {
	d := &Debug{Version: 1}
	if got := d.Snapshot(); len(got) != 0 {
		t.Errorf("Snapshot() on empty Debug = %v, want empty", got)
	}
}
