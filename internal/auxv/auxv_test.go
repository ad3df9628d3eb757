package auxv

import (
	"encoding/binary"
	"testing"
)

func entry(tag, val uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[:8], tag)
	binary.LittleEndian.PutUint64(b[8:], val)
	return b
}

func TestParseCollectsKnownTags(t *testing.T) {
	var data []byte
	data = append(data, entry(atPhdr, 0x400040)...)
	data = append(data, entry(atPhent, 56)...)
	data = append(data, entry(atPhnum, 9)...)
	data = append(data, entry(atEntry, 0x401000)...)
	data = append(data, entry(atBase, 0x555000000000)...)
	data = append(data, entry(atPageSz, 0x10000)...)
	data = append(data, entry(atNull, 0)...)
	data = append(data, entry(atPhdr, 0xdeadbeef)...) // past AT_NULL, must be ignored

	info := parse(data)
	if info.PHdr != 0x400040 {
		t.Errorf("PHdr = %#x, want 0x400040", info.PHdr)
	}
	if info.PHEnt != 56 {
		t.Errorf("PHEnt = %d, want 56", info.PHEnt)
	}
	if info.PHNum != 9 {
		t.Errorf("PHNum = %d, want 9", info.PHNum)
	}
	if info.Entry != 0x401000 {
		t.Errorf("Entry = %#x, want 0x401000", info.Entry)
	}
	if info.BaseAddr != 0x555000000000 {
		t.Errorf("BaseAddr = %#x, want 0x555000000000", info.BaseAddr)
	}
	if info.PageSize != 0x10000 {
		t.Errorf("PageSize = %#x, want 0x10000", info.PageSize)
	}
}

func TestParseDefaultsPageSizeWhenAbsent(t *testing.T) {
	data := entry(atNull, 0)
	info := parse(data)
	if info.PageSize != 0x1000 {
		t.Errorf("PageSize = %#x, want default 0x1000", info.PageSize)
	}
}

func TestParseIgnoresZeroPageSizeEntry(t *testing.T) {
	var data []byte
	data = append(data, entry(atPageSz, 0)...)
	data = append(data, entry(atNull, 0)...)
	info := parse(data)
	if info.PageSize != 0x1000 {
		t.Errorf("PageSize = %#x, want default 0x1000 when AT_PAGESZ value is 0", info.PageSize)
	}
}

func TestReadRealProcAuxv(t *testing.T) {
	info, err := Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if info.PageSize == 0 {
		t.Error("PageSize = 0, want nonzero")
	}
}
