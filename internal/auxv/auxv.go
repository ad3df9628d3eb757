// Package auxv reads the process's own auxiliary vector from
// /proc/self/auxv. dl.Init reads it but does not register the running
// executable in the registry.
package auxv

import (
	"encoding/binary"
	"os"

	"github.com/zboralski/galago/internal/dlerrors"
)

const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atEntry  = 9
	atBase   = 7
	atPageSz = 6
)

// Info holds the auxv entries dl.Init needs to locate the main program's
// own program headers without re-parsing its ELF image.
type Info struct {
	PHdr     uint64
	PHEnt    uint64
	PHNum    uint64
	Entry    uint64
	BaseAddr uint64
	PageSize uint64
}

// Read parses /proc/self/auxv. Each entry is a pointer-width (type, value)
// pair terminated by AT_NULL.
func Read() (*Info, error) {
	data, err := os.ReadFile("/proc/self/auxv")
	if err != nil {
		return nil, dlerrors.Wrap(dlerrors.IoError, err)
	}
	return parse(data), nil
}

// parse decodes a raw auxv byte buffer, split out of Read so tests can
// exercise the tag/value walk without depending on /proc.
func parse(data []byte) *Info {
	const entSize = 16 // two 8-byte words on every supported 64-bit arch
	info := &Info{PageSize: 0x1000}
	for off := 0; off+entSize <= len(data); off += entSize {
		tag := binary.LittleEndian.Uint64(data[off:])
		val := binary.LittleEndian.Uint64(data[off+8:])
		switch tag {
		case atNull:
			return info
		case atPhdr:
			info.PHdr = val
		case atPhent:
			info.PHEnt = val
		case atPhnum:
			info.PHNum = val
		case atEntry:
			info.Entry = val
		case atBase:
			info.BaseAddr = val
		case atPageSz:
			if val != 0 {
				info.PageSize = val
			}
		}
	}
	return info
}
