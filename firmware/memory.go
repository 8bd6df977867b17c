package firmware

import (
	"fmt"

	"github.com/moffa90/go-anchordfu/protocol"
)

// Flash geometry of the anchor MCU.
const (
	// FlashSize is the total on-chip flash (512 KiB)
	FlashSize = 512 * 1024

	// PageSize is the erase/write granularity of the flash
	PageSize = protocol.MaxChunkLen

	// FillByte is the value of erased flash; images are padded with it
	FillByte = 0xFF
)

// Region is a contiguous, page-aligned span of flash.
type Region struct {
	// Name is a human-readable label
	Name string

	// Start is the first flash address of the region
	Start uint32

	// Size is the region length in bytes
	Size uint32
}

// End returns the last address inside the region (inclusive).
func (r Region) End() uint32 {
	return r.Start + r.Size - 1
}

// Contains reports whether the n bytes starting at addr lie inside the region.
func (r Region) Contains(addr uint32, n int) bool {
	if addr < r.Start || n < 0 {
		return false
	}
	return uint64(addr)+uint64(n) <= uint64(r.Start)+uint64(r.Size)
}

func (r Region) String() string {
	return fmt.Sprintf("%s [0x%08X-0x%08X]", r.Name, r.Start, r.End())
}

// Memory map:
//
//	SoftDevice   28 pages  0x00000000 - 0x0001BFFF
//	Application  88 pages  0x0001C000 - 0x00073FFF
//	Config data   2 pages  0x00074000 - 0x00075FFF
//	Bootloader    9 pages  0x00076000 - 0x0007EFFF
//	MBR storage   1 page   0x0007F000 - 0x0007FFFF
var (
	SoftDeviceRegion = Region{Name: "softdevice", Start: 0x00000000, Size: 28 * PageSize}
	AppRegion        = Region{Name: "application", Start: 0x0001C000, Size: FlashSize - 40*PageSize}
	ConfigRegion     = Region{Name: "config-data", Start: 0x00074000, Size: 2 * PageSize}
	BootloaderRegion = Region{Name: "bootloader", Start: 0x00076000, Size: 9 * PageSize}
	MBRRegion        = Region{Name: "mbr-storage", Start: 0x0007F000, Size: 1 * PageSize}
)

// RegionFor returns the flash region an update of the given kind is written to.
func RegionFor(kind protocol.UpdateKind) (Region, error) {
	switch kind {
	case protocol.UpdateAppCode:
		return AppRegion, nil
	case protocol.UpdateConfigData:
		return ConfigRegion, nil
	default:
		return Region{}, fmt.Errorf("no flash region for %s", kind)
	}
}
