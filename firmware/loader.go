package firmware

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"

	"github.com/moffa90/go-anchordfu/protocol"
)

// Load reads an image from path. Files ending in .hex, .ihex or .ihx are
// parsed as Intel HEX; anything else is treated as a raw binary that starts
// at the beginning of the target region.
//
// Example:
//
//	img, err := firmware.Load("anchor_app.hex", protocol.UpdateAppCode)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%d bytes, crc 0x%08X\n", img.Len(), img.Checksum())
func Load(path string, kind protocol.UpdateKind) (*Image, error) {
	if IsHexPath(path) {
		return LoadHex(path, kind)
	}
	return LoadBinary(path, kind)
}

// IsHexPath reports whether path has an Intel HEX extension.
func IsHexPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return true
	}
	return false
}

// LoadBinary reads a raw binary image from path.
func LoadBinary(path string, kind protocol.UpdateKind) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open binary image")
	}
	defer func() { _ = f.Close() }()

	img, err := ReadBinary(f, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return img, nil
}

// ReadBinary reads a raw binary image from r.
func ReadBinary(r io.Reader, kind protocol.UpdateKind) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read binary image")
	}
	return NewImage(data, kind)
}

// LoadHex reads an Intel HEX image from path.
func LoadHex(path string, kind protocol.UpdateKind) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open hex image")
	}
	defer func() { _ = f.Close() }()

	img, err := ReadHex(f, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return img, nil
}

// ReadHex parses Intel HEX records from r and flattens them into an image for
// the region of kind. Every data record must fall inside that region; gaps
// between records are filled with FillByte. The payload always starts at the
// region's first address.
func ReadHex(r io.Reader, kind protocol.UpdateKind) (*Image, error) {
	region, err := RegionFor(kind)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrapf(ErrInvalidImage, "parse intel hex: %v", err)
	}

	segments := mem.GetDataSegments()
	if len(segments) == 0 {
		return nil, errors.Wrap(ErrInvalidImage, "hex file has no data records")
	}

	var end uint32
	for _, seg := range segments {
		if !region.Contains(seg.Address, len(seg.Data)) {
			return nil, errors.Wrapf(ErrInvalidImage,
				"segment 0x%08X+%d lies outside %s", seg.Address, len(seg.Data), region)
		}
		if segEnd := seg.Address - region.Start + uint32(len(seg.Data)); segEnd > end {
			end = segEnd
		}
	}

	data := bytes.Repeat([]byte{FillByte}, int(end))
	for _, seg := range segments {
		copy(data[seg.Address-region.Start:], seg.Data)
	}

	return NewImage(data, kind)
}
