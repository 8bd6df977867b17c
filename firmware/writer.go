package firmware

import (
	"io"
	"os"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

// HexLineLength is the number of data bytes per Intel HEX record written by WriteHex.
const HexLineLength = 16

// WriteBinary writes the padded image bytes to path.
func WriteBinary(path string, img *Image) error {
	if err := os.WriteFile(path, img.data, 0o644); err != nil {
		return errors.Wrap(err, "write binary image")
	}
	return nil
}

// WriteHex writes the image as Intel HEX records placed at the start of its
// flash region.
func WriteHex(path string, img *Image) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create hex image")
	}

	if err := EncodeHex(f, img.Region().Start, img.data); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "close hex image")
}

// EncodeHex writes data as Intel HEX records starting at address addr.
func EncodeHex(w io.Writer, addr uint32, data []byte) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(addr, data); err != nil {
		return errors.Wrap(err, "add hex segment")
	}
	if err := mem.DumpIntelHex(w, HexLineLength); err != nil {
		return errors.Wrap(err, "dump intel hex")
	}
	return nil
}
