package firmware

import (
	"errors"
	"fmt"

	"github.com/moffa90/go-anchordfu/protocol"
)

// ErrInvalidImage is returned (wrapped) for any payload that cannot be
// transferred: empty, larger than its region, or placed outside it.
var ErrInvalidImage = errors.New("invalid image")

// Image is an immutable payload ready for transfer.
//
// The bytes are padded with FillByte to a whole number of pages, because the
// bootloader validates the image checksum over complete pages.
type Image struct {
	data       []byte
	payloadLen int
	kind       protocol.UpdateKind
	checksum   uint32
}

// NewImage validates data against the region for kind, copies it, pads it to
// the page size and computes the whole-image checksum.
func NewImage(data []byte, kind protocol.UpdateKind) (*Image, error) {
	region, err := RegionFor(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalidImage)
	}
	if uint64(len(data)) > uint64(region.Size) {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %s (%d bytes)",
			ErrInvalidImage, len(data), region, region.Size)
	}

	padded := Pad(data, PageSize)
	return &Image{
		data:       padded,
		payloadLen: len(data),
		kind:       kind,
		checksum:   protocol.Checksum(padded),
	}, nil
}

// Pad returns a copy of data extended with FillByte to a multiple of granularity.
func Pad(data []byte, granularity int) []byte {
	n := len(data)
	if granularity > 0 && n%granularity != 0 {
		n += granularity - n%granularity
	}

	out := make([]byte, n)
	copy(out, data)
	for i := len(data); i < n; i++ {
		out[i] = FillByte
	}
	return out
}

// Bytes returns a copy of the padded image.
func (i *Image) Bytes() []byte {
	out := make([]byte, len(i.data))
	copy(out, i.data)
	return out
}

// Len returns the padded image length in bytes.
func (i *Image) Len() int { return len(i.data) }

// PayloadLen returns the length of the payload before padding.
func (i *Image) PayloadLen() int { return i.payloadLen }

// Kind returns the update kind the image was built for.
func (i *Image) Kind() protocol.UpdateKind { return i.kind }

// Checksum returns the CRC-32 of the padded image.
func (i *Image) Checksum() uint32 { return i.checksum }

// Region returns the flash region the image targets.
func (i *Image) Region() Region {
	r, _ := RegionFor(i.kind)
	return r
}
