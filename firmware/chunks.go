package firmware

import (
	"fmt"

	"github.com/moffa90/go-anchordfu/protocol"
)

// Chunk is a view over a contiguous slice of an Image.
type Chunk struct {
	// Index is the 0-based position of the chunk in the image
	Index uint32

	// Data aliases the image bytes; it must not be modified
	Data []byte

	// Checksum is the CRC-32 of Data alone
	Checksum uint32
}

// Message returns the wire message that carries this chunk.
func (c Chunk) Message() protocol.Chunk {
	return protocol.Chunk{
		Index:    c.Index,
		Data:     c.Data,
		Checksum: c.Checksum,
	}
}

// Plan splits img into chunks of at most maxChunkLen bytes.
//
// Example:
//
//	chunks, err := firmware.Plan(img, protocol.MaxChunkLen)
//	for _, c := range chunks {
//	    fmt.Printf("chunk %d: %d bytes crc=0x%08X\n", c.Index, len(c.Data), c.Checksum)
//	}
func Plan(img *Image, maxChunkLen int) ([]Chunk, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: image cannot be nil", ErrInvalidImage)
	}
	return Split(img.data, maxChunkLen)
}

// Split divides data into ceil(len/maxChunkLen) chunks. Every chunk but the
// last is exactly maxChunkLen bytes, and no empty trailing chunk is produced.
// Each checksum is computed over its own slice only, so any chunk can be
// re-verified or resent on its own.
func Split(data []byte, maxChunkLen int) ([]Chunk, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: image length is zero", ErrInvalidImage)
	}
	if maxChunkLen <= 0 {
		return nil, fmt.Errorf("%w: max chunk length must be positive, got %d", ErrInvalidImage, maxChunkLen)
	}

	count := (len(data) + maxChunkLen - 1) / maxChunkLen
	chunks := make([]Chunk, 0, count)

	for i := 0; i < count; i++ {
		start := i * maxChunkLen
		end := min(start+maxChunkLen, len(data))
		slice := data[start:end:end]

		chunks = append(chunks, Chunk{
			Index:    uint32(i),
			Data:     slice,
			Checksum: protocol.Checksum(slice),
		})
	}

	return chunks, nil
}
