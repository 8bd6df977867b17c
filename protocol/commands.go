package protocol

import (
	"encoding/binary"
	"fmt"
)

// MarshalBinary encodes a Request frame.
//
// Frame structure:
//
//	[KIND]
func (Request) MarshalBinary() ([]byte, error) {
	return []byte{byte(KindRequest)}, nil
}

// MarshalBinary encodes a Ready frame.
//
// Frame structure:
//
//	[KIND]
func (Ready) MarshalBinary() ([]byte, error) {
	return []byte{byte(KindReady)}, nil
}

// MarshalBinary encodes a Metadata frame.
//
// Frame structure:
//
//	[KIND][CRC(4)][CHUNKS(4)][LENGTH(4)][UPDATE_KIND]
//
// All multi-byte fields are little-endian.
func (m Metadata) MarshalBinary() ([]byte, error) {
	if !m.UpdateKind.Valid() {
		return nil, fmt.Errorf("invalid update kind %d", byte(m.UpdateKind))
	}

	frame := make([]byte, MetadataSize)
	frame[0] = byte(KindMetadata)
	binary.LittleEndian.PutUint32(frame[1:5], m.ImageChecksum)
	binary.LittleEndian.PutUint32(frame[5:9], m.ChunkCount)
	binary.LittleEndian.PutUint32(frame[9:13], m.ImageLength)
	frame[13] = byte(m.UpdateKind)

	return frame, nil
}

// MarshalBinary encodes a Begin frame.
//
// Frame structure:
//
//	[KIND]
func (Begin) MarshalBinary() ([]byte, error) {
	return []byte{byte(KindBegin)}, nil
}

// MarshalBinary encodes a Chunk frame.
//
// Frame structure:
//
//	[KIND][INDEX(4)][LENGTH(4)][DATA(MaxChunkLen)][CRC(4)]
//
// DATA is always MaxChunkLen bytes; bytes past LENGTH are zero.
// The checksum is taken from c.Checksum as-is so a resent chunk is
// byte-identical to the first send.
func (c Chunk) MarshalBinary() ([]byte, error) {
	if len(c.Data) == 0 {
		return nil, fmt.Errorf("chunk %d: data cannot be empty", c.Index)
	}
	if len(c.Data) > MaxChunkLen {
		return nil, fmt.Errorf("chunk %d: data length %d exceeds maximum %d bytes", c.Index, len(c.Data), MaxChunkLen)
	}

	frame := make([]byte, ChunkSize)
	frame[0] = byte(KindChunk)
	binary.LittleEndian.PutUint32(frame[chunkIndexOffset:], c.Index)
	binary.LittleEndian.PutUint32(frame[chunkLenOffset:], uint32(len(c.Data)))
	copy(frame[chunkDataOffset:], c.Data)
	binary.LittleEndian.PutUint32(frame[chunkCRCOffset:], c.Checksum)

	return frame, nil
}

// MarshalBinary encodes a ChunkAck frame.
//
// Frame structure:
//
//	[KIND][SUCCESS]
func (a ChunkAck) MarshalBinary() ([]byte, error) {
	return []byte{byte(KindChunkAck), boolByte(a.Success)}, nil
}

// MarshalBinary encodes a Confirm frame.
//
// Frame structure:
//
//	[KIND][SUCCESS]
func (c Confirm) MarshalBinary() ([]byte, error) {
	return []byte{byte(KindConfirm), boolByte(c.Success)}, nil
}

// Encode is a convenience wrapper around m.MarshalBinary.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	return m.MarshalBinary()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
