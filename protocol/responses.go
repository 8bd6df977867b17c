package protocol

import (
	"encoding/binary"
	"fmt"
)

// Decode validates and decodes one complete frame.
//
// The kind byte is checked first, then the frame length against the fixed
// size for that kind, and only then are the remaining fields interpreted.
// Errors are *DecodeError and match ErrMalformed.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, &DecodeError{Kind: KindInvalid, Reason: "empty frame"}
	}

	kind := Kind(frame[0])
	size, err := SizeOf(kind)
	if err != nil {
		return nil, err
	}
	if len(frame) != size {
		return nil, &DecodeError{Kind: kind, Reason: lengthReason(len(frame), size)}
	}

	switch kind {
	case KindRequest:
		return Request{}, nil
	case KindReady:
		return Ready{}, nil
	case KindMetadata:
		return ParseMetadata(frame)
	case KindBegin:
		return Begin{}, nil
	case KindChunk:
		return ParseChunk(frame)
	case KindChunkAck:
		ok, err := parseSuccess(kind, frame)
		if err != nil {
			return nil, err
		}
		return ChunkAck{Success: ok}, nil
	case KindConfirm:
		ok, err := parseSuccess(kind, frame)
		if err != nil {
			return nil, err
		}
		return Confirm{Success: ok}, nil
	}

	// unreachable: SizeOf rejects everything else
	return nil, &DecodeError{Kind: kind, Reason: "invalid message kind"}
}

// ParseMetadata decodes a Metadata frame.
//
// Data format (MetadataSize bytes):
//
//	[KIND][CRC(4)][CHUNKS(4)][LENGTH(4)][UPDATE_KIND]
func ParseMetadata(frame []byte) (Metadata, error) {
	if err := expectFrame(frame, KindMetadata, MetadataSize); err != nil {
		return Metadata{}, err
	}

	m := Metadata{
		ImageChecksum: binary.LittleEndian.Uint32(frame[1:5]),
		ChunkCount:    binary.LittleEndian.Uint32(frame[5:9]),
		ImageLength:   binary.LittleEndian.Uint32(frame[9:13]),
		UpdateKind:    UpdateKind(frame[13]),
	}
	if !m.UpdateKind.Valid() {
		return Metadata{}, &DecodeError{Kind: KindMetadata, Reason: "unknown update kind " + m.UpdateKind.String()}
	}

	return m, nil
}

// ParseChunk decodes a Chunk frame. The returned Data is a copy of the
// first LENGTH payload bytes; the checksum is not verified here (see Chunk.Verify).
//
// Data format (ChunkSize bytes):
//
//	[KIND][INDEX(4)][LENGTH(4)][DATA(MaxChunkLen)][CRC(4)]
func ParseChunk(frame []byte) (Chunk, error) {
	if err := expectFrame(frame, KindChunk, ChunkSize); err != nil {
		return Chunk{}, err
	}

	n := binary.LittleEndian.Uint32(frame[chunkLenOffset:])
	if n == 0 || n > MaxChunkLen {
		return Chunk{}, &DecodeError{Kind: KindChunk, Reason: fmt.Sprintf("chunk length %d out of range 1..%d", n, MaxChunkLen)}
	}

	c := Chunk{
		Index:    binary.LittleEndian.Uint32(frame[chunkIndexOffset:]),
		Data:     make([]byte, n),
		Checksum: binary.LittleEndian.Uint32(frame[chunkCRCOffset:]),
	}
	copy(c.Data, frame[chunkDataOffset:chunkDataOffset+int(n)])

	return c, nil
}

// ParseChunkAck decodes a ChunkAck frame.
func ParseChunkAck(frame []byte) (ChunkAck, error) {
	if err := expectFrame(frame, KindChunkAck, ChunkAckSize); err != nil {
		return ChunkAck{}, err
	}
	ok, err := parseSuccess(KindChunkAck, frame)
	return ChunkAck{Success: ok}, err
}

// ParseConfirm decodes a Confirm frame.
func ParseConfirm(frame []byte) (Confirm, error) {
	if err := expectFrame(frame, KindConfirm, ConfirmSize); err != nil {
		return Confirm{}, err
	}
	ok, err := parseSuccess(KindConfirm, frame)
	return Confirm{Success: ok}, err
}

func expectFrame(frame []byte, kind Kind, size int) error {
	if len(frame) == 0 {
		return &DecodeError{Kind: kind, Reason: "empty frame"}
	}
	if Kind(frame[0]) != kind {
		return &DecodeError{Kind: Kind(frame[0]), Reason: "unexpected kind, want " + kind.String()}
	}
	if len(frame) != size {
		return &DecodeError{Kind: kind, Reason: lengthReason(len(frame), size)}
	}
	return nil
}

// parseSuccess reads the trailing 0/1 success byte of ChunkAck and Confirm.
func parseSuccess(kind Kind, frame []byte) (bool, error) {
	switch frame[1] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, &DecodeError{Kind: kind, Reason: "success flag must be 0 or 1"}
	}
}
