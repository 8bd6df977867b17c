// Package protocol implements the anchor DFU wire protocol.
//
// Every message is a fixed-size, packed, little-endian frame whose first byte
// is a kind discriminator:
//
//	Request:  [0x00]
//	Ready:    [0x01]
//	Metadata: [0x02][IMG_CRC(4)][NUM_CHUNKS(4)][NUM_BYTES(4)][UPDATE_KIND]
//	Begin:    [0x03]
//	Chunk:    [0x04][INDEX(4)][LENGTH(4)][DATA(MaxChunkLen)][CHUNK_CRC(4)]
//	ChunkAck: [0x05][SUCCESS]
//	Confirm:  [0x06][SUCCESS]
//
// Request travels over the trigger channel; the rest are exchanged over the
// session TCP connection in this order:
//
//	Anchor                             Host
//	  |<------------- REQUEST -------------|   (app code running)
//	  |-------------- READY -------------->|   (bootloader running)
//	  |<------------- METADATA ------------|
//	  |-------------- BEGIN -------------->|
//	  |<------------- CHUNK 0 -------------|
//	  |-------------- CHUNK_ACK ---------->|
//	  |                 ...                |
//	  |<------------- CHUNK N-1 -----------|
//	  |-------------- CHUNK_ACK ---------->|
//	  |-------------- CONFIRM ------------>|
//
// # Encoding
//
// Each message type implements Message and encodes itself with MarshalBinary:
//
//	frame, err := protocol.Metadata{
//	    ImageChecksum: img.Checksum(),
//	    ChunkCount:    uint32(len(chunks)),
//	    ImageLength:   uint32(img.Len()),
//	    UpdateKind:    protocol.UpdateAppCode,
//	}.MarshalBinary()
//
// # Decoding
//
// Decode checks the discriminator and the exact frame size before reading
// any field, and returns the concrete message type:
//
//	msg, err := protocol.Decode(frame)
//	switch m := msg.(type) {
//	case protocol.ChunkAck:
//	    ...
//	}
//
// Malformed frames produce a *DecodeError, which matches ErrMalformed.
//
// # Checksums
//
// Checksum is CRC-32/ISO-HDLC, the same CRC the bootloader computes with its
// crc32_compute routine.
package protocol
