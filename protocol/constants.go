package protocol

// ServerPort is the TCP port the host listens on for the anchor bootloader.
const ServerPort = 6900

// MaxChunkLen is the maximum number of payload bytes carried by one Chunk message.
// It equals the anchor's flash page size so every chunk maps onto a single page.
const MaxChunkLen = 4096

// Message kind discriminators. The first byte of every frame is one of these.
const (
	// KindRequest asks a running application to reboot into its bootloader.
	// It is delivered over the trigger channel, never over the session transport.
	KindRequest Kind = 0x00

	// KindReady is sent by the bootloader once it is connected and initialised
	KindReady Kind = 0x01

	// KindMetadata describes the image about to be transferred
	KindMetadata Kind = 0x02

	// KindBegin is sent by the bootloader after it has erased the target region
	KindBegin Kind = 0x03

	// KindChunk carries one slice of the image
	KindChunk Kind = 0x04

	// KindChunkAck acknowledges (or rejects) the chunk just received
	KindChunkAck Kind = 0x05

	// KindConfirm reports the outcome of whole-image validation and flashing
	KindConfirm Kind = 0x06

	// KindInvalid is the first value outside the protocol. It and anything above it is rejected.
	KindInvalid Kind = 0x07
)

// Frame sizes in bytes, including the kind byte. All messages are fixed size.
const (
	// RequestSize is the size of a Request frame
	RequestSize = 1

	// ReadySize is the size of a Ready frame
	ReadySize = 1

	// MetadataSize is KIND(1) + CRC(4) + CHUNKS(4) + LENGTH(4) + UPDATE_KIND(1)
	MetadataSize = 14

	// BeginSize is the size of a Begin frame
	BeginSize = 1

	// ChunkSize is KIND(1) + INDEX(4) + LENGTH(4) + DATA(MaxChunkLen) + CRC(4)
	ChunkSize = 1 + 4 + 4 + MaxChunkLen + 4

	// ChunkAckSize is KIND(1) + SUCCESS(1)
	ChunkAckSize = 2

	// ConfirmSize is KIND(1) + SUCCESS(1)
	ConfirmSize = 2

	// MaxFrameSize is the largest frame in the protocol (Chunk)
	MaxFrameSize = ChunkSize
)

// Byte offsets inside a Chunk frame.
const (
	chunkIndexOffset = 1
	chunkLenOffset   = 5
	chunkDataOffset  = 9
	chunkCRCOffset   = chunkDataOffset + MaxChunkLen
)
