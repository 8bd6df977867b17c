package protocol

import "fmt"

// Kind is the one-byte message discriminator at the start of every frame.
type Kind byte

// Valid reports whether k is one of the protocol's message kinds.
func (k Kind) Valid() bool {
	return k < KindInvalid
}

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReady:
		return "READY"
	case KindMetadata:
		return "METADATA"
	case KindBegin:
		return "BEGIN"
	case KindChunk:
		return "CHUNK"
	case KindChunkAck:
		return "CHUNK_ACK"
	case KindConfirm:
		return "CONFIRM"
	default:
		return fmt.Sprintf("KIND(0x%02X)", byte(k))
	}
}

// SizeOf returns the fixed frame size for kind k, including the kind byte.
// Stream readers use it to know how many bytes follow the discriminator.
func SizeOf(k Kind) (int, error) {
	switch k {
	case KindRequest:
		return RequestSize, nil
	case KindReady:
		return ReadySize, nil
	case KindMetadata:
		return MetadataSize, nil
	case KindBegin:
		return BeginSize, nil
	case KindChunk:
		return ChunkSize, nil
	case KindChunkAck:
		return ChunkAckSize, nil
	case KindConfirm:
		return ConfirmSize, nil
	default:
		return 0, &DecodeError{Kind: k, Reason: "invalid message kind"}
	}
}

// UpdateKind selects which flash region the bootloader writes.
type UpdateKind byte

const (
	// UpdateAppCode replaces the application image
	UpdateAppCode UpdateKind = 0

	// UpdateConfigData replaces the provisioning/configuration record
	UpdateConfigData UpdateKind = 1
)

// Valid reports whether u is a known update kind.
func (u UpdateKind) Valid() bool {
	return u == UpdateAppCode || u == UpdateConfigData
}

func (u UpdateKind) String() string {
	switch u {
	case UpdateAppCode:
		return "app-code"
	case UpdateConfigData:
		return "config-data"
	default:
		return fmt.Sprintf("update-kind(%d)", byte(u))
	}
}

// Message is one protocol frame. The set of implementations is closed:
// Request, Ready, Metadata, Begin, Chunk, ChunkAck and Confirm.
type Message interface {
	// Kind returns the frame discriminator
	Kind() Kind

	// MarshalBinary encodes the complete fixed-size frame
	MarshalBinary() ([]byte, error)

	isMessage()
}

// Request asks a device running application code to reboot into its bootloader.
type Request struct{}

// Ready is the bootloader's greeting once its session socket is connected.
type Ready struct{}

// Metadata describes the image the host is about to send.
type Metadata struct {
	// ImageChecksum is the CRC-32 of the entire (padded) image
	ImageChecksum uint32

	// ChunkCount is the number of Chunk messages that will follow
	ChunkCount uint32

	// ImageLength is the total image length in bytes
	ImageLength uint32

	// UpdateKind selects the target flash region
	UpdateKind UpdateKind
}

// Begin tells the host the target region is erased and chunks may be sent.
type Begin struct{}

// Chunk carries one slice of the image.
type Chunk struct {
	// Index is the 0-based sequence number of this chunk
	Index uint32

	// Data is the chunk payload, at most MaxChunkLen bytes.
	// On the wire it is zero-padded to MaxChunkLen.
	Data []byte

	// Checksum is the CRC-32 of Data
	Checksum uint32
}

// ChunkAck acknowledges the most recent Chunk. Success is false when the
// device found a checksum mismatch and wants the chunk again.
type ChunkAck struct {
	Success bool
}

// Confirm is the final verdict of the bootloader after whole-image validation.
type Confirm struct {
	Success bool
}

func (Request) Kind() Kind  { return KindRequest }
func (Ready) Kind() Kind    { return KindReady }
func (Metadata) Kind() Kind { return KindMetadata }
func (Begin) Kind() Kind    { return KindBegin }
func (Chunk) Kind() Kind    { return KindChunk }
func (ChunkAck) Kind() Kind { return KindChunkAck }
func (Confirm) Kind() Kind  { return KindConfirm }

func (Request) isMessage()  {}
func (Ready) isMessage()    {}
func (Metadata) isMessage() {}
func (Begin) isMessage()    {}
func (Chunk) isMessage()    {}
func (ChunkAck) isMessage() {}
func (Confirm) isMessage()  {}

// NewChunk builds a Chunk message for data, computing its checksum.
func NewChunk(index uint32, data []byte) Chunk {
	return Chunk{
		Index:    index,
		Data:     data,
		Checksum: Checksum(data),
	}
}

// Verify reports whether the chunk's checksum matches its data.
func (c Chunk) Verify() bool {
	return Checksum(c.Data) == c.Checksum
}
