package provision

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/moffa90/go-anchordfu/protocol"
)

// Record geometry.
const (
	// MaxServers is the number of fallback server slots
	MaxServers = 10

	// MaxHostnameLen is the capacity of each hostname slot
	MaxHostnameLen = 128

	// RecordSize is the encoded length including the trailing CRC
	RecordSize = bodySize + 4

	bodySize = 4 + 1 + 1 + 4 + 6 + 1 + 3*4 + MaxServers*(MaxHostnameLen+4+4)
)

// Unused server slots hold all-ones in every field.
const (
	unusedByte = 0xFF
	unusedPort = math.MaxUint32
)

var (
	// ErrFieldOverflow matches every *FieldOverflowError.
	ErrFieldOverflow = errors.New("field overflow")

	// ErrBadChecksum is returned by Parse when the trailing CRC does not match.
	ErrBadChecksum = errors.New("config record checksum mismatch")

	// ErrShortRecord is returned by Parse for input shorter than RecordSize.
	ErrShortRecord = errors.New("config record too short")
)

// FieldOverflowError reports a value that does not fit its fixed slot.
type FieldOverflowError struct {
	Field string
	Len   int
	Max   int
}

func (e *FieldOverflowError) Error() string {
	return fmt.Sprintf("field %s overflows: %d exceeds capacity %d", e.Field, e.Len, e.Max)
}

func (e *FieldOverflowError) Is(target error) bool { return target == ErrFieldOverflow }

// Server is one fallback MQTT server entry.
type Server struct {
	Hostname string
	IP       [4]byte
	Port     uint16
}

// Params are the provisioning values stored in an anchor's config region.
type Params struct {
	SwapCount     uint32
	UpdatePending bool
	AnchorID      uint8
	RecvTimeout   time.Duration
	MAC           [6]byte
	DHCP          bool
	StaticIP      [4]byte
	StaticNetmask [4]byte
	StaticGateway [4]byte
	Servers       []Server
}

// record mirrors the packed on-flash layout, without the CRC.
type record struct {
	SwapCount       uint32
	UpdatePending   uint8
	AnchorID        uint8
	RecvTimeoutMs   uint32
	MAC             [6]byte
	UsingDHCP       uint8
	StaticIP        [4]byte
	StaticNetmask   [4]byte
	StaticGateway   [4]byte
	ServerHostnames [MaxServers][MaxHostnameLen]byte
	ServerIPs       [MaxServers][4]byte
	ServerPorts     [MaxServers]uint32
}

// Serialize encodes p into the RecordSize-byte layout read by the anchor
// firmware, little-endian and packed, followed by a CRC-32 of all preceding
// bytes. Every field is validated before anything is encoded.
func Serialize(p Params) ([]byte, error) {
	if len(p.Servers) > MaxServers {
		return nil, &FieldOverflowError{Field: "servers", Len: len(p.Servers), Max: MaxServers}
	}
	for i, s := range p.Servers {
		if len(s.Hostname) > MaxHostnameLen {
			return nil, &FieldOverflowError{
				Field: fmt.Sprintf("servers[%d].hostname", i),
				Len:   len(s.Hostname),
				Max:   MaxHostnameLen,
			}
		}
	}
	ms := p.RecvTimeout.Milliseconds()
	if ms < 0 || ms > math.MaxUint32 {
		return nil, fmt.Errorf("%w: recv timeout %v does not fit in %d ms", ErrFieldOverflow, p.RecvTimeout, uint32(math.MaxUint32))
	}

	rec := record{
		SwapCount:     p.SwapCount,
		UpdatePending: boolByte(p.UpdatePending),
		AnchorID:      p.AnchorID,
		RecvTimeoutMs: uint32(ms),
		MAC:           p.MAC,
		UsingDHCP:     boolByte(p.DHCP),
		StaticIP:      p.StaticIP,
		StaticNetmask: p.StaticNetmask,
		StaticGateway: p.StaticGateway,
	}
	for i := 0; i < MaxServers; i++ {
		if i >= len(p.Servers) {
			fill(rec.ServerHostnames[i][:], unusedByte)
			fill(rec.ServerIPs[i][:], unusedByte)
			rec.ServerPorts[i] = unusedPort
			continue
		}
		s := p.Servers[i]
		copy(rec.ServerHostnames[i][:], s.Hostname)
		rec.ServerIPs[i] = s.IP
		rec.ServerPorts[i] = uint32(s.Port)
	}

	var buf bytes.Buffer
	buf.Grow(RecordSize)
	if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
		return nil, fmt.Errorf("encode config record: %w", err)
	}
	body := buf.Bytes()
	return binary.LittleEndian.AppendUint32(body, protocol.Checksum(body)), nil
}

// Parse decodes a record produced by Serialize. Extra bytes after RecordSize,
// such as flash padding, are ignored. Server slots holding the unused
// sentinel are dropped.
func Parse(b []byte) (Params, error) {
	if len(b) < RecordSize {
		return Params{}, fmt.Errorf("%w: got %d bytes, need %d", ErrShortRecord, len(b), RecordSize)
	}
	body := b[:bodySize]
	want := binary.LittleEndian.Uint32(b[bodySize:RecordSize])
	if got := protocol.Checksum(body); got != want {
		return Params{}, fmt.Errorf("%w: stored 0x%08X, computed 0x%08X", ErrBadChecksum, want, got)
	}

	var rec record
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &rec); err != nil {
		return Params{}, fmt.Errorf("decode config record: %w", err)
	}

	p := Params{
		SwapCount:     rec.SwapCount,
		UpdatePending: rec.UpdatePending != 0,
		AnchorID:      rec.AnchorID,
		RecvTimeout:   time.Duration(rec.RecvTimeoutMs) * time.Millisecond,
		MAC:           rec.MAC,
		DHCP:          rec.UsingDHCP != 0,
		StaticIP:      rec.StaticIP,
		StaticNetmask: rec.StaticNetmask,
		StaticGateway: rec.StaticGateway,
	}
	for i := 0; i < MaxServers; i++ {
		if rec.ServerPorts[i] == unusedPort {
			continue
		}
		if rec.ServerPorts[i] > math.MaxUint16 {
			return Params{}, fmt.Errorf("servers[%d]: port %d out of range", i, rec.ServerPorts[i])
		}
		p.Servers = append(p.Servers, Server{
			Hostname: string(bytes.TrimRight(rec.ServerHostnames[i][:], "\x00")),
			IP:       rec.ServerIPs[i],
			Port:     uint16(rec.ServerPorts[i]),
		})
	}
	return p, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
