package provision

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/moffa90/go-anchordfu/firmware"
	"github.com/moffa90/go-anchordfu/protocol"
)

// Factory defaults for the anchor network.
const (
	DefaultHostname    = "GuidingLight._mqtt._tcp.local."
	DefaultBrokerPort  = 1883
	DefaultRecvTimeout = 5 * time.Second

	// MaxAnchorID is the largest id whose default static address,
	// 192.168.8.(3+id), is valid
	MaxAnchorID = 252
)

// DefaultParams returns the stock provisioning for anchor id: DHCP enabled
// with a static fallback of 192.168.8.(3+id)/24, and the lab broker as the
// only server.
func DefaultParams(id uint8) Params {
	return Params{
		AnchorID:      id,
		RecvTimeout:   DefaultRecvTimeout,
		MAC:           [6]byte{0x00, 0x08, 0xDC, 0x00, 0xAB, id},
		DHCP:          true,
		StaticIP:      [4]byte{192, 168, 8, 3 + id},
		StaticNetmask: [4]byte{255, 255, 255, 0},
		StaticGateway: [4]byte{192, 168, 8, 1},
		Servers: []Server{
			{Hostname: DefaultHostname, IP: [4]byte{192, 168, 8, 2}, Port: DefaultBrokerPort},
		},
	}
}

// Image serializes p and pads it with 0xFF to fill the config-data region,
// ready to be transferred as a config-data update.
func Image(p Params) (*firmware.Image, error) {
	rec, err := Serialize(p)
	if err != nil {
		return nil, err
	}
	return firmware.NewImage(firmware.Pad(rec, int(firmware.ConfigRegion.Size)), protocol.UpdateConfigData)
}

// Artifacts are the files written by WriteArtifacts.
type Artifacts struct {
	Binary string
	Hex    string
}

// WriteArtifacts writes a<id>.bin and a<id>.hex for p into dir. The hex file
// places the image at the config region's flash address.
func WriteArtifacts(dir string, p Params) (Artifacts, error) {
	img, err := Image(p)
	if err != nil {
		return Artifacts{}, fmt.Errorf("anchor %d: %w", p.AnchorID, err)
	}

	base := filepath.Join(dir, fmt.Sprintf("a%d", p.AnchorID))
	a := Artifacts{Binary: base + ".bin", Hex: base + ".hex"}

	if err := firmware.WriteBinary(a.Binary, img); err != nil {
		return Artifacts{}, err
	}
	if err := firmware.WriteHex(a.Hex, img); err != nil {
		return Artifacts{}, err
	}
	return a, nil
}
