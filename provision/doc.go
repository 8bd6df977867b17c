// Package provision builds the configuration record stored in an anchor's
// config-data flash region.
//
// The record is a packed little-endian structure of RecordSize bytes ending
// in a CRC-32 of everything before it. It holds the anchor id, network
// settings and up to MaxServers fallback MQTT servers. Unused server slots
// are filled with all-ones, which the firmware treats as "not configured".
//
//	p := provision.DefaultParams(3)
//	img, err := provision.Image(p)
//	// img is a config-data firmware.Image covering the whole region
//
// Values that do not fit their slot fail with ErrFieldOverflow; nothing is
// truncated.
package provision
