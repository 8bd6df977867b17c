// Package firmware loads, validates and slices images for the anchor bootloader.
//
// # Loading
//
// Images come from raw binaries or Intel HEX files:
//
//	img, err := firmware.Load("app.hex", protocol.UpdateAppCode)
//
// HEX records must fall inside the flash region selected by the update kind
// (see AppRegion and ConfigRegion). Binaries are placed at the region start.
// Either way the payload is padded with 0xFF to a whole number of pages and
// must not exceed the region size; violations wrap ErrInvalidImage.
//
// # Planning
//
// Plan splits an image into chunks for transfer, each with its own CRC-32:
//
//	chunks, err := firmware.Plan(img, protocol.MaxChunkLen)
//
// # Artifacts
//
// WriteBinary and WriteHex persist an image as a .bin file and as Intel HEX
// records at the region's flash offset.
package firmware
