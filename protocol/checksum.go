package protocol

import "hash/crc32"

// Checksum computes the CRC-32/ISO-HDLC of data (reflected polynomial 0xEDB88320,
// initial value and final XOR 0xFFFFFFFF). This is the checksum used for whole
// images, individual chunks and the provisioning record.
//
// Test vectors:
//
//	Checksum(nil)                 == 0x00000000
//	Checksum([]byte("123456789")) == 0xCBF43926
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// UpdateChecksum continues a checksum previously returned by Checksum or
// UpdateChecksum with more data. UpdateChecksum(0, b) == Checksum(b).
func UpdateChecksum(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, data)
}
