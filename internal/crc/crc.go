// Package crc implements the CRC-16/CCITT (XMODEM) checksum used by
// SDO block transfers (CiA 301, polynomial x^16 + x^12 + x^5 + 1).
package crc

type CRC16 uint16

// Single updates the checksum with one byte.
func (crc *CRC16) Single(b byte) {
	c := *crc ^ (CRC16(b) << 8)
	for i := 0; i < 8; i++ {
		if c&0x8000 != 0 {
			c = (c << 1) ^ 0x1021
		} else {
			c <<= 1
		}
	}
	*crc = c
}

// Block updates the checksum with a slice of bytes.
func (crc *CRC16) Block(data []byte) {
	for _, b := range data {
		crc.Single(b)
	}
}
