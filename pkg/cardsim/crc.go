package cardsim

import "github.com/sigurn/crc16"

// crc7 is the command CRC: polynomial x^7+x^3+1, returned shifted left with
// the end bit set, as it appears in the last byte of a command packet.
func crc7(data []byte) byte {
	var crc byte
	for _, d := range data {
		for i := 0; i < 8; i++ {
			crc <<= 1
			if (d^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			d <<= 1
		}
	}
	return crc<<1 | 1
}

var xmodem = crc16.MakeTable(crc16.CRC16_XMODEM)

// dataCRC is the data block CRC: CCITT polynomial x^16+x^12+x^5+1, seed 0.
func dataCRC(data []byte) uint16 {
	return crc16.Checksum(data, xmodem)
}
