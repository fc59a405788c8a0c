package bootflash

// CRC16 parameters (CRC-16/XMODEM).
const (
	// CRC16Polynomial is the CCITT polynomial
	CRC16Polynomial = 0x1021

	// CRC16InitialValue is the register value before the first byte
	CRC16InitialValue = 0x0000
)

// crctab holds the byte-at-a-time lookup table for CRC16Polynomial.
var crctab = func() [256]uint16 {
	var tab [256]uint16
	for i := range tab {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ CRC16Polynomial
			} else {
				crc <<= 1
			}
		}
		tab[i] = crc
	}
	return tab
}()

// updcrc16 feeds one byte into a running CRC16.
func updcrc16(b byte, crc uint16) uint16 {
	return crctab[byte(crc>>8)^b] ^ crc<<8
}

// CRC16 computes the frame checksum over data: polynomial 0x1021, initial
// value 0, MSB first, no final XOR.
func CRC16(data []byte) uint16 {
	crc := uint16(CRC16InitialValue)
	for _, b := range data {
		crc = updcrc16(b, crc)
	}
	return crc
}
