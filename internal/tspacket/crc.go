package tspacket

// crcTable is the MSB-first table for the MPEG-2 CRC32 polynomial 0x04c11db7.
var crcTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		c := uint32(i) << 24
		for range 8 {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04c11db7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

// CRC32 computes the MPEG-2 CRC used by PSI sections (init 0xffffffff, no
// reflection, no final xor). Running it over a whole section including its
// CRC field yields zero.
func CRC32(data []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
