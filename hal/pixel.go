package hal

// RGB565 packs an 8-bit-per-channel color, dropping the low bits.
func RGB565(r, g, b uint8) uint16 {
	return uint16(r&0xF8)<<8 | uint16(g&0xFC)<<3 | uint16(b)>>3
}

// rgb888From565 expands a packed pixel, replicating the high bits into the
// low ones so full intensity stays 0xFF.
func rgb888From565(p uint16) (r, g, b uint8) {
	r5 := uint8(p >> 11 & 0x1F)
	g6 := uint8(p >> 5 & 0x3F)
	b5 := uint8(p & 0x1F)
	return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
}
