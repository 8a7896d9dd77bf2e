package iec104

func parseLittleEndianUint16(x []byte) uint16 {
	return uint16(x[0]) | uint16(x[1])<<8
}

func parseLittleEndianInt16(x []byte) int16 {
	return int16(parseLittleEndianUint16(x))
}
