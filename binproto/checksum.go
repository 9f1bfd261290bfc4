package binproto

// Fletcher16 computes the Fletcher-16 checksum of buf.
//
// Both sums are taken modulo 255, so single-bit errors and most burst
// errors change the result. The same algorithm is applied independently to
// the frame header and to the header+payload span, which lets a receiver
// distinguish header corruption (frame cannot be trusted at all) from
// payload corruption (frame boundaries are known, contents are not).
func Fletcher16(buf []byte) uint16 {
	var lo, hi uint16
	for _, b := range buf {
		lo = (lo + uint16(b)) % 255
		hi = (hi + lo) % 255
	}
	return hi<<8 | lo
}

// VerifyFletcher16 reports whether buf checksums to expected.
func VerifyFletcher16(buf []byte, expected uint16) bool {
	return Fletcher16(buf) == expected
}
