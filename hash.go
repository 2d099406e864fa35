package bblocks

import "hash/adler32"

// Adler32 checksums data the same way the transport's round-trip tests
// verify block integrity (spec.md S2/S3): a thin wrapper so call sites
// don't each import hash/adler32 directly.
func Adler32(data []byte) uint32 {
	return adler32.Checksum(data)
}
