package logstore

import (
	"encoding/binary"
	"hash/crc32"
)

// calculateChecksum covers the fields that must round-trip intact through a
// crash: the entry's LogId and payload kind, plus the payload bytes
// themselves. It deliberately excludes nothing the predecessor WAL's
// checksum didn't also exclude — there is no wall-clock timestamp on an
// Entry to leave out.
func calculateChecksum(term, index uint64, kind uint8, app []byte) uint32 {
	h := crc32.NewIEEE()
	var hdr [17]byte
	binary.BigEndian.PutUint64(hdr[0:8], term)
	binary.BigEndian.PutUint64(hdr[8:16], index)
	hdr[16] = kind
	h.Write(hdr[:])
	h.Write(app)
	return h.Sum32()
}
