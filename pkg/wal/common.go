package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	EntryPut    byte = 0
	EntryDelete byte = 1
	EntryCommit byte = 2
)

// Entry represents a single record in the log.
// Entries with a non-zero TxID only take effect once an EntryCommit with the
// same TxID has been written.
type Entry struct {
	Type      byte
	TxID      uint64
	Key       string
	Value     []byte
	ExpiresAt int64
}

// Expired reports whether the entry carries a deadline that has passed.
func (e Entry) Expired(now int64) bool {
	return e.ExpiresAt > 0 && now > e.ExpiresAt
}

var (
	ErrClosed   = fmt.Errorf("wal: closed")
	ErrNotFound = fmt.Errorf("wal: not found")
	ErrCorrupt  = fmt.Errorf("wal: corrupt entry")
)

const (
	DefaultSegmentSize = 64 * 1024 * 1024

	// [Sum:8][Type:1][TxID:8][ExpiresAt:8][KeyLen:4][ValueLen:4]
	headerSize = 33

	segmentShift = 32
	offsetMask   = (1 << segmentShift) - 1
)

// PackOffset combines segment ID and file offset into a single int64.
func PackOffset(segmentID uint64, offset int64) int64 {
	return int64((segmentID << segmentShift) | uint64(offset))
}

func UnpackOffset(packed int64) (uint64, int64) {
	return uint64(packed) >> segmentShift, packed & offsetMask
}

// EncodeEntry encodes e, prefixed by an xxhash of the remaining bytes.
func EncodeEntry(e Entry) []byte {
	keyLen := len(e.Key)
	buf := make([]byte, headerSize+keyLen+len(e.Value))

	buf[8] = e.Type
	binary.BigEndian.PutUint64(buf[9:], e.TxID)
	binary.BigEndian.PutUint64(buf[17:], uint64(e.ExpiresAt))
	binary.BigEndian.PutUint32(buf[25:], uint32(keyLen))
	binary.BigEndian.PutUint32(buf[29:], uint32(len(e.Value)))
	copy(buf[headerSize:], e.Key)
	copy(buf[headerSize+keyLen:], e.Value)

	binary.BigEndian.PutUint64(buf[0:], xxhash.Sum64(buf[8:]))
	return buf
}

// decodeHeader returns the entry skeleton and the body length that follows.
func decodeHeader(h []byte) (Entry, uint64, int, int) {
	sum := binary.BigEndian.Uint64(h[0:])
	e := Entry{
		Type:      h[8],
		TxID:      binary.BigEndian.Uint64(h[9:]),
		ExpiresAt: int64(binary.BigEndian.Uint64(h[17:])),
	}
	keyLen := int(binary.BigEndian.Uint32(h[25:]))
	valLen := int(binary.BigEndian.Uint32(h[29:]))
	return e, sum, keyLen, valLen
}

func verify(sum uint64, header, body []byte) bool {
	d := xxhash.New()
	_, _ = d.Write(header[8:])
	_, _ = d.Write(body)
	return d.Sum64() == sum
}
