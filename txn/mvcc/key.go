package mvcc

import (
	"encoding/binary"
	"math"
)

// TsMax reads past every committed version: the "latest committed" snapshot.
const TsMax uint64 = math.MaxUint64

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
)

var encPads = make([]byte, encGroupSize)

// encodeBytes turns data into a memcomparable form: fixed 8-byte groups,
// zero padded, each followed by a marker of 0xFF minus the pad count. The
// encoding preserves byte-wise ordering and makes concatenated fields
// unambiguous, so (table, key, ts) triples compare correctly as flat keys.
// Based on the MyRocks memcomparable format.
func encodeBytes(buf, data []byte) []byte {
	for idx := 0; idx <= len(data); idx += encGroupSize {
		remain := len(data) - idx
		padCount := 0
		if remain >= encGroupSize {
			buf = append(buf, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			buf = append(buf, data[idx:]...)
			buf = append(buf, encPads[:padCount]...)
		}
		buf = append(buf, encMarker-byte(padCount))
	}
	return buf
}

// rowPrefix encodes the identity of a row, without a timestamp.
func rowPrefix(table string, key []byte) []byte {
	buf := make([]byte, 0, len(table)+len(key)+2*(encGroupSize+2)+8)
	buf = encodeBytes(buf, []byte(table))
	return encodeBytes(buf, key)
}

// encodeVersionKey appends an inverted timestamp to a row prefix, so that
// versions of one row sort newest first, right after the versions of any
// smaller row key.
func encodeVersionKey(table string, key []byte, ts uint64) []byte {
	buf := rowPrefix(table, key)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], ^ts)
	return append(buf, tsBuf[:]...)
}
