package log

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

// LogLineChecksum computes a CRC32 over the log line, which can be checked to
// ensure no unexpected log corruption has occurred.
func LogLineChecksum(line string) string {
	crc := crc32.ChecksumIEEE([]byte(line))
	buf := make([]byte, crc32.Size)
	binary.LittleEndian.PutUint32(buf, crc)
	return base64.RawURLEncoding.EncodeToString(buf)
}
