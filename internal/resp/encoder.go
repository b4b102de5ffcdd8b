package resp

import (
	"strconv"
)

// EncodeCommand serializes a command's argument vector as a RESP array of
// bulk strings, the wire form every command (RESP2 or RESP3) is sent in.
// Grounded on the teacher's protocol.go Formatter, generalized to append
// into a caller-owned buffer, so several encoded commands can share one
// buffer.
func EncodeCommand(dst []byte, args [][]byte) []byte {
	dst = append(dst, '*')
	dst = strconv.AppendInt(dst, int64(len(args)), 10)
	dst = append(dst, '\r', '\n')
	for _, a := range args {
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(a)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, a...)
		dst = append(dst, '\r', '\n')
	}
	return dst
}

// EncodeStrings is a convenience wrapper over EncodeCommand for
// string-typed argument vectors.
func EncodeStrings(dst []byte, args ...string) []byte {
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	return EncodeCommand(dst, raw)
}
