package umbrella

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

func GetTimestampNsec() uint64 {
	return uint64(time.Now().UnixNano())
}

func CheckMagic(data []byte, magic uint32) bool {
	if len(data) < 4 {
		return false
	}
	return binary.LittleEndian.Uint32(data) == magic
}

type Integer interface {
	int | int8 | int16 | int32 | int64 | uint | uint8 | uint16 | uint32 | uint64
}

func Min[T Integer](nums ...T) T {
	min := nums[0]
	for _, v := range nums[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func Max[T Integer](nums ...T) T {
	max := nums[0]
	for _, v := range nums[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

func DivRoundUp[T Integer](a, b T) T {
	return (a + b - 1) / b
}

// displayChunks lays out n characters in rows of 64, with a '|' between every
// group of 8.
func displayChunks(n int, at func(i int) byte) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			switch {
			case i%64 == 0:
				sb.WriteByte('\n')
			case i%8 == 0:
				sb.WriteByte('|')
			}
		}
		sb.WriteByte(at(i))
	}
	if n > 0 {
		sb.WriteByte('\n')
	}
	return sb.String()
}

func PreviewBuffer(buf []byte, length int) string {
	if len(buf) < length {
		length = len(buf)
	}
	return fmt.Sprintf("%q(%s)", buf[:length], hex.EncodeToString(buf[:length]))
}
