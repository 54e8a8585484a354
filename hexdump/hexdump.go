// Package hexdump formats memory for debug logging.
package hexdump

import (
	"fmt"
	"strings"
	"unicode"
)

const bytesPerLine = 16

// Dump formats data as offset, hex and ASCII columns, with addresses starting
// at base.
func Dump(data []byte, base uint64) string {
	var sb strings.Builder

	for lineStart := 0; lineStart < len(data); lineStart += bytesPerLine {
		lineEnd := lineStart + bytesPerLine
		if lineEnd > len(data) {
			lineEnd = len(data)
		}
		line := data[lineStart:lineEnd]

		fmt.Fprintf(&sb, "%016x  ", base+uint64(lineStart))

		for i := 0; i < bytesPerLine; i++ {
			if i < len(line) {
				fmt.Fprintf(&sb, "%02x ", line[i])
			} else {
				sb.WriteString("   ")
			}
			if i == bytesPerLine/2-1 {
				sb.WriteString(" ")
			}
		}

		sb.WriteString(" |")
		for _, b := range line {
			if b < 0x80 && unicode.IsPrint(rune(b)) {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}

	return sb.String()
}
