package hexdump

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDump(t *testing.T) {
	data := []byte("Hello, world!\x00\x01\x02extra")
	out := Dump(data, 0x400000)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 2, "21 bytes is two 16-byte lines")

	assert.True(t, strings.HasPrefix(lines[0], "0000000000400000  "), "first line address")
	assert.True(t, strings.HasPrefix(lines[1], "0000000000400010  "), "second line address")

	assert.Contains(t, lines[0], "48 65 6c 6c 6f", "hex column")
	assert.Contains(t, lines[0], "|Hello, world!...|", "non-printables become dots")
	assert.Contains(t, lines[1], "|extra|")
}

func TestDump_Empty(t *testing.T) {
	assert.Equal(t, "", Dump(nil, 0))
	assert.Equal(t, "", Dump([]byte{}, 0x1000))
}
