package signature

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("89 9c 88 dc 00 00 00")
	require.NoError(t, err)
	assert.Equal(t, Pattern{0x89, 0x9C, 0x88, 0xDC, 0x00, 0x00, 0x00}, p)

	p, err = ParsePattern("de,ad,be,ef")
	require.NoError(t, err)
	assert.Equal(t, Pattern{0xDE, 0xAD, 0xBE, 0xEF}, p)
}

func TestParsePattern_Rejects(t *testing.T) {
	_, err := ParsePattern("")
	assert.Error(t, err, "empty pattern")

	_, err = ParsePattern("89 ?? dc")
	assert.Error(t, err, "wildcards are not supported")

	_, err = ParsePattern("89 zz")
	assert.Error(t, err, "non-hex byte")

	_, err = ParsePattern("123")
	assert.Error(t, err, "byte out of range")
}

func TestScan_FindsOffset(t *testing.T) {
	pattern := Pattern{0xDE, 0xAD, 0xBE, 0xEF}

	for _, k := range []uint{0, 1, 17, 100} {
		data := make([]byte, 128)
		copy(data[k:], pattern)

		off, err := Scan(data, pattern)
		require.NoError(t, err)
		assert.Equal(t, k, off, "pattern planted at offset %d", k)
	}
}

func TestScan_FirstMatchWins(t *testing.T) {
	pattern := Pattern{0xCA, 0xFE}
	data := make([]byte, 64)
	copy(data[10:], pattern)
	copy(data[40:], pattern)

	off, err := Scan(data, pattern)
	require.NoError(t, err)
	assert.Equal(t, uint(10), off)
}

func TestScan_NotFound(t *testing.T) {
	data := bytes.Repeat([]byte{0x90}, 256)

	_, err := Scan(data, Pattern{0xDE, 0xAD})
	assert.ErrorIs(t, err, ErrPatternNotFound)
}

func TestScan_EmptyRegion(t *testing.T) {
	_, err := Scan(nil, Pattern{0xDE, 0xAD})
	assert.ErrorIs(t, err, ErrPatternNotFound, "empty region is a clean miss, not an error")

	_, err = Scan([]byte{0xDE}, Pattern{0xDE, 0xAD})
	assert.ErrorIs(t, err, ErrPatternNotFound, "region shorter than pattern")
}

func TestScan_EmptyPattern(t *testing.T) {
	_, err := Scan([]byte{0x90}, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrPatternNotFound)
}

func TestScanAll(t *testing.T) {
	pattern := Pattern{0xAA, 0xBB}
	data := make([]byte, 32)
	copy(data[3:], pattern)
	copy(data[20:], pattern)

	assert.Equal(t, []uint{3, 20}, ScanAll(data, pattern))
	assert.Nil(t, ScanAll(nil, pattern))
}
