// Package signature locates version-specific machine code fragments by byte pattern.
package signature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPatternNotFound is returned when a pattern does not occur anywhere in the
// scanned region. It is distinct from read/attach failures: the scan itself
// succeeded but came up empty.
var ErrPatternNotFound = errors.New("pattern not found")

// Pattern is an exact byte sequence identifying one machine code fragment in
// one supported target version. Patterns contain only literal bytes; a version
// whose instruction appears more than once needs a wider pattern, not wildcards.
type Pattern []byte

// ParsePattern parses a pattern from hex byte text like "89 9c 88 dc 00 00 00".
// Bytes may be separated by spaces or commas.
func ParsePattern(s string) (Pattern, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' '
	})

	if len(parts) == 0 {
		return nil, errors.New("empty pattern")
	}

	pattern := make(Pattern, 0, len(parts))
	for _, part := range parts {
		if strings.Contains(part, "?") {
			return nil, fmt.Errorf("wildcard byte %q: patterns are exact matches only", part)
		}
		val, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid hex byte: %s", part)
		}
		pattern = append(pattern, byte(val))
	}

	return pattern, nil
}

func (p Pattern) String() string {
	var sb strings.Builder
	for i, b := range p {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	return sb.String()
}

// Scan searches data for the first occurrence of pattern and returns its
// offset. An empty or too-short region is ErrPatternNotFound, not an error.
func Scan(data []byte, pattern Pattern) (uint, error) {
	if len(pattern) == 0 {
		return 0, errors.New("empty pattern")
	}
	if len(data) < len(pattern) {
		return 0, ErrPatternNotFound
	}

	for i := 0; i <= len(data)-len(pattern); i++ {
		matched := true
		for j := 0; j < len(pattern); j++ {
			if data[i+j] != pattern[j] {
				matched = false
				break
			}
		}
		if matched {
			return uint(i), nil
		}
	}

	return 0, ErrPatternNotFound
}

// ScanAll returns the offsets of every occurrence of pattern in data, in
// ascending order.
func ScanAll(data []byte, pattern Pattern) []uint {
	if len(pattern) == 0 || len(data) < len(pattern) {
		return nil
	}

	var matches []uint
	for i := 0; i <= len(data)-len(pattern); i++ {
		matched := true
		for j := 0; j < len(pattern); j++ {
			if data[i+j] != pattern[j] {
				matched = false
				break
			}
		}
		if matched {
			matches = append(matches, uint(i))
		}
	}

	return matches
}
