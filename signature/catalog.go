package signature

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registers we know how to read from a stopped thread's register file.
// 32-bit names read the low half of the corresponding 64-bit register.
var knownRegisters = map[string]bool{
	"rax": true, "eax": true,
	"rbx": true, "ebx": true,
	"rcx": true, "ecx": true,
	"rdx": true, "edx": true,
	"rsi": true, "esi": true,
	"rdi": true, "edi": true,
	"r8": true, "r9": true, "r10": true, "r11": true,
	"r12": true, "r13": true, "r14": true, "r15": true,
}

// Signature binds one supported target version to the byte pattern that
// locates its APM store instruction and the register holding the APM value
// when that instruction runs.
type Signature struct {
	Version  string
	Pattern  Pattern
	Register string
}

// Catalog holds the signatures for all supported target versions. Signatures
// are configuration data, swappable per release of the target binary.
type Catalog struct {
	signatures map[string]Signature
}

// Soon after the `cvttss2si %xmm0, %rbx` that turns the float APM into an int
// for display, StarCraft runs a `movl %ebx, 0xdc(%rax,%rcx,4)` we can break on.
var builtin = []Signature{
	{
		Version:  "remastered",
		Pattern:  Pattern{0x89, 0x9C, 0x88, 0xDC, 0x00, 0x00, 0x00},
		Register: "ebx",
	},
}

// BuiltinCatalog returns the catalog of signatures shipped with the binary.
func BuiltinCatalog() *Catalog {
	c := &Catalog{signatures: make(map[string]Signature, len(builtin))}
	for _, sig := range builtin {
		c.signatures[sig.Version] = sig
	}
	return c
}

// catalogFile is the YAML shape of an external signature catalog.
type catalogFile struct {
	Signatures []struct {
		Version  string `yaml:"version"`
		Pattern  string `yaml:"pattern"`
		Register string `yaml:"register"`
	} `yaml:"signatures"`
}

// LoadCatalog reads a signature catalog from a YAML file. Entries with the
// same version as a builtin signature replace it.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature catalog: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse signature catalog: %w", err)
	}
	if len(file.Signatures) == 0 {
		return nil, fmt.Errorf("signature catalog has no signatures")
	}

	c := BuiltinCatalog()
	for i, entry := range file.Signatures {
		if entry.Version == "" {
			return nil, fmt.Errorf("signature %d: missing version", i)
		}
		pattern, err := ParsePattern(entry.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", entry.Version, err)
		}
		if !knownRegisters[entry.Register] {
			return nil, fmt.Errorf("signature %q: unknown register %q", entry.Version, entry.Register)
		}
		c.signatures[entry.Version] = Signature{
			Version:  entry.Version,
			Pattern:  pattern,
			Register: entry.Register,
		}
	}

	return c, nil
}

// Lookup returns the signature for a target version.
func (c *Catalog) Lookup(version string) (Signature, error) {
	sig, ok := c.signatures[version]
	if !ok {
		return Signature{}, fmt.Errorf("no signature for version %q", version)
	}
	return sig, nil
}

// Versions returns the versions present in the catalog.
func (c *Catalog) Versions() []string {
	out := make([]string, 0, len(c.signatures))
	for v := range c.signatures {
		out = append(out, v)
	}
	return out
}
