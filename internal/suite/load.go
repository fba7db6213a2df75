package suite

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a suite file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension. Anything that is not
// .toml is read as YAML, which also covers JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Load reads, schema-validates and parses the suite at path.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("suite: reading %s: %w", path, err)
	}
	s, err := Parse(data, FormatFor(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Parse validates data against the suite schema, decodes it strictly and
// checks cross-field rules.
func Parse(data []byte, format Format) (*Suite, error) {
	doc, err := decodeGeneric(data, format)
	if err != nil {
		return nil, err
	}
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}

	var s Suite
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&s)
		if err != nil {
			return nil, fmt.Errorf("suite: parsing TOML: %w", err)
		}
		if keys := undecoded(md); len(keys) > 0 {
			return nil, fmt.Errorf("suite: unknown keys: %s", strings.Join(keys, ", "))
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("suite: parsing YAML: %w", err)
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks rules the schema cannot express. Phase-mark misuse is not
// checked here: it is reported per group when the group is planned.
func (s *Suite) Validate() error {
	if len(s.Groups) == 0 {
		return errors.New("suite: no groups defined")
	}
	groups := make(map[string]bool, len(s.Groups))
	for i, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("suite: groups[%d]: name is required", i)
		}
		if groups[g.Name] {
			return fmt.Errorf("suite: duplicate group name %q", g.Name)
		}
		groups[g.Name] = true

		if err := g.PipelineCommand("", "").Validate(); err != nil {
			return fmt.Errorf("suite: group %q: %w", g.Name, err)
		}
		for _, f := range g.Fixtures {
			if rel := filepath.Clean(f); filepath.IsAbs(f) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return fmt.Errorf("suite: group %q: fixture %q must be relative to the suite file", g.Name, f)
			}
		}

		cases := make(map[string]bool, len(g.Cases))
		for _, c := range g.Cases {
			if c.Name == "" {
				return fmt.Errorf("suite: group %q: case name is required", g.Name)
			}
			if cases[c.Name] {
				return fmt.Errorf("suite: group %q: duplicate case name %q", g.Name, c.Name)
			}
			cases[c.Name] = true
			if err := c.Expect.Validate(); err != nil {
				return fmt.Errorf("suite: %s::%s: expect.%w", g.Name, c.Name, err)
			}
		}
	}
	return nil
}

// Dir returns the directory relative paths in the suite are resolved against.
func (s *Suite) Dir() string {
	if s.Path == "" {
		return "."
	}
	return filepath.Dir(s.Path)
}

// decodeGeneric decodes data into plain maps and slices for schema validation.
// The value is round-tripped through JSON so numbers and maps have the shapes
// the validator expects.
func decodeGeneric(data []byte, format Format) (any, error) {
	var raw any
	switch format {
	case FormatTOML:
		var m map[string]any
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("suite: parsing TOML: %w", err)
		}
		raw = m
	default:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("suite: parsing YAML: %w", err)
		}
	}
	if raw == nil {
		return nil, errors.New("suite: file is empty")
	}

	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("suite: unsupported value: %w", err)
	}
	return unmarshalDocument(js)
}

// undecoded lists keys TOML did not map onto the suite, skipping those
// inside phase marks (they are consumed by Mark.UnmarshalTOML).
func undecoded(md toml.MetaData) []string {
	var keys []string
	for _, k := range md.Undecoded() {
		inMark := false
		for _, part := range k {
			if part == "before_run" || part == "after_run" {
				inMark = true
				break
			}
		}
		if !inMark {
			keys = append(keys, k.String())
		}
	}
	return keys
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
