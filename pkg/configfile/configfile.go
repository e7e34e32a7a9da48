// Package configfile reads and writes config files in JSON, YAML or TOML,
// chosen by file extension, and provides a Duration type that decodes from
// all three.
package configfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from the file extension. Unknown extensions are
// treated as JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Load reads path and decodes it into v.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := Decode(FormatOf(path), data, v); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Decode decodes data in the given format into v.
func Decode(format Format, data []byte, v any) error {
	switch format {
	case FormatYAML:
		return yaml.Unmarshal(data, v)
	case FormatTOML:
		_, err := toml.Decode(string(data), v)
		return err
	default:
		return json.Unmarshal(data, v)
	}
}

// Encode renders v in the given format.
func Encode(format Format, v any) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}
}

// Save writes v to path in the format implied by its extension. The file is
// created with mode 0600 since configs carry secrets.
func Save(path string, v any) error {
	data, err := Encode(FormatOf(path), v)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Duration wraps time.Duration. It decodes from a duration string ("30s") or
// a number of seconds.
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration literal.
func D(d time.Duration) Duration { return Duration{Duration: d} }

func (d *Duration) set(v any) error {
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	case int64:
		d.Duration = time.Duration(val) * time.Second
	case int:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", node.Line)
	}
	switch node.Tag {
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		return d.set(n)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		return d.set(f)
	default:
		return d.set(node.Value)
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Duration) UnmarshalTOML(v any) error {
	return d.set(v)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
