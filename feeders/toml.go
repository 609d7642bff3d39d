package feeders

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
)

// TomlFeeder populates configuration from a TOML file. Duration fields may
// be written as strings like "45s" or "2h"; TOML has no duration type of its
// own.
type TomlFeeder struct {
	Path string
}

// NewTomlFeeder returns a feeder reading the given TOML file.
func NewTomlFeeder(path string) TomlFeeder {
	return TomlFeeder{Path: path}
}

// Feed decodes the whole file into structure.
func (t TomlFeeder) Feed(structure any) error {
	tree, err := t.load()
	if err != nil {
		return err
	}
	return t.decode(tree, structure)
}

// FeedKey decodes one top-level table into target. A missing table leaves
// the target untouched.
func (t TomlFeeder) FeedKey(key string, target any) error {
	tree, err := t.load()
	if err != nil {
		return err
	}
	value, ok := tree[key]
	if !ok {
		return nil
	}
	if err := t.decode(value, target); err != nil {
		return fmt.Errorf("section %q: %w", key, err)
	}
	return nil
}

func (t TomlFeeder) load() (map[string]any, error) {
	var tree map[string]any
	if _, err := toml.DecodeFile(t.Path, &tree); err != nil {
		return nil, fmt.Errorf("decoding toml file %q: %w", t.Path, err)
	}
	return tree, nil
}

// decode re-encodes a tree into target, with duration strings normalized to
// the integers toml can decode into time.Duration fields.
func (t TomlFeeder) decode(tree, target any) error {
	tree, err := normalizeDurations(tree, reflect.TypeOf(target), "toml")
	if err != nil {
		return fmt.Errorf("toml file %q: %w", t.Path, err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tree); err != nil {
		return fmt.Errorf("re-encoding toml file %q: %w", t.Path, err)
	}
	if _, err := toml.Decode(buf.String(), target); err != nil {
		return fmt.Errorf("decoding toml file %q: %w", t.Path, err)
	}
	return nil
}
