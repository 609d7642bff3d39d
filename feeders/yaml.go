package feeders

import (
	"fmt"
	"os"
	"reflect"

	"gopkg.in/yaml.v3"
)

// YamlFeeder populates configuration from a YAML file. Duration fields may
// be written as strings like "45s" or "2h"; YAML has no duration type of its
// own.
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder returns a feeder reading the given YAML file.
func NewYamlFeeder(path string) YamlFeeder {
	return YamlFeeder{Path: path}
}

// Feed unmarshals the whole file into structure.
func (y YamlFeeder) Feed(structure any) error {
	tree, err := y.load()
	if err != nil {
		return err
	}
	return y.decode(tree, structure)
}

// FeedKey unmarshals one top-level key into target. A missing key leaves
// the target untouched.
func (y YamlFeeder) FeedKey(key string, target any) error {
	tree, err := y.load()
	if err != nil {
		return err
	}
	sections, ok := tree.(map[string]any)
	if !ok {
		if tree == nil {
			return nil
		}
		return fmt.Errorf("yaml file %q: top level is not a mapping", y.Path)
	}
	value, ok := sections[key]
	if !ok {
		return nil
	}
	if err := y.decode(value, target); err != nil {
		return fmt.Errorf("section %q: %w", key, err)
	}
	return nil
}

func (y YamlFeeder) load() (any, error) {
	raw, err := os.ReadFile(y.Path)
	if err != nil {
		return nil, fmt.Errorf("reading yaml file %q: %w", y.Path, err)
	}
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing yaml file %q: %w", y.Path, err)
	}
	return tree, nil
}

// decode remarshals a tree into target, with duration strings normalized to
// the integers yaml can decode into time.Duration fields.
func (y YamlFeeder) decode(tree, target any) error {
	tree, err := normalizeDurations(tree, reflect.TypeOf(target), "yaml")
	if err != nil {
		return fmt.Errorf("yaml file %q: %w", y.Path, err)
	}
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("remarshaling yaml file %q: %w", y.Path, err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decoding yaml file %q: %w", y.Path, err)
	}
	return nil
}
