// Package feeders populates configuration structs from environment
// variables, YAML files, and TOML files, and can watch file sources for
// changes. The file feeders also feed named sub-sections so one file can
// carry every config section of an application.
package feeders

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/golobby/cast"
)

// EnvFeeder populates struct fields from the environment variables named by
// their `env` tags. Nested structs are walked; fields without a tag or
// without a set variable are left untouched.
type EnvFeeder struct{}

// NewEnvFeeder returns an environment feeder.
func NewEnvFeeder() EnvFeeder { return EnvFeeder{} }

// Feed fills structure from the environment.
func (f EnvFeeder) Feed(structure any) error {
	return feedEnv(structure, "", "")
}

// FeedKey feeds a section target; the environment carries section-specific
// names in the tags themselves, so this simply feeds the target.
func (f EnvFeeder) FeedKey(_ string, target any) error {
	return f.Feed(target)
}

// AffixedEnvFeeder is an EnvFeeder that brackets every variable name with a
// prefix and/or suffix, upper-cased and underscore-joined:
// prefix FOO + tag PORT + suffix BAR looks up FOO_PORT_BAR.
type AffixedEnvFeeder struct {
	Prefix string
	Suffix string
}

// NewAffixedEnvFeeder returns an environment feeder with affixes.
func NewAffixedEnvFeeder(prefix, suffix string) AffixedEnvFeeder {
	return AffixedEnvFeeder{Prefix: prefix, Suffix: suffix}
}

// Feed fills structure from affixed environment variables.
func (f AffixedEnvFeeder) Feed(structure any) error {
	return feedEnv(structure, f.Prefix, f.Suffix)
}

func feedEnv(structure any, prefix, suffix string) error {
	v := reflect.ValueOf(structure)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: got %T", ErrEnvInvalidStructure, structure)
	}
	return feedEnvStruct(v.Elem(), strings.ToUpper(prefix), strings.ToUpper(suffix))
}

func feedEnvStruct(rv reflect.Value, prefix, suffix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		switch {
		case field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}):
			if err := feedEnvStruct(field, prefix, suffix); err != nil {
				return fmt.Errorf("field %q: %w", fieldType.Name, err)
			}
			continue
		case field.Kind() == reflect.Pointer && !field.IsNil() && field.Elem().Kind() == reflect.Struct:
			if err := feedEnvStruct(field.Elem(), prefix, suffix); err != nil {
				return fmt.Errorf("field %q: %w", fieldType.Name, err)
			}
			continue
		}

		tag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		name := strings.ToUpper(tag)
		if prefix != "" {
			name = prefix + "_" + name
		}
		if suffix != "" {
			name = name + "_" + suffix
		}
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setEnvField(field, value); err != nil {
			return fmt.Errorf("field %q from %s: %w", fieldType.Name, name, err)
		}
	}
	return nil
}

var envDurationType = reflect.TypeOf(time.Duration(0))

func setEnvField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return ErrEnvFieldNotSettable
	}
	if field.Type() == envDurationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrEnvCannotConvert, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnvCannotConvert, err)
	}
	cv := reflect.ValueOf(converted)
	if cv.Type() != field.Type() {
		if !cv.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("%w: %s to %s", ErrEnvCannotConvert, cv.Type(), field.Type())
		}
		cv = cv.Convert(field.Type())
	}
	field.Set(cv)
	return nil
}
