package plume

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ConfigProvider supplies a configuration value for a named section.
// GetConfig must return a pointer for the value to be fed by feeders.
type ConfigProvider interface {
	GetConfig() any
}

// StdConfigProvider wraps a fixed configuration value.
type StdConfigProvider struct {
	cfg any
}

// NewStdConfigProvider returns a provider serving cfg.
func NewStdConfigProvider(cfg any) *StdConfigProvider {
	return &StdConfigProvider{cfg: cfg}
}

func (p *StdConfigProvider) GetConfig() any { return p.cfg }

// Feeder populates a configuration struct from one source (environment,
// YAML file, TOML file, ...).
type Feeder interface {
	Feed(structure any) error
}

// ComplexFeeder additionally feeds a named sub-section of its source, so a
// single file can carry every section's configuration.
type ComplexFeeder interface {
	Feeder
	FeedKey(key string, target any) error
}

// Config assembles feeders and section targets and runs a feed pass:
// defaults from struct tags first, then each feeder in order, later feeders
// overwriting earlier ones.
type Config struct {
	feeders    []Feeder
	structKeys map[string]any
}

// NewConfig returns an empty feed plan.
func NewConfig() *Config {
	return &Config{structKeys: make(map[string]any)}
}

// AddFeeder appends a feeder to the plan.
func (c *Config) AddFeeder(f Feeder) *Config {
	if f != nil {
		c.feeders = append(c.feeders, f)
	}
	return c
}

// AddStructKey registers a section target under its key.
func (c *Config) AddStructKey(key string, target any) *Config {
	c.structKeys[key] = target
	return c
}

// Feed applies defaults and runs every feeder over every registered section.
func (c *Config) Feed() error {
	for key, target := range c.structKeys {
		if err := ApplyDefaults(target); err != nil {
			return fmt.Errorf("applying defaults for section %q: %w", key, err)
		}
	}
	for _, feeder := range c.feeders {
		for key, target := range c.structKeys {
			var err error
			if complex, ok := feeder.(ComplexFeeder); ok {
				err = complex.FeedKey(key, target)
			} else {
				err = feeder.Feed(target)
			}
			if err != nil {
				return fmt.Errorf("feeding section %q: %w", key, err)
			}
		}
	}
	return nil
}

// ApplyDefaults fills zero-valued fields of a struct (recursively) from
// their `default` tags. Supported kinds: strings, booleans, integer and
// float types, time.Duration, and comma-separated string slices.
func ApplyDefaults(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return fmt.Errorf("%w: got %T", ErrConfigNotPointer, target)
	}
	elem := v.Elem()
	if elem.Kind() != reflect.Struct {
		return fmt.Errorf("%w: got %T", ErrConfigNotPointer, target)
	}
	return applyDefaultsStruct(elem)
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyDefaultsStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)
		if !value.CanSet() {
			continue
		}

		switch {
		case value.Kind() == reflect.Struct && field.Type != durationType:
			if err := applyDefaultsStruct(value); err != nil {
				return err
			}
			continue
		case value.Kind() == reflect.Pointer && field.Type.Elem().Kind() == reflect.Struct:
			if value.IsNil() {
				value.Set(reflect.New(field.Type.Elem()))
			}
			if err := applyDefaultsStruct(value.Elem()); err != nil {
				return err
			}
			continue
		}

		tag, ok := field.Tag.Lookup("default")
		if !ok || !value.IsZero() {
			continue
		}
		if err := setDefaultValue(value, tag); err != nil {
			return fmt.Errorf("%w: field %s value %q: %w", ErrConfigDefaultInvalid, field.Name, tag, err)
		}
	}
	return nil
}

func setDefaultValue(value reflect.Value, tag string) error {
	if value.Type() == durationType {
		d, err := time.ParseDuration(tag)
		if err != nil {
			return err
		}
		value.SetInt(int64(d))
		return nil
	}

	switch value.Kind() {
	case reflect.String:
		value.SetString(tag)
	case reflect.Bool:
		b, err := strconv.ParseBool(tag)
		if err != nil {
			return err
		}
		value.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(tag, 10, 64)
		if err != nil {
			return err
		}
		if value.OverflowInt(n) {
			return fmt.Errorf("value overflows %s", value.Kind())
		}
		value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(tag, 10, 64)
		if err != nil {
			return err
		}
		if value.OverflowUint(n) {
			return fmt.Errorf("value overflows %s", value.Kind())
		}
		value.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(tag, 64)
		if err != nil {
			return err
		}
		value.SetFloat(f)
	case reflect.Slice:
		if value.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element kind %s", value.Type().Elem().Kind())
		}
		parts := strings.Split(tag, ",")
		slice := reflect.MakeSlice(value.Type(), len(parts), len(parts))
		for i, part := range parts {
			slice.Index(i).SetString(strings.TrimSpace(part))
		}
		value.Set(slice)
	default:
		return fmt.Errorf("unsupported field kind %s", value.Kind())
	}
	return nil
}

// AppConfig is the application's own config section, registered under
// SectionApp. The HTTP timeouts govern the server Listen builds.
type AppConfig struct {
	Name              string        `yaml:"name" default:"plume" desc:"Application name, used as the observer event source" env:"PLUME_NAME"`
	ReadTimeout       time.Duration `yaml:"read_timeout" default:"15s" desc:"HTTP server read timeout" env:"PLUME_READ_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" default:"5s" desc:"HTTP server read header timeout" env:"PLUME_READ_HEADER_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"15s" desc:"HTTP server write timeout" env:"PLUME_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" default:"60s" desc:"HTTP server idle timeout" env:"PLUME_IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" default:"10s" desc:"Graceful shutdown budget" env:"PLUME_SHUTDOWN_TIMEOUT"`
}

// SectionApp is the config section name the application config lives under.
const SectionApp = "app"

// NewAppConfig returns an AppConfig with defaults applied.
func NewAppConfig() *AppConfig {
	cfg := &AppConfig{}
	if err := ApplyDefaults(cfg); err != nil {
		panic(fmt.Sprintf("plume: invalid AppConfig defaults: %v", err))
	}
	return cfg
}
