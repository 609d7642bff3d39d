package feeders

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// normalizeDurations rewrites duration-formatted strings in a decoded file
// tree to integer nanoseconds wherever the target type expects a
// time.Duration. Neither YAML nor TOML has a native duration notion, so
// "45s" would otherwise fail the decode into the target struct.
func normalizeDurations(raw any, target reflect.Type, tagName string) (any, error) {
	if raw == nil || target == nil {
		return raw, nil
	}
	for target.Kind() == reflect.Pointer {
		target = target.Elem()
	}

	if target == durationType {
		s, ok := raw.(string)
		if !ok {
			return raw, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %q to time.Duration: %w", s, err)
		}
		return int64(d), nil
	}

	switch target.Kind() {
	case reflect.Struct:
		tree, ok := raw.(map[string]any)
		if !ok {
			return raw, nil
		}
		for key, value := range tree {
			field, ok := fieldForKey(target, key, tagName)
			if !ok {
				continue
			}
			normalized, err := normalizeDurations(value, field.Type, tagName)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			tree[key] = normalized
		}
		return tree, nil
	case reflect.Map:
		tree, ok := raw.(map[string]any)
		if !ok {
			return raw, nil
		}
		for key, value := range tree {
			normalized, err := normalizeDurations(value, target.Elem(), tagName)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			tree[key] = normalized
		}
		return tree, nil
	case reflect.Slice, reflect.Array:
		items, ok := raw.([]any)
		if !ok {
			return raw, nil
		}
		for i, item := range items {
			normalized, err := normalizeDurations(item, target.Elem(), tagName)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			items[i] = normalized
		}
		return items, nil
	default:
		return raw, nil
	}
}

// fieldForKey resolves a decoded map key to a struct field the way the codec
// would: the tag name when present, the field name (case-insensitive)
// otherwise.
func fieldForKey(target reflect.Type, key, tagName string) (reflect.StructField, bool) {
	for i := 0; i < target.NumField(); i++ {
		field := target.Field(i)
		tag := field.Tag.Get(tagName)
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		switch tag {
		case "-":
			continue
		case "":
			if strings.EqualFold(field.Name, key) {
				return field, true
			}
		case key:
			return field, true
		}
	}
	return reflect.StructField{}, false
}
