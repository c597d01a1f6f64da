// Package config loads YAML or JSON configuration files into structs and
// layers PREFIX_* environment variables on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Validator validates configuration
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Load reads path into target. ".json" files are JSON, everything else YAML.
func Load(path string, target interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(path, target)
	}
	return LoadYAML(path, target)
}

// Save writes config to path in the format its extension selects
func Save(path string, config interface{}) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return SaveJSON(path, config)
	}
	return SaveYAML(path, config)
}

// LoadWithEnv loads path and then applies PREFIX_* environment overrides
func LoadWithEnv(path string, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if err := ApplyEnvOverrides(prefix, target); err != nil {
		return fmt.Errorf("failed to apply env overrides: %w", err)
	}
	return nil
}

// ApplyEnvOverrides sets struct fields from environment variables named
// PREFIX_SECTION_FIELD, where each segment is the field's yaml tag name (or
// its Go name) in upper case, e.g. UNITPOOL_POOL_RESPAWN_LIMIT. Unset or
// empty variables leave the field alone.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "APP"
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnv(prefix, val.Elem())
}

func applyEnv(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}
		key := strings.ReplaceAll(prefix+"_"+strings.ToUpper(envName(typ.Field(i))), "-", "_")

		switch {
		case field.Kind() == reflect.Struct:
			if err := applyEnv(key, field); err != nil {
				return err
			}
			continue
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			if err := applyEnv(key, field.Elem()); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		if err := setFromString(field, raw); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", typ.Field(i).Name, key, err)
		}
	}
	return nil
}

func envName(field reflect.StructField) string {
	if tag, ok := field.Tag.Lookup("yaml"); ok {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return field.Name
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFromString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration value: %s", raw)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer value: %s", raw)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", raw)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float value: %s", raw)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", raw)
		}
		field.SetBool(b)
	case reflect.Slice:
		// comma separated
		parts := strings.Split(raw, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setFromString(slice.Index(i), strings.TrimSpace(part)); err != nil {
				return err
			}
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate runs validators in order and returns the first failure
func Validate(config interface{}, validators ...Validator) error {
	for _, v := range validators {
		if err := v.Validate(config); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}
