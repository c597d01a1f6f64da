package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// FieldError reports a configuration field that failed validation.
// Field is the dotted path, e.g. "Pool.Size".
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s %s", e.Field, e.Reason)
}

// lookup resolves a dotted field path on a struct or pointer to struct
func lookup(config interface{}, path string) (reflect.Value, error) {
	current := reflect.ValueOf(config)
	for _, part := range strings.Split(path, ".") {
		for current.Kind() == reflect.Ptr {
			if current.IsNil() {
				return reflect.Value{}, &FieldError{Field: path, Reason: "not found (nil pointer)"}
			}
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return reflect.Value{}, &FieldError{Field: path, Reason: "not found in config struct"}
		}
		current = current.FieldByName(part)
		if !current.IsValid() {
			return reflect.Value{}, &FieldError{Field: path, Reason: "not found in config struct"}
		}
	}
	return current, nil
}

// RequiredFields rejects zero values in the named fields
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		var missing []string
		for _, name := range fields {
			v, err := lookup(config, name)
			if err != nil {
				return err
			}
			if v.IsZero() || ((v.Kind() == reflect.Slice || v.Kind() == reflect.Map) && v.Len() == 0) {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

func numeric(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// RangeValidator checks that a numeric field lies in [min, max].
// Nested fields use dot notation, e.g. "Pool.Size".
func RangeValidator(field string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := lookup(config, field)
		if err != nil {
			return err
		}
		n, ok := numeric(v)
		if !ok {
			return &FieldError{Field: field, Reason: "is not numeric"}
		}
		if n < min || n > max {
			return &FieldError{Field: field, Reason: fmt.Sprintf("value %g is out of range [%g, %g]", n, min, max)}
		}
		return nil
	})
}

// DurationRange checks that a time.Duration field lies in [min, max]
func DurationRange(field string, min, max time.Duration) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := lookup(config, field)
		if err != nil {
			return err
		}
		if v.Type() != durationType {
			return &FieldError{Field: field, Reason: "is not a duration"}
		}
		d := time.Duration(v.Int())
		if d < min || d > max {
			return &FieldError{Field: field, Reason: fmt.Sprintf("value %s is out of range [%s, %s]", d, min, max)}
		}
		return nil
	})
}

// OneOfValidator checks that a field equals one of allowed
func OneOfValidator(field string, allowed ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		v, err := lookup(config, field)
		if err != nil {
			return err
		}
		got := v.Interface()
		for _, a := range allowed {
			if reflect.DeepEqual(got, a) {
				return nil
			}
		}
		return &FieldError{Field: field, Reason: fmt.Sprintf("value %v is not one of allowed values: %v", got, allowed)}
	})
}
