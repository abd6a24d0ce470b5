package config

import (
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/multierr"
)

// Validator validates configuration
type Validator interface {
	Validate(config interface{}) error
}

// ValidatorFunc is a function that validates configuration
type ValidatorFunc func(config interface{}) error

func (f ValidatorFunc) Validate(config interface{}) error {
	return f(config)
}

// Validate runs every validator and returns all failures combined.
func Validate(config interface{}, validators ...Validator) error {
	var errs error
	for _, v := range validators {
		errs = multierr.Append(errs, v.Validate(config))
	}
	if errs != nil {
		return fmt.Errorf("invalid configuration: %w", errs)
	}
	return nil
}

// When applies validators only if cond holds for the config, e.g. to
// require a DSN only when the database section is enabled.
func When(cond func(config interface{}) bool, validators ...Validator) Validator {
	return ValidatorFunc(func(config interface{}) error {
		if !cond(config) {
			return nil
		}
		var errs error
		for _, v := range validators {
			errs = multierr.Append(errs, v.Validate(config))
		}
		return errs
	})
}

// FieldTrue reports whether the boolean field at fieldPath is set.
func FieldTrue(fieldPath string) func(config interface{}) bool {
	return func(config interface{}) bool {
		f := field(config, fieldPath)
		return f.IsValid() && f.Kind() == reflect.Bool && f.Bool()
	}
}

// RequiredFields validates that required fields are not empty.
// Supports nested fields using dot notation (e.g., "Database.DSN")
func RequiredFields(fields ...string) Validator {
	return ValidatorFunc(func(config interface{}) error {
		missing := make([]string, 0)
		for _, name := range fields {
			f := field(config, name)
			if !f.IsValid() {
				return fmt.Errorf("field %s not found in config struct", name)
			}
			if f.IsZero() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("required fields are missing: %s", strings.Join(missing, ", "))
		}
		return nil
	})
}

// RangeValidator validates that a numeric field is within [min, max].
// Duration fields are compared in nanoseconds.
func RangeValidator(fieldName string, min, max float64) Validator {
	return ValidatorFunc(func(config interface{}) error {
		f := field(config, fieldName)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", fieldName)
		}

		var n float64
		switch f.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n = float64(f.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n = float64(f.Uint())
		case reflect.Float32, reflect.Float64:
			n = f.Float()
		default:
			return fmt.Errorf("field %s is not numeric", fieldName)
		}

		if n < min || n > max {
			return fmt.Errorf("field %s value %v is out of range [%v, %v]", fieldName, n, min, max)
		}
		return nil
	})
}

// OneOfValidator validates that a field value is one of the allowed values
func OneOfValidator(fieldName string, allowedValues ...interface{}) Validator {
	return ValidatorFunc(func(config interface{}) error {
		f := field(config, fieldName)
		if !f.IsValid() {
			return fmt.Errorf("field %s not found", fieldName)
		}

		value := f.Interface()
		for _, allowed := range allowedValues {
			if reflect.DeepEqual(value, allowed) {
				return nil
			}
		}
		return fmt.Errorf("field %s value %v is not one of allowed values: %v", fieldName, value, allowedValues)
	})
}

// field resolves a dot separated field path on a struct or struct pointer.
func field(config interface{}, fieldPath string) reflect.Value {
	current := reflect.ValueOf(config)
	for _, part := range strings.Split(fieldPath, ".") {
		if current.Kind() == reflect.Ptr {
			if current.IsNil() {
				return reflect.Value{}
			}
			current = current.Elem()
		}
		if current.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		current = current.FieldByName(part)
		if !current.IsValid() {
			return reflect.Value{}
		}
	}
	return current
}
