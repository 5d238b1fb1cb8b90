package config

import (
	"reflect"
	"strings"
)

const (
	sep = "."

	validateTag      = "validate"
	validateRequired = "required"
)

// GetStructKeys returns the dotted keys of all leaf fields in a nested struct, named by tag
// or by the field name. A tag value ending in ","+squashValue flattens that field into its
// parent, like mapstructure does.
func GetStructKeys(typ reflect.Type, tag, squashValue string) []string {
	var keys []string
	walkStructFields(typ, tag, ","+squashValue, nil, func(key []string, _ reflect.StructField) {
		keys = append(keys, strings.Join(key, sep))
	})
	return keys
}

// ValidateMissingRequiredKeys returns the keys of fields tagged validate:"required" that hold
// their zero value.
func ValidateMissingRequiredKeys(value interface{}, tag, squashValue string) []string {
	var missing []string
	v := reflect.ValueOf(value)
	walkStructValues(v, tag, ","+squashValue, nil, func(key []string, field reflect.StructField, fv reflect.Value) {
		if field.Tag.Get(validateTag) == validateRequired && fv.IsZero() {
			missing = append(missing, strings.Join(key, sep))
		}
	})
	return missing
}

func fieldKey(field reflect.StructField, tag, squashValue string, prefix []string) []string {
	name, ok := field.Tag.Lookup(tag)
	squash := false
	if ok && strings.HasSuffix(name, squashValue) {
		squash = true
		name = strings.TrimSuffix(name, squashValue)
	}
	if !ok {
		name = field.Name
	}
	key := append([]string{}, prefix...)
	if !squash {
		key = append(key, name)
	}
	return key
}

func walkStructFields(typ reflect.Type, tag, squashValue string, prefix []string, fn func([]string, reflect.StructField)) {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		key := fieldKey(field, tag, squashValue, prefix)
		ft := field.Type
		for ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			walkStructFields(ft, tag, squashValue, key, fn)
			continue
		}
		fn(key, field)
	}
}

func walkStructValues(v reflect.Value, tag, squashValue string, prefix []string, fn func([]string, reflect.StructField, reflect.Value)) {
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		key := fieldKey(field, tag, squashValue, prefix)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			walkStructValues(fv, tag, squashValue, key, fn)
			continue
		}
		fn(key, field, fv)
	}
}
