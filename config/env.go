package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// lookupEnv abstracts os.LookupEnv so overrides can be tested in isolation.
type lookupEnv func(key string) (string, bool)

// loadFromEnv overlays GREENMOVE_* environment variables onto cfg.
func loadFromEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

// applyEnv walks target's fields and sets every field whose env tag names a
// non-empty variable. All failures are reported together.
func applyEnv(target any, lookup lookupEnv) error {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("expected pointer to struct, got %T", target)
	}
	var errs []error
	walkEnv(val.Elem(), lookup, &errs)
	return errors.Join(errs...)
}

func walkEnv(v reflect.Value, lookup lookupEnv, errs *[]error) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			walkEnv(field, lookup, errs)
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := setFromString(field, strings.TrimSpace(raw)); err != nil {
			*errs = append(*errs, fmt.Errorf("%s (%s): %w", name, sf.Name, err))
		}
	}
}

// setFromString converts raw into field's type. Named string types (such as
// sqlx.Driver or Environment) are handled by kind.
func setFromString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer %q", raw)
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float %q", raw)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem().Kind())
		}
		items := splitList(raw)
		out := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, item := range items {
			out.Index(i).SetString(item)
		}
		field.Set(out)
	case reflect.Map:
		if field.Type().Key().Kind() != reflect.String || field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported map type %s", field.Type())
		}
		out := reflect.MakeMap(field.Type())
		for _, pair := range splitList(raw) {
			k, v, ok := strings.Cut(pair, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return fmt.Errorf("invalid map entry %q, want key=value", pair)
			}
			out.SetMapIndex(reflect.ValueOf(strings.TrimSpace(k)).Convert(field.Type().Key()),
				reflect.ValueOf(strings.TrimSpace(v)).Convert(field.Type().Elem()))
		}
		field.Set(out)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// splitList splits a comma-separated value, dropping blank items.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
