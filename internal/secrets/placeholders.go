// Package secrets swaps secret references in loaded configuration for their values.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const refPrefix = "vault://"

// Resolver turns one reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ReplacePlaceholders walks target (a pointer to a struct) and replaces every string field
// or map[string]string value holding a vault:// reference. It returns the dotted names of
// the fields it replaced, using yaml tags where present.
func ReplacePlaceholders(ctx context.Context, target any, r Resolver) ([]string, error) {
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return nil, errors.New("target must be a non-nil pointer")
	}
	w := walker{ctx: ctx, r: r}
	if err := w.walk(val.Elem(), ""); err != nil {
		return w.replaced, err
	}
	return w.replaced, nil
}

type walker struct {
	ctx      context.Context
	r        Resolver
	replaced []string
}

func (w *walker) resolve(name, raw string) (string, bool, error) {
	if !strings.HasPrefix(strings.TrimSpace(raw), refPrefix) {
		return raw, false, nil
	}
	if w.r == nil {
		return "", false, fmt.Errorf("%s: secret reference but no resolver configured", name)
	}
	v, err := w.r.Resolve(w.ctx, strings.TrimSpace(raw))
	if err != nil {
		return "", false, fmt.Errorf("%s: %w", name, err)
	}
	w.replaced = append(w.replaced, name)
	return v, true, nil
}

func (w *walker) walk(v reflect.Value, name string) error {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), name)
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		s, changed, err := w.resolve(name, v.String())
		if err != nil {
			return err
		}
		if changed {
			v.SetString(s)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			if err := w.walk(v.Field(i), join(name, fieldName(f))); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String || v.Type().Key().Kind() != reflect.String {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			s, changed, err := w.resolve(join(name, k.String()), iter.Value().String())
			if err != nil {
				return err
			}
			if changed {
				v.SetMapIndex(k, reflect.ValueOf(s).Convert(v.Type().Elem()))
			}
		}
	}
	return nil
}

func fieldName(f reflect.StructField) string {
	if tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ","); tag != "" && tag != "-" {
		return tag
	}
	return f.Name
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
