package config

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// ErrEnvInvalidStructure is returned when EnvFeeder is given anything but
// a pointer to a struct.
var ErrEnvInvalidStructure = errors.New("env: invalid structure")

// EnvFeeder fills fields carrying an env tag from PREFIX_TAG environment
// variables. Nested structs are walked; empty variables are ignored.
type EnvFeeder struct {
	Prefix string
}

// Feed implements the golobby config Feeder interface.
func (f EnvFeeder) Feed(structure any) error {
	rv := reflect.ValueOf(structure)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrEnvInvalidStructure
	}
	return f.fill(rv.Elem())
}

func (f EnvFeeder) fill(rv reflect.Value) error {
	for i := range rv.NumField() {
		field := rv.Field(i)
		sf := rv.Type().Field(i)
		if !sf.IsExported() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := f.fill(field); err != nil {
				return err
			}
			continue
		}
		tag, ok := sf.Tag.Lookup("env")
		if !ok {
			continue
		}
		name := f.name(tag)
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("env %s: %w", name, err)
		}
	}
	return nil
}

func (f EnvFeeder) name(tag string) string {
	name := strings.ToUpper(tag)
	if f.Prefix != "" {
		name = strings.ToUpper(f.Prefix) + "_" + name
	}
	return name
}

func setField(field reflect.Value, value string) error {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(value))
	}
	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert value to type %v: %w", field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted).Convert(field.Type()))
	return nil
}
