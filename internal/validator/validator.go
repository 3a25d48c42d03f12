// Package validator checks constructor dependencies and struct tags.
package validator

import (
	"fmt"
	"reflect"

	playground "github.com/go-playground/validator/v10"
)

// structs caches struct metadata across calls.
var structs = playground.New(playground.WithRequiredStructEnabled())

// Validate fails when any of deps is nil or the zero value of its type.
func Validate(name string, deps ...any) error {
	for i, dep := range deps {
		if missing(dep) {
			return fmt.Errorf("missing required deps for component: %s (dependency %d)", name, i)
		}
	}

	return nil
}

func missing(dep any) bool {
	if dep == nil {
		return true
	}

	v := reflect.ValueOf(dep)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}

// Struct validates v against its `validate` struct tags.
func Struct(v any) error {
	return structs.Struct(v)
}
