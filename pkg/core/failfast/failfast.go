// Package failfast turns programmer errors into immediate panics.
//
// It is reserved for contract violations (resolving a promise twice, passing
// a nil handler). Runtime failures such as a verticle failing to start are
// ordinary errors and never go through this package.
package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Err panics with err and the current stack when err is non-nil.
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics unless condition holds.
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics when v is nil, including typed nil pointers, funcs, maps,
// channels and slices hidden behind an interface.
func NotNil(v interface{}, name string) {
	if isNil(v) {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
