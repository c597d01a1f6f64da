// Package failfast turns programmer errors into immediate panics.
//
// It is reserved for misuse that no caller can recover from (a nil spawner,
// an explicit pool size below one). Runtime conditions such as a missing unit
// executable are never reported through this package.
package failfast

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// Err panics if err != nil
// Includes stack trace for debugging
func Err(err error) {
	if err != nil {
		panic(fmt.Errorf("fail-fast: %w\n%s", err, debug.Stack()))
	}
}

// If panics if condition is false
func If(condition bool, message string, args ...interface{}) {
	if !condition {
		panic(fmt.Errorf("fail-fast: "+message, args...))
	}
}

// NotNil panics if ptr is nil, including typed nil pointers, maps, funcs and chans
func NotNil(ptr interface{}, name string) {
	if ptr == nil {
		panic(fmt.Errorf("fail-fast: %s is nil", name))
	}
	v := reflect.ValueOf(ptr)
	switch v.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Interface:
		if v.IsNil() {
			panic(fmt.Errorf("fail-fast: %s is nil", name))
		}
	}
}

// Positive panics if n < 1
func Positive(n int, name string) {
	if n < 1 {
		panic(fmt.Errorf("fail-fast: %s must be >= 1, got %d", name, n))
	}
}
