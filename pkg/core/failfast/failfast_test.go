package failfast

import (
	"errors"
	"strings"
	"testing"
)

func mustPanic(t *testing.T, fn func()) error {
	t.Helper()
	var recovered interface{}
	func() {
		defer func() { recovered = recover() }()
		fn()
	}()
	if recovered == nil {
		t.Fatal("Expected panic, got none")
	}
	err, ok := recovered.(error)
	if !ok {
		t.Fatalf("Expected error type, got: %T", recovered)
	}
	return err
}

func mustNotPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Expected no panic, got: %v", r)
		}
	}()
	fn()
}

func TestErr(t *testing.T) {
	mustNotPanic(t, func() { Err(nil) })

	sentinel := errors.New("test error")
	err := mustPanic(t, func() { Err(sentinel) })
	if !errors.Is(err, sentinel) {
		t.Errorf("panic value should wrap the original error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "fail-fast: test error") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIf(t *testing.T) {
	mustNotPanic(t, func() { If(true, "should not panic") })

	err := mustPanic(t, func() { If(false, "value is %d", 42) })
	if err.Error() != "fail-fast: value is 42" {
		t.Errorf("Expected %q, got %q", "fail-fast: value is 42", err.Error())
	}
}

func TestNotNil(t *testing.T) {
	val := "test"
	mustNotPanic(t, func() { NotNil(&val, "val") })
	mustNotPanic(t, func() { NotNil(0, "zero") })

	var ptr *string
	err := mustPanic(t, func() { NotNil(ptr, "ptr") })
	if err.Error() != "fail-fast: ptr is nil" {
		t.Errorf("Expected %q, got %q", "fail-fast: ptr is nil", err.Error())
	}

	var fn func()
	mustPanic(t, func() { NotNil(fn, "fn") })

	var iface interface{}
	mustPanic(t, func() { NotNil(iface, "iface") })
}
