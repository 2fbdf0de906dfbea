package util

import (
	"errors"
	"testing"
)

func TestPanicToError(t *testing.T) {
	sentinel := errors.New("boom")
	if err := PanicToError(sentinel); err != sentinel {
		t.Fatalf("error value not passed through: %v", err)
	}
	if err := PanicToError("worker died"); err.Error() != "worker died" {
		t.Fatalf("string conversion: %v", err)
	}
	if err := PanicToError(42); err.Error() != "panic: 42" {
		t.Fatalf("default conversion: %v", err)
	}
}
