package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestFatalWrapping(t *testing.T) {
	base := errors.New("bad descriptor")
	err := Fatal("stream.Create", base)
	if !IsFatal(err) {
		t.Fatalf("expected fatal")
	}
	if !errors.Is(err, base) {
		t.Fatalf("fatal must unwrap to cause")
	}
	if got := err.Error(); got != "fatal: stream.Create: bad descriptor" {
		t.Fatalf("unexpected message: %q", got)
	}

	wrapped := fmt.Errorf("pipeline: %w", err)
	if !IsFatal(wrapped) {
		t.Fatalf("fatal must survive wrapping")
	}
	if Fatal("again", wrapped) != wrapped {
		t.Fatalf("double wrap should be a no-op")
	}
	if Fatal("nil", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	if IsFatal(base) {
		t.Fatalf("plain errors are not fatal")
	}
}
