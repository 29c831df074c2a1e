package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsThroughChains(t *testing.T) {
	base := Wrap(Capacity, "no free ports", errors.New("exhausted"))
	wrapped := fmt.Errorf("create instance: %w", base)

	if KindOf(wrapped) != Capacity {
		t.Errorf("expected CAPACITY through wrapping, got %q", KindOf(wrapped))
	}
	if !IsKind(wrapped, Capacity) {
		t.Error("IsKind should match through wrapping")
	}
	if MessageOf(wrapped) != "no free ports" {
		t.Errorf("unexpected message %q", MessageOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Error("plain errors carry no kind")
	}
}

func TestInternalKinds(t *testing.T) {
	for _, k := range []Kind{Runtime, Persistence} {
		if !k.Internal() {
			t.Errorf("%s should be internal", k)
		}
	}
	for _, k := range []Kind{Validation, NotFound, Conflict, Capacity} {
		if k.Internal() {
			t.Errorf("%s should not be internal", k)
		}
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Persistence, "persist instance", cause)
	if !errors.Is(err, cause) {
		t.Error("cause lost through Wrap")
	}
}
