package pgbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/erlorenz/pgbus"
)

func noop(ctx context.Context, payload []byte) error { return nil }

func TestRegistryOrder(t *testing.T) {
	reg := pgbus.NewRegistry()

	for _, id := range []string{"first", "second", "third"} {
		if err := reg.Register("orders", id, noop, false); err != nil {
			t.Fatalf("Register %q failed: %v", id, err)
		}
	}

	regs := reg.HandlersFor("orders")
	if len(regs) != 3 {
		t.Fatalf("Expected 3 handlers, got %d", len(regs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if regs[i].ID != want {
			t.Errorf("Handler %d: expected %q, got %q", i, want, regs[i].ID)
		}
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := pgbus.NewRegistry()

	if err := reg.Register("orders", "ship", noop, true); err != nil {
		t.Fatalf("First Register failed: %v", err)
	}

	err := reg.Register("orders", "ship", noop, true)
	if !errors.Is(err, pgbus.ErrDuplicateHandler) {
		t.Fatalf("Expected ErrDuplicateHandler, got %v", err)
	}

	// Same id on a different channel is fine
	if err := reg.Register("billing", "ship", noop, true); err != nil {
		t.Fatalf("Register on other channel failed: %v", err)
	}
}

func TestRegistryChannelsSorted(t *testing.T) {
	reg := pgbus.NewRegistry()
	reg.Register("orders", "a", noop, false)
	reg.Register("billing", "b", noop, false)
	reg.Register("audit", "c", noop, false)

	channels := reg.Channels()
	want := []string{"audit", "billing", "orders"}
	if len(channels) != len(want) {
		t.Fatalf("Expected %d channels, got %d", len(want), len(channels))
	}
	for i := range want {
		if channels[i] != want[i] {
			t.Errorf("Channel %d: expected %q, got %q", i, want[i], channels[i])
		}
	}
}

func TestRegistryEmptyChannel(t *testing.T) {
	reg := pgbus.NewRegistry()

	if regs := reg.HandlersFor("nothing"); len(regs) != 0 {
		t.Errorf("Expected no handlers, got %d", len(regs))
	}
}
