package pgbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erlorenz/pgbus"
)

// storeHarness adapts a store implementation to the shared suite. The publish
// function hides the difference between the transactional Postgres path and
// the in-memory one.
type storeHarness struct {
	store   pgbus.Store
	publish func(t *testing.T, channel string, payload []byte) int64
}

// testStore runs a common test suite against any store implementation.
// Stores must be constructed with a stale deadline of 50ms.
func testStore(t *testing.T, createStore func(t *testing.T) storeHarness) {
	t.Helper()

	tests := []struct {
		name string
		test func(t *testing.T, h storeHarness)
	}{
		{"ClaimOrderAndLimit", testClaimOrderAndLimit},
		{"ClaimIsPerChannel", testClaimIsPerChannel},
		{"LoadNotFound", testLoadNotFound},
		{"TransitionLifecycle", testTransitionLifecycle},
		{"TransitionLosesRace", testTransitionLosesRace},
		{"RequeueKeepsAttempts", testRequeueKeepsAttempts},
		{"TerminalIsFinal", testTerminalIsFinal},
		{"StaleReclaim", testStaleReclaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.test(t, createStore(t))
		})
	}
}

func testClaimOrderAndLimit(t *testing.T, h storeHarness) {
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, h.publish(t, "orders", []byte(`{"id":42}`)))
	}

	claimed, err := h.store.ClaimPending(ctx, "orders", 3)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("Expected 3 ids, got %d", len(claimed))
	}
	for i := range claimed {
		if claimed[i] != ids[i] {
			t.Errorf("Position %d: expected id %d, got %d", i, ids[i], claimed[i])
		}
	}
}

func testClaimIsPerChannel(t *testing.T, h storeHarness) {
	ctx := context.Background()

	h.publish(t, "orders", []byte("a"))
	billing := h.publish(t, "billing", []byte("b"))

	claimed, err := h.store.ClaimPending(ctx, "billing", 10)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != billing {
		t.Fatalf("Expected [%d], got %v", billing, claimed)
	}
}

func testLoadNotFound(t *testing.T, h storeHarness) {
	_, err := h.store.Load(context.Background(), 999999)
	if !errors.Is(err, pgbus.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func testTransitionLifecycle(t *testing.T, h storeHarness) {
	ctx := context.Background()
	id := h.publish(t, "orders", []byte("payload"))

	env, err := h.store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env.State != pgbus.StatePending || env.Attempts != 0 {
		t.Fatalf("Fresh envelope: state=%s attempts=%d", env.State, env.Attempts)
	}

	ok, err := h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "holder-1")
	if err != nil || !ok {
		t.Fatalf("Transition to in_progress: ok=%v err=%v", ok, err)
	}

	env, _ = h.store.Load(ctx, id)
	if env.State != pgbus.StateInProgress {
		t.Errorf("Expected in_progress, got %s", env.State)
	}
	if env.Attempts != 1 {
		t.Errorf("Expected attempts 1, got %d", env.Attempts)
	}
	if env.LockToken != "holder-1" {
		t.Errorf("Expected lock token holder-1, got %q", env.LockToken)
	}
	if env.ClaimedAt.IsZero() {
		t.Error("ClaimedAt not set")
	}

	ok, err = h.store.Transition(ctx, id, pgbus.StateInProgress, pgbus.StateDone, "")
	if err != nil || !ok {
		t.Fatalf("Transition to done: ok=%v err=%v", ok, err)
	}

	env, _ = h.store.Load(ctx, id)
	if env.State != pgbus.StateDone {
		t.Errorf("Expected done, got %s", env.State)
	}
	if env.LockToken != "" {
		t.Errorf("Lock token not cleared: %q", env.LockToken)
	}
	if env.ProcessedAt.IsZero() {
		t.Error("ProcessedAt not set")
	}
}

func testTransitionLosesRace(t *testing.T, h storeHarness) {
	ctx := context.Background()
	id := h.publish(t, "orders", []byte("payload"))

	ok, err := h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "winner")
	if err != nil || !ok {
		t.Fatalf("First transition: ok=%v err=%v", ok, err)
	}

	// Second CAS from pending must lose
	ok, err = h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "loser")
	if err != nil {
		t.Fatalf("Second transition errored: %v", err)
	}
	if ok {
		t.Fatal("Second transition from pending should have lost the race")
	}

	env, _ := h.store.Load(ctx, id)
	if env.LockToken != "winner" || env.Attempts != 1 {
		t.Errorf("Race changed the row: token=%q attempts=%d", env.LockToken, env.Attempts)
	}
}

func testRequeueKeepsAttempts(t *testing.T, h storeHarness) {
	ctx := context.Background()
	id := h.publish(t, "orders", []byte("payload"))

	h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "holder")
	ok, err := h.store.Transition(ctx, id, pgbus.StateInProgress, pgbus.StatePending, "")
	if err != nil || !ok {
		t.Fatalf("Re-queue: ok=%v err=%v", ok, err)
	}

	env, _ := h.store.Load(ctx, id)
	if env.State != pgbus.StatePending {
		t.Errorf("Expected pending, got %s", env.State)
	}
	if env.Attempts != 1 {
		t.Errorf("Re-queue changed attempts: %d", env.Attempts)
	}
	if env.LockToken != "" {
		t.Errorf("Lock token not cleared: %q", env.LockToken)
	}

	// A re-queued envelope is claimable again
	claimed, err := h.store.ClaimPending(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != id {
		t.Fatalf("Expected [%d], got %v", id, claimed)
	}
}

func testTerminalIsFinal(t *testing.T, h storeHarness) {
	ctx := context.Background()

	for _, terminal := range []pgbus.State{pgbus.StateDone, pgbus.StateFailed} {
		id := h.publish(t, "orders", []byte("payload"))
		h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "h")
		h.store.Transition(ctx, id, pgbus.StateInProgress, terminal, "")

		ok, err := h.store.Transition(ctx, id, terminal, pgbus.StatePending, "")
		if err != nil {
			t.Fatalf("Transition errored: %v", err)
		}
		if ok {
			t.Errorf("Envelope resurrected out of %s", terminal)
		}

		claimed, _ := h.store.ClaimPending(ctx, "orders", 10)
		for _, c := range claimed {
			if c == id {
				t.Errorf("Terminal envelope %d visible to scan", id)
			}
		}
	}
}

func testStaleReclaim(t *testing.T, h storeHarness) {
	ctx := context.Background()
	id := h.publish(t, "orders", []byte("payload"))

	h.store.Transition(ctx, id, pgbus.StatePending, pgbus.StateInProgress, "crashed-holder")

	// Not yet stale
	claimed, err := h.store.ClaimPending(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("In-progress envelope claimed too early: %v", claimed)
	}

	time.Sleep(100 * time.Millisecond)

	claimed, err = h.store.ClaimPending(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("ClaimPending failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0] != id {
		t.Fatalf("Expected stale envelope reclaimed, got %v", claimed)
	}

	env, _ := h.store.Load(ctx, id)
	if env.State != pgbus.StatePending {
		t.Errorf("Expected pending after reclaim, got %s", env.State)
	}
	if env.LockToken != "" {
		t.Errorf("Lock token not cleared on reclaim: %q", env.LockToken)
	}
	if env.Attempts != 1 {
		t.Errorf("Reclaim changed attempts: %d", env.Attempts)
	}
}
