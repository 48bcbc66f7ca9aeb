package orchestration

import (
	"context"
	"testing"
)

func TestCancelRegistry(t *testing.T) {
	r := NewCancelRegistry()

	ctx1, cancel1 := context.WithCancel(context.Background())
	r.Register("t1", cancel1)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	if !r.TryCancel("t1") {
		t.Fatal("TryCancel() = false for registered task")
	}
	if ctx1.Err() == nil {
		t.Error("cancel function was not invoked")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after cancel, want 0", r.Len())
	}

	// Cancelling again, or an unknown id, is a no-op.
	if r.TryCancel("t1") {
		t.Error("TryCancel() = true for already-cancelled task")
	}
	if r.TryCancel("unknown") {
		t.Error("TryCancel() = true for unknown task")
	}
}

func TestCancelRegistryRegisterReplaces(t *testing.T) {
	r := NewCancelRegistry()

	_, cancelOld := context.WithCancel(context.Background())
	ctxNew, cancelNew := context.WithCancel(context.Background())
	r.Register("t1", cancelOld)
	r.Register("t1", cancelNew)
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.TryCancel("t1")
	if ctxNew.Err() == nil {
		t.Error("replacement cancel function was not invoked")
	}
}

func TestCancelRegistryUnregister(t *testing.T) {
	r := NewCancelRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	r.Register("t1", cancel)
	r.Unregister("t1")

	if r.TryCancel("t1") {
		t.Error("TryCancel() = true after unregister")
	}
	if ctx.Err() != nil {
		t.Error("unregister must not invoke the cancel function")
	}
}
