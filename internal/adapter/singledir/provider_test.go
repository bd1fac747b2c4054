package singledir

import (
	"context"
	"testing"
	"time"
)

func TestAcquireSerializes(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	h1, err := p.Acquire(ctx, "/repo", "lint")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h1.Path != "/repo" {
		t.Errorf("handle path = %q, want primary", h1.Path)
	}

	// Second acquire must block until the first handle is released.
	acquired := make(chan struct{})
	go func() {
		h2, err := p.Acquire(ctx, "/repo", "typecheck")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		_ = p.Discard(ctx, h2)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	if err := p.Merge(ctx, "/repo", h1); err != nil {
		t.Fatalf("merge: %v", err)
	}

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	h, err := p.Acquire(ctx, "/repo", "lint")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Discard(ctx, h) }()

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := p.Acquire(cancelCtx, "/repo", "typecheck"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestMergeRejectsForeignHandle(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()

	h, err := p.Acquire(ctx, "/repo", "lint")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Merge(ctx, "/other", h); err == nil {
		t.Fatal("expected error for mismatched primary path")
	}
}
