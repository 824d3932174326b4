package browser

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpContextHonorsCallerCancel(t *testing.T) {
	p := &ColabProber{browserCtx: context.Background()}

	ctx, cancel := context.WithCancel(context.Background())
	opCtx, opCancel := p.opContextLocked(ctx, time.Hour)
	defer opCancel()

	cancel()
	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("action context outlived the caller's context")
	}
}

func TestOpContextKeepsTimeout(t *testing.T) {
	p := &ColabProber{browserCtx: context.Background()}

	opCtx, opCancel := p.opContextLocked(context.Background(), 10*time.Millisecond)
	defer opCancel()

	select {
	case <-opCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("action context did not time out")
	}
	if !errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", opCtx.Err())
	}
}

func TestOpContextUnhooksOnCancel(t *testing.T) {
	p := &ColabProber{browserCtx: context.Background()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opCtx, opCancel := p.opContextLocked(ctx, time.Hour)
	opCancel()

	if !errors.Is(opCtx.Err(), context.Canceled) {
		t.Fatalf("err after release = %v, want canceled", opCtx.Err())
	}
	if ctx.Err() != nil {
		t.Fatal("releasing the action context must not touch the caller's context")
	}
}
