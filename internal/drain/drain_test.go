package drain

import (
	"context"
	"testing"
	"time"
)

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatalf("idle counter should be zero")
	}
	c.Inc()
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	if c.WaitForZero(ctx) {
		t.Fatalf("expected wait to time out with calls in flight")
	}
	cancel()
	go func() {
		c.Dec()
		c.Dec()
	}()
	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !c.WaitForZero(ctx) {
		t.Fatalf("expected zero after both calls finished")
	}
	if c.Load() != 0 {
		t.Fatalf("expected 0, got %d", c.Load())
	}
}

func TestDrainingFlag(t *testing.T) {
	Start()
	if !IsDraining() {
		t.Fatalf("expected draining")
	}
	Stop()
	if IsDraining() {
		t.Fatalf("expected not draining")
	}
}
