package concurrency

import (
	"testing"
	"time"
)

func TestSafeGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() { close(done) }, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function never ran")
	}
}

func TestSafeGo_RecoversPanic(t *testing.T) {
	recovered := make(chan interface{}, 1)
	SafeGo(func() { panic("boom") }, func(r interface{}) { recovered <- r })

	select {
	case r := <-recovered:
		if r != "boom" {
			t.Fatalf("expected panic value, got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("panic callback never ran")
	}
}
