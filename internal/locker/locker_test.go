package locker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireSerializesSameFingerprint(t *testing.T) {
	l := New("", 2*time.Second)
	var running int32
	var maxConcurrent int32

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			release, err := l.Acquire(context.Background(), "fp-1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				done <- struct{}{}
				return
			}
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxConcurrent)
				if cur <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			release()
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if maxConcurrent != 1 {
		t.Fatalf("expected exactly one holder of fp-1 at a time, saw %d concurrent", maxConcurrent)
	}
}

func TestAcquireDifferentFingerprintsConcurrent(t *testing.T) {
	l := New("", 2*time.Second)
	release1, err := l.Acquire(context.Background(), "fp-a")
	if err != nil {
		t.Fatalf("acquire fp-a: %v", err)
	}
	defer release1()

	release2, err := l.Acquire(context.Background(), "fp-b")
	if err != nil {
		t.Fatalf("acquire fp-b should not block on fp-a: %v", err)
	}
	release2()
}

func TestAcquireTimeout(t *testing.T) {
	l := New("", 20*time.Millisecond)
	release, err := l.Acquire(context.Background(), "fp-timeout")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer release()

	_, err = l.Acquire(context.Background(), "fp-timeout")
	if err == nil {
		t.Fatal("expected LockTimeout error")
	}
}
