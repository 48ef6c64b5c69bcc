package document

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func waitForGoroutines(t *testing.T, ceiling int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= ceiling {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines did not settle: %d running, ceiling %d", runtime.NumGoroutine(), ceiling)
}

func TestSubscribeCancelReleasesWatcher(t *testing.T) {
	b := newBroadcaster[int]()
	baseline := runtime.NumGoroutine()

	cancels := make([]func(), 0, 50)
	for i := 0; i < 50; i++ {
		_, cancel := b.Subscribe(context.Background())
		cancels = append(cancels, cancel)
	}
	for _, cancel := range cancels {
		cancel()
	}

	waitForGoroutines(t, baseline+1)
}

func TestCloseReleasesWatchers(t *testing.T) {
	b := newBroadcaster[int]()
	baseline := runtime.NumGoroutine()

	for i := 0; i < 50; i++ {
		b.Subscribe(context.Background())
	}
	b.Close()

	waitForGoroutines(t, baseline+1)
}

func TestCancelIdempotentAfterClose(t *testing.T) {
	b := newBroadcaster[int]()
	stream, cancel := b.Subscribe(context.Background())

	b.Close()
	cancel()
	cancel()

	if _, open := <-stream; open {
		t.Fatalf("stream should be closed")
	}
}
