package domain

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testFrame(w, h int) Frame {
	return NewFrame(image.NewRGBA(image.Rect(0, 0, w, h)), "png")
}

func newStartedBuffer(capacity int) *FrameBuffer {
	b := NewFrameBuffer(capacity, 640, 480, zerolog.Nop())
	b.Start()
	return b
}

func TestFrameBufferKeepsMostRecent(t *testing.T) {
	const capacity = 4
	b := newStartedBuffer(capacity)

	for i := 1; i <= 10; i++ {
		if err := b.Push(testFrame(i, 1)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if got := b.Len(); got != capacity {
		t.Fatalf("expected %d frames, got %d", capacity, got)
	}
	for want := 7; want <= 10; want++ {
		f, ok := b.Pop()
		if !ok {
			t.Fatalf("pop returned no frame")
		}
		if f.Width != want {
			t.Errorf("expected frame %d, got %d", want, f.Width)
		}
	}
	if s := b.Stats(); s.Dropped != 6 || s.Pushed != 10 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestFrameBufferPushRejected(t *testing.T) {
	b := NewFrameBuffer(2, 0, 0, zerolog.Nop())

	if err := b.Push(testFrame(2, 2)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning before start, got %v", err)
	}

	b.Start()
	if err := b.Push(Frame{}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning for empty frame, got %v", err)
	}

	b.Stop()
	if err := b.Push(testFrame(2, 2)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestFrameBufferStopWakesAllConsumers(t *testing.T) {
	const consumers = 5
	b := newStartedBuffer(4)

	results := make(chan bool, consumers)
	var ready sync.WaitGroup
	ready.Add(consumers)
	for i := 0; i < consumers; i++ {
		go func() {
			ready.Done()
			_, ok := b.Pop()
			results <- ok
		}()
	}
	ready.Wait()
	time.Sleep(20 * time.Millisecond)

	b.Stop()

	timeout := time.After(time.Second)
	for i := 0; i < consumers; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Errorf("expected no-frame sentinel")
			}
		case <-timeout:
			t.Fatalf("only %d of %d consumers woke up", i, consumers)
		}
	}
}

func TestFrameBufferDrainsAfterStop(t *testing.T) {
	b := newStartedBuffer(4)
	_ = b.Push(testFrame(1, 1))
	_ = b.Push(testFrame(2, 1))
	b.Stop()

	for want := 1; want <= 2; want++ {
		f, ok := b.Pop()
		if !ok || f.Width != want {
			t.Fatalf("expected frame %d, got %d (ok=%v)", want, f.Width, ok)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatalf("expected sentinel once drained")
	}
}

func TestFrameBufferSetCapacityTrimsFront(t *testing.T) {
	b := newStartedBuffer(10)
	for i := 1; i <= 8; i++ {
		_ = b.Push(testFrame(i, 1))
	}

	if err := b.SetCapacity(3); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("expected 3 frames, got %d", got)
	}
	f, _ := b.Pop()
	if f.Width != 6 {
		t.Errorf("expected oldest kept frame 6, got %d", f.Width)
	}

	if err := b.SetCapacity(0); !errors.Is(err, ErrFailedPrecondition) {
		t.Errorf("expected ErrFailedPrecondition, got %v", err)
	}
}

func TestFrameBufferDimensionsFollowLatestFrame(t *testing.T) {
	b := newStartedBuffer(4)
	_ = b.Push(testFrame(320, 240))
	_ = b.Push(testFrame(1280, 720))

	w, h := b.Dimensions()
	if w != 1280 || h != 720 {
		t.Errorf("expected 1280x720, got %dx%d", w, h)
	}
}

func TestFrameBufferTimestamps(t *testing.T) {
	b := NewFrameBuffer(8, 0, 0, zerolog.Nop())
	base := time.Unix(1000, 0)
	clock := base
	b.now = func() time.Time { return clock }
	b.Start()

	clock = base.Add(10 * time.Millisecond)
	_ = b.Push(testFrame(1, 1))
	_ = b.Push(testFrame(2, 1))

	// a clock step backwards must not move the timestamp back
	clock = base.Add(5 * time.Millisecond)
	first, _ := b.Pop()
	clock = base.Add(30 * time.Millisecond)
	second, _ := b.Pop()

	if first.TimestampMicros != 10000 {
		t.Errorf("expected 10000us, got %d", first.TimestampMicros)
	}
	if second.TimestampMicros != 30000 {
		t.Errorf("expected 30000us, got %d", second.TimestampMicros)
	}

	clock = base.Add(time.Second)
	b.Start()
	if ts := b.Timestamp(); ts != 0 {
		t.Errorf("expected timestamp reset on start, got %d", ts)
	}
}
