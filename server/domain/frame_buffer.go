package domain

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBufferCapacity = 30

// FrameBuffer is a bounded drop-oldest queue between the network receiver
// and the pipeline pump of one session.
type FrameBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	frames   []Frame
	capacity int

	width  int
	height int

	running   bool
	startTime time.Time
	timestamp int64

	pushed  uint64
	dropped uint64

	logger zerolog.Logger
	now    func() time.Time
}

type BufferStats struct {
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Pushed   uint64 `json:"pushed"`
	Dropped  uint64 `json:"dropped"`
	Running  bool   `json:"running"`
}

func NewFrameBuffer(capacity, width, height int, logger zerolog.Logger) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	b := &FrameBuffer{
		frames:    make([]Frame, 0, capacity),
		capacity:  capacity,
		width:     width,
		height:    height,
		startTime: time.Now(),
		logger:    logger,
		now:       time.Now,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *FrameBuffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.running = true
	b.startTime = b.now()
	b.timestamp = 0
}

// Stop disallows further pushes and wakes every blocked consumer. Queued
// frames are kept and can still be popped.
func (b *FrameBuffer) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	b.cond.Broadcast()
}

func (b *FrameBuffer) Push(frame Frame) error {
	if frame.IsEmpty() {
		return fmt.Errorf("empty frame: %w", ErrNotRunning)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return fmt.Errorf("frame buffer stopped: %w", ErrNotRunning)
	}

	if len(b.frames) >= b.capacity {
		b.frames[0] = Frame{}
		b.frames = b.frames[1:]
		b.dropped++
		b.logger.Warn().
			Int("capacity", b.capacity).
			Uint64("dropped", b.dropped).
			Msg("buffer full, dropping oldest frame")
	}
	b.frames = append(b.frames, frame)
	b.pushed++

	if frame.Width != b.width || frame.Height != b.height {
		b.logger.Info().
			Int("old_width", b.width).
			Int("old_height", b.height).
			Int("width", frame.Width).
			Int("height", frame.Height).
			Msg("frame dimensions changed")
		b.width, b.height = frame.Width, frame.Height
	}

	b.advanceLocked()
	b.cond.Signal()
	return nil
}

// Pop blocks until a frame is queued or the buffer is stopped. The boolean is
// false only when the buffer is stopped and empty.
func (b *FrameBuffer) Pop() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.frames) == 0 && b.running {
		b.cond.Wait()
	}
	if len(b.frames) == 0 {
		return Frame{}, false
	}

	frame := b.frames[0]
	b.frames[0] = Frame{}
	b.frames = b.frames[1:]

	b.advanceLocked()
	frame.TimestampMicros = b.timestamp
	return frame, true
}

func (b *FrameBuffer) SetCapacity(n int) error {
	if n <= 0 {
		return fmt.Errorf("capacity must be positive, got %d: %w", n, ErrFailedPrecondition)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = n
	if excess := len(b.frames) - n; excess > 0 {
		for i := 0; i < excess; i++ {
			b.frames[i] = Frame{}
		}
		b.frames = b.frames[excess:]
		b.dropped += uint64(excess)
	}
	return nil
}

func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.frames)
	b.frames = b.frames[:0]
}

func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *FrameBuffer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *FrameBuffer) Dimensions() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.width, b.height
}

// Timestamp is the microseconds elapsed since the last Start, as of the most
// recent push or pop.
func (b *FrameBuffer) Timestamp() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timestamp
}

func (b *FrameBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		Length:   len(b.frames),
		Capacity: b.capacity,
		Width:    b.width,
		Height:   b.height,
		Pushed:   b.pushed,
		Dropped:  b.dropped,
		Running:  b.running,
	}
}

func (b *FrameBuffer) advanceLocked() {
	ts := b.now().Sub(b.startTime).Microseconds()
	if ts > b.timestamp {
		b.timestamp = ts
	}
}
