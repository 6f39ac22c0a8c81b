package audio

import "sync"

// BoundedBuffer retains the most recent captured samples up to a hard
// capacity. Appends that would exceed the capacity evict the oldest samples
// first. Samples are addressed by their global stream offset.
//
// The internal lock is held only for the duration of a single append,
// eviction or read. All methods are safe for concurrent use.
type BoundedBuffer struct {
	mu   sync.Mutex
	data []float32 // ring storage, len == capacity
	head int       // index of the oldest retained sample
	size int
	end  int64 // global offset one past the newest sample
}

// NewBoundedBuffer returns a buffer holding at most capacity samples.
func NewBoundedBuffer(capacity int) *BoundedBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedBuffer{data: make([]float32, capacity)}
}

// Cap returns the capacity in samples.
func (b *BoundedBuffer) Cap() int { return len(b.data) }

// Len returns the number of retained samples.
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Bounds returns the global offsets [start, end) of the retained samples.
func (b *BoundedBuffer) Bounds() (start, end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.end - int64(b.size), b.end
}

// Append adds samples contiguously after the newest retained sample and
// returns how many of the samples seen by the buffer are no longer retained:
// older samples pushed out plus, for an append larger than the capacity, the
// leading new samples that never fit.
func (b *BoundedBuffer) Append(samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(samples)
}

// AppendAt adds samples that start at global offset. A gap between the
// newest retained sample and offset is filled with silence so that offsets
// keep mapping onto positions; samples that overlap already retained audio
// are skipped. The return value counts lost samples like [BoundedBuffer.Append],
// including silence pushed out by the gap fill.
func (b *BoundedBuffer) AppendAt(offset int64, samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	if b.size == 0 && b.end == 0 {
		b.end = offset
	}
	if gap := offset - b.end; gap > 0 {
		if gap >= int64(len(b.data)) {
			evicted += b.size
			b.head, b.size = 0, 0
			b.end = offset
		} else {
			evicted += b.fillSilenceLocked(int(gap))
		}
	} else if gap < 0 {
		skip := min(int(-gap), len(samples))
		samples = samples[skip:]
	}
	return evicted + b.appendLocked(samples)
}

// Range returns a copy of the retained samples within the global interval
// [start, end). The interval is clipped to what is retained; the returned
// offset is the global offset of the first returned sample.
func (b *BoundedBuffer) Range(start, end int64) ([]float32, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	first := b.end - int64(b.size)
	start = max(start, first)
	end = min(end, b.end)
	if end <= start {
		return nil, start
	}
	out := make([]float32, end-start)
	b.copyOutLocked(out, int(start-first))
	return out, start
}

// Snapshot returns a copy of all retained samples, oldest first.
func (b *BoundedBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, b.size)
	b.copyOutLocked(out, 0)
	return out
}

// Keep discards all but the newest n samples and returns how many were
// discarded.
func (b *BoundedBuffer) Keep(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= b.size {
		return 0
	}
	drop := b.size - n
	b.head = (b.head + drop) % len(b.data)
	b.size = n
	return drop
}

// Reset discards all samples. The global offset is preserved.
func (b *BoundedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.size = 0, 0
}

// appendLocked returns max(0, size+len(samples)-capacity) in both branches.
func (b *BoundedBuffer) appendLocked(samples []float32) int {
	capacity := len(b.data)
	b.end += int64(len(samples))
	if len(samples) >= capacity {
		lost := b.size + len(samples) - capacity
		copy(b.data, samples[len(samples)-capacity:])
		b.head, b.size = 0, capacity
		return lost
	}
	evicted := 0
	if over := b.size + len(samples) - capacity; over > 0 {
		b.head = (b.head + over) % capacity
		b.size -= over
		evicted = over
	}
	tail := (b.head + b.size) % capacity
	n := copy(b.data[tail:], samples)
	copy(b.data, samples[n:])
	b.size += len(samples)
	return evicted
}

func (b *BoundedBuffer) fillSilenceLocked(n int) int {
	capacity := len(b.data)
	evicted := 0
	if over := b.size + n - capacity; over > 0 {
		b.head = (b.head + over) % capacity
		b.size -= over
		evicted = over
	}
	for i := range n {
		b.data[(b.head+b.size+i)%capacity] = 0
	}
	b.size += n
	b.end += int64(n)
	return evicted
}

// copyOutLocked copies len(dst) samples starting at logical index from.
func (b *BoundedBuffer) copyOutLocked(dst []float32, from int) {
	capacity := len(b.data)
	start := (b.head + from) % capacity
	n := copy(dst, b.data[start:min(capacity, start+len(dst))])
	copy(dst[n:], b.data[:len(dst)-n])
}
