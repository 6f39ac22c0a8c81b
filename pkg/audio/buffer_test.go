package audio_test

import (
	"sync"
	"testing"

	"github.com/MrWong99/dictado/pkg/audio"
)

func seq(from, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(from + i)
	}
	return out
}

func assertSamples(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (got %v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBoundedBuffer_EvictsOldestFirst(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(10)

	if ev := b.Append(seq(0, 6)); ev != 0 {
		t.Errorf("first append evicted %d, want 0", ev)
	}
	if ev := b.Append(seq(6, 7)); ev != 3 {
		t.Errorf("second append evicted %d, want 3", ev)
	}
	if b.Len() != 10 {
		t.Fatalf("Len = %d, want 10", b.Len())
	}
	assertSamples(t, b.Snapshot(), seq(3, 10))
}

func TestBoundedBuffer_ManySmallAppends(t *testing.T) {
	t.Parallel()
	const capacity = 480 * 3
	b := audio.NewBoundedBuffer(capacity)
	for i := range 20 {
		b.Append(seq(i*480, 480))
	}
	if b.Len() != capacity {
		t.Fatalf("Len = %d, want %d", b.Len(), capacity)
	}
	assertSamples(t, b.Snapshot(), seq(17*480, capacity))
	start, end := b.Bounds()
	if start != 17*480 || end != 20*480 {
		t.Errorf("Bounds = [%d, %d), want [%d, %d)", start, end, 17*480, 20*480)
	}
}

func TestBoundedBuffer_OversizedAppend(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(4)
	b.Append(seq(0, 2))
	// 2 retained samples pushed out and 5 new samples that never fit.
	lost := b.Append(seq(2, 9))
	if lost != 7 {
		t.Errorf("lost = %d, want 7", lost)
	}
	assertSamples(t, b.Snapshot(), seq(7, 4))
}

func TestBoundedBuffer_AppendLostCount(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		initial int
		append  int
		want    int
	}{
		{name: "fits", initial: 1, append: 2, want: 0},
		{name: "exactly full", initial: 2, append: 2, want: 0},
		{name: "pushes out oldest", initial: 3, append: 3, want: 2},
		{name: "exactly capacity", initial: 3, append: 4, want: 3},
		{name: "larger than capacity into empty", initial: 0, append: 6, want: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := audio.NewBoundedBuffer(4)
			b.Append(seq(0, tc.initial))
			if got := b.Append(seq(tc.initial, tc.append)); got != tc.want {
				t.Errorf("Append lost = %d, want %d", got, tc.want)
			}
			total := tc.initial + tc.append
			assertSamples(t, b.Snapshot(), seq(max(0, total-4), min(total, 4)))
		})
	}
}

func TestBoundedBuffer_Range(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(8)
	b.Append(seq(0, 12)) // retains 4..11

	got, from := b.Range(6, 9)
	if from != 6 {
		t.Errorf("from = %d, want 6", from)
	}
	assertSamples(t, got, seq(6, 3))

	got, from = b.Range(0, 6)
	if from != 4 {
		t.Errorf("clipped from = %d, want 4", from)
	}
	assertSamples(t, got, seq(4, 2))

	if got, _ := b.Range(20, 30); got != nil {
		t.Errorf("Range past end = %v, want nil", got)
	}
}

func TestBoundedBuffer_RangeIsCopy(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(4)
	b.Append(seq(0, 4))
	got, _ := b.Range(0, 4)
	got[0] = 99
	assertSamples(t, b.Snapshot(), seq(0, 4))
}

func TestBoundedBuffer_AppendAtFillsGap(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(16)
	b.AppendAt(0, []float32{1, 1})
	b.AppendAt(4, []float32{2, 2})
	assertSamples(t, b.Snapshot(), []float32{1, 1, 0, 0, 2, 2})
	start, end := b.Bounds()
	if start != 0 || end != 6 {
		t.Errorf("Bounds = [%d, %d), want [0, 6)", start, end)
	}
}

func TestBoundedBuffer_AppendAtStartsAtOffset(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(16)
	b.AppendAt(100, []float32{1, 2})
	start, end := b.Bounds()
	if start != 100 || end != 102 {
		t.Errorf("Bounds = [%d, %d), want [100, 102)", start, end)
	}
}

func TestBoundedBuffer_AppendAtHugeGapClears(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(4)
	b.AppendAt(0, []float32{1, 1})
	b.AppendAt(100, []float32{3})
	assertSamples(t, b.Snapshot(), []float32{3})
}

func TestBoundedBuffer_Keep(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(10)
	b.Append(seq(0, 10))
	if dropped := b.Keep(3); dropped != 7 {
		t.Errorf("dropped = %d, want 7", dropped)
	}
	assertSamples(t, b.Snapshot(), seq(7, 3))
	if dropped := b.Keep(5); dropped != 0 {
		t.Errorf("Keep above size dropped %d, want 0", dropped)
	}
	b.Append(seq(10, 2))
	assertSamples(t, b.Snapshot(), seq(7, 5))
}

func TestBoundedBuffer_ResetPreservesOffset(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(10)
	b.Append(seq(0, 5))
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("Len after Reset = %d", b.Len())
	}
	b.Append(seq(5, 2))
	start, end := b.Bounds()
	if start != 5 || end != 7 {
		t.Errorf("Bounds = [%d, %d), want [5, 7)", start, end)
	}
}

func TestBoundedBuffer_ConcurrentAppendAndRead(t *testing.T) {
	t.Parallel()
	b := audio.NewBoundedBuffer(1000)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			b.Append(seq(i*10, 10))
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			_ = b.Snapshot()
			_, _ = b.Bounds()
		}
	}()
	wg.Wait()
	if b.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", b.Len())
	}
}
