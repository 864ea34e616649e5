package sourcebuffer

import (
	"testing"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// appendGroup signals a coded-frame-group start and appends frames.
func appendGroup(t *testing.T, s *Stream, start time.Duration, frames []*media.Frame) {
	t.Helper()
	s.OnStartOfCodedFrameGroup(start)
	if err := s.Append(frames); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

// threeGOPStream builds a stream holding three 3-frame GOPs, 10ms per
// frame, keyframes at 0, 30ms and 60ms, 100 bytes per frame.
func threeGOPStream(t *testing.T) *Stream {
	t.Helper()
	s := NewStream(media.Video, nil)
	frames := append(gop(0, 3, 10*time.Millisecond), gop(30*time.Millisecond, 3, 10*time.Millisecond)...)
	frames = append(frames, gop(60*time.Millisecond, 3, 10*time.Millisecond)...)
	appendGroup(t, s, 0, frames)
	return s
}

func TestStream_AppendContinuation(t *testing.T) {
	t.Parallel()
	s := NewStream(media.Video, nil)
	appendGroup(t, s, 0, gop(0, 3, 10*time.Millisecond))

	// Same coded frame group; no new group-start signal in between.
	if err := s.Append(gop(30*time.Millisecond, 3, 10*time.Millisecond)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if got, want := s.RangeCount(), 1; got != want {
		t.Fatalf("range count = %d, want %d", got, want)
	}
	buffered := s.Buffered()
	if buffered[0].Start != 0 || buffered[0].End != 60*time.Millisecond {
		t.Errorf("buffered = %+v, want [0, 60ms]", buffered[0])
	}
}

func TestStream_DisjointGroupsThenBridge(t *testing.T) {
	t.Parallel()
	s := NewStream(media.Video, nil)
	appendGroup(t, s, 0, gop(0, 3, 10*time.Millisecond))
	appendGroup(t, s, 100*time.Millisecond, gop(100*time.Millisecond, 3, 10*time.Millisecond))

	if got, want := s.RangeCount(), 2; got != want {
		t.Fatalf("range count = %d, want %d", got, want)
	}

	// Filling the gap merges everything into one range.
	appendGroup(t, s, 30*time.Millisecond, gop(30*time.Millisecond, 7, 10*time.Millisecond))
	if got, want := s.RangeCount(), 1; got != want {
		t.Fatalf("range count after bridge = %d, want %d", got, want)
	}
	buffered := s.Buffered()
	if buffered[0].Start != 0 || buffered[0].End != 130*time.Millisecond {
		t.Errorf("buffered = %+v, want [0, 130ms]", buffered[0])
	}
}

func TestStream_SeekAndRead(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)

	if !s.Seek(35 * time.Millisecond) {
		t.Fatalf("Seek(35ms) = false, want true")
	}
	f, ok := s.NextFrame()
	if !ok {
		t.Fatalf("NextFrame = not ok")
	}
	// Reads start from the keyframe governing the seek target.
	if got, want := f.DTS, 30*time.Millisecond; got != want {
		t.Errorf("first frame DTS = %v, want %v", got, want)
	}

	count := 1
	for {
		if _, ok := s.NextFrame(); !ok {
			break
		}
		count++
	}
	if got, want := count, 6; got != want {
		t.Errorf("read %d frames, want %d", got, want)
	}
}

func TestStream_SeekUnbuffered(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)
	if s.Seek(5 * time.Second) {
		t.Errorf("Seek into unbuffered time = true, want false")
	}
}

func TestStream_RemoveMiddleSplits(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)

	s.Remove(30*time.Millisecond, 60*time.Millisecond)

	buffered := s.Buffered()
	if len(buffered) != 2 {
		t.Fatalf("buffered ranges = %d, want 2", len(buffered))
	}
	if buffered[0].Start != 0 || buffered[0].End != 30*time.Millisecond {
		t.Errorf("first range = %+v, want [0, 30ms]", buffered[0])
	}
	if buffered[1].Start != 60*time.Millisecond || buffered[1].End != 90*time.Millisecond {
		t.Errorf("second range = %+v, want [60ms, 90ms]", buffered[1])
	}
}

func TestStream_RemoveUnderCursorPreservesReads(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)

	if !s.Seek(0) {
		t.Fatalf("Seek(0) = false, want true")
	}
	for i := 0; i < 2; i++ {
		if _, ok := s.NextFrame(); !ok {
			t.Fatalf("NextFrame %d = not ok", i)
		}
	}

	// Everything is removed, but the frames the reader was owed are
	// still served, in order.
	s.Remove(0, 200*time.Millisecond)
	var got []time.Duration
	for {
		f, ok := s.NextFrame()
		if !ok {
			break
		}
		got = append(got, f.DTS)
	}
	want := []time.Duration{
		20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond,
		50 * time.Millisecond, 60 * time.Millisecond, 70 * time.Millisecond,
		80 * time.Millisecond,
	}
	if len(got) != len(want) {
		t.Fatalf("read %d displaced frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("displaced frame %d DTS = %v, want %v", i, got[i], want[i])
		}
	}
	if got, want := s.RangeCount(), 0; got != want {
		t.Errorf("range count = %d, want %d", got, want)
	}
}

func TestStream_AppendOverlapReplaces(t *testing.T) {
	t.Parallel()
	s := NewStream(media.Video, nil)
	appendGroup(t, s, 0, gop(0, 3, 10*time.Millisecond))

	replacement := gop(0, 3, 10*time.Millisecond)
	for _, f := range replacement {
		f.Data = make([]byte, 50)
	}
	appendGroup(t, s, 0, replacement)

	if got, want := s.RangeCount(), 1; got != want {
		t.Fatalf("range count = %d, want %d", got, want)
	}
	if got, want := s.SizeInBytes(), 150; got != want {
		t.Errorf("size = %d, want %d (old frames replaced)", got, want)
	}
}

func TestStream_EvictFromFront(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)
	s.SetMemoryLimit(700)

	// Playback is past the second keyframe; the first GOP is evictable.
	if !s.EvictFrames(65*time.Millisecond, 0) {
		t.Fatalf("EvictFrames = false, want true")
	}
	if got, want := s.SizeInBytes(), 600; got != want {
		t.Errorf("size = %d, want %d", got, want)
	}
	buffered := s.Buffered()
	if buffered[0].Start != 30*time.Millisecond {
		t.Errorf("buffered start = %v, want 30ms", buffered[0].Start)
	}
}

func TestStream_EvictFromBack(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)
	s.SetMemoryLimit(700)

	// Playback is near the start, so nothing in front is evictable; the
	// last GOP goes instead.
	if !s.EvictFrames(5*time.Millisecond, 0) {
		t.Fatalf("EvictFrames = false, want true")
	}
	buffered := s.Buffered()
	if buffered[0].End != 60*time.Millisecond {
		t.Errorf("buffered end = %v, want 60ms", buffered[0].End)
	}
}

func TestStream_EvictRespectsCursor(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)
	s.SetMemoryLimit(100)
	if !s.Seek(0) {
		t.Fatalf("Seek(0) = false, want true")
	}

	// The cursor sits in the first GOP, so front eviction must stop
	// there even though the budget is blown.
	s.EvictFrames(65*time.Millisecond, 0)
	buffered := s.Buffered()
	if len(buffered) == 0 || buffered[0].Start != 0 {
		t.Errorf("buffered = %+v, want first GOP kept under cursor", buffered)
	}
}

func TestStream_OnMemoryPressure(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)

	s.OnMemoryPressure(60*time.Millisecond, 300)

	buffered := s.Buffered()
	if len(buffered) != 1 || buffered[0].Start != 30*time.Millisecond {
		t.Errorf("buffered = %+v, want to start at 30ms after shedding one GOP", buffered)
	}
}

func TestStream_RemovalRangePlanningDoesNotMutate(t *testing.T) {
	t.Parallel()
	s := threeGOPStream(t)

	bytes, end := s.RemovalRange(0, media.MaxTimestamp, 450)
	if bytes != 600 || end != 60*time.Millisecond {
		t.Errorf("RemovalRange = (%d, %v), want (600, 60ms)", bytes, end)
	}
	if got, want := s.SizeInBytes(), 900; got != want {
		t.Errorf("size after planning = %d, want %d", got, want)
	}
}

func TestStream_TextAllowsGaps(t *testing.T) {
	t.Parallel()
	s := NewStream(media.Text, nil)
	appendGroup(t, s, 0, gop(0, 1, time.Second))
	if err := s.Append(gop(30*time.Second, 1, time.Second)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Sparse cues still form one logical range on a gap-tolerant track.
	if got, want := s.RangeCount(), 1; got != want {
		t.Errorf("range count = %d, want %d", got, want)
	}
}
