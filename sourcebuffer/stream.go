package sourcebuffer

import (
	"log/slog"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// Memory limits applied before appends; eviction frees already-played or
// far-ahead GOPs to get back under them.
const (
	DefaultAudioMemoryLimit = 12 << 20
	DefaultVideoMemoryLimit = 150 << 20
	DefaultTextMemoryLimit  = 1 << 20
)

// defaultInterbufferDistance seeds the typical frame spacing until real
// appends establish one.
const defaultInterbufferDistance = 125 * time.Millisecond

// BufferedRange is one contiguous buffered interval, reported to callers
// of Buffered.
type BufferedRange struct {
	Start time.Duration
	End   time.Duration
}

// Stream buffers one track's processed frames as an ordered collection
// of contiguous Ranges, and serves reads from a movable cursor. It is
// the TrackSink implementation behind each track registered with a
// FrameProcessor. Single-writer, like the processor driving it.
type Stream struct {
	log *slog.Logger
	typ media.StreamType

	// ranges is ordered by start timestamp and non-overlapping.
	ranges []*Range

	// selectedRange holds the read cursor, nil when no read position.
	selectedRange *Range

	// readQueue holds frames whose range was removed out from under the
	// read cursor; reads drain it before touching selectedRange again, so
	// an overlapping append does not drop frames the reader was owed.
	readQueue []*media.Frame

	// pendingGroupStart is the announced start of the next coded frame
	// group, NoTimestamp when the next append continues the current group.
	pendingGroupStart time.Duration

	// lastAppendedRange and lastAppendedDTS route continuation appends.
	lastAppendedRange *Range
	lastAppendedDTS   time.Duration

	maxInterbufferDistance time.Duration
	memoryLimit            int
}

// NewStream creates a buffer for one track of the given type. A nil
// logger falls back to slog.Default.
func NewStream(typ media.StreamType, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	limit := DefaultAudioMemoryLimit
	switch typ {
	case media.Video:
		limit = DefaultVideoMemoryLimit
	case media.Text:
		limit = DefaultTextMemoryLimit
	}
	return &Stream{
		log:               log.With("component", "sourcebuffer", "track_type", typ.String()),
		typ:               typ,
		pendingGroupStart: media.NoTimestamp,
		lastAppendedDTS:   media.NoTimestamp,
		memoryLimit:       limit,
	}
}

// SetMemoryLimit overrides the default byte budget for this track.
func (s *Stream) SetMemoryLimit(bytes int) {
	s.memoryLimit = bytes
}

// Type returns the kind of elementary stream this buffer holds.
func (s *Stream) Type() media.StreamType {
	return s.typ
}

// SupportsPartialAppendWindowTrimming reports whether frames may be
// shortened at the append-window edges. Only audio frames, being
// keyframe-only and sample-divisible, can be partially trimmed.
func (s *Stream) SupportsPartialAppendWindowTrimming() bool {
	return s.typ == media.Audio
}

// OnStartOfCodedFrameGroup records that the next append begins a new
// logically continuous run starting at start, with no implied adjacency
// to previously appended frames.
func (s *Stream) OnStartOfCodedFrameGroup(start time.Duration) {
	s.pendingGroupStart = start
	s.lastAppendedRange = nil
	s.lastAppendedDTS = media.NoTimestamp
}

// Append adds a batch of processed frames in decode order, routing them
// into an existing range, a new range, or a merge of ranges. A batch
// that overlaps buffered data replaces the overlapped frames.
func (s *Stream) Append(frames []*media.Frame) error {
	if len(frames) == 0 {
		return nil
	}

	s.updateMaxInterbufferDistance(frames)

	groupStart := s.pendingGroupStart
	s.pendingGroupStart = media.NoTimestamp
	newGroup := groupStart != media.NoTimestamp

	start := frames[0].DTS
	if newGroup && groupStart < start {
		start = groupStart
	}
	end := frames[len(frames)-1].DTS + frames[len(frames)-1].Duration
	if end < start {
		end = start
	}

	// Replace whatever the new frames land on top of. A continuation
	// append keeps the frame already buffered at exactly the start
	// timestamp (ties at a range seam belong to the existing tail).
	s.removeInternal(start, end, !newGroup)

	target := s.rangeForAppend(frames, groupStart)
	if target == nil {
		rangeStart := media.NoTimestamp
		if newGroup {
			rangeStart = groupStart
		}
		target = NewRange(s.typ == media.Text, frames, rangeStart, s.interbufferDistance)
		s.insertRange(target)
	} else {
		if newGroup {
			target.AppendToEnd(frames, groupStart)
		} else {
			target.AppendToEnd(frames, media.NoTimestamp)
		}
	}

	s.lastAppendedRange = target
	s.lastAppendedDTS = frames[len(frames)-1].DTS
	s.mergeFollowing(target)
	return nil
}

// rangeForAppend finds the existing range the batch extends, or nil if a
// new range is needed.
func (s *Stream) rangeForAppend(frames []*media.Frame, groupStart time.Duration) *Range {
	if s.lastAppendedRange != nil && s.lastAppendedRange.CanAppendToEnd(frames, groupStart) {
		return s.lastAppendedRange
	}
	for _, r := range s.ranges {
		if r.CanAppendToEnd(frames, groupStart) {
			return r
		}
	}
	return nil
}

// insertRange places r into the ordered range collection.
func (s *Stream) insertRange(r *Range) {
	i := 0
	for i < len(s.ranges) && s.ranges[i].StartTimestamp() < r.StartTimestamp() {
		i++
	}
	s.ranges = append(s.ranges, nil)
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = r
}

// mergeFollowing folds any now-adjacent successor ranges into r,
// carrying the read cursor across if a swallowed range held it.
func (s *Stream) mergeFollowing(r *Range) {
	i := s.rangeIndex(r)
	if i < 0 {
		return
	}
	for i+1 < len(s.ranges) && r.CanAppendRangeToEnd(s.ranges[i+1]) {
		next := s.ranges[i+1]
		transfer := s.selectedRange == next
		r.AppendRangeToEnd(next, transfer)
		if transfer {
			s.selectedRange = r
		}
		if s.lastAppendedRange == next {
			s.lastAppendedRange = r
		}
		s.ranges = append(s.ranges[:i+1], s.ranges[i+2:]...)
	}
}

func (s *Stream) rangeIndex(r *Range) int {
	for i, candidate := range s.ranges {
		if candidate == r {
			return i
		}
	}
	return -1
}

// Seek places the read cursor at the first keyframe at or before
// timestamp, reporting whether any buffered range covers it.
func (s *Stream) Seek(timestamp time.Duration) bool {
	if s.selectedRange != nil {
		s.selectedRange.ResetNextBufferPosition()
		s.selectedRange = nil
	}
	s.readQueue = nil

	for _, r := range s.ranges {
		if r.CanSeekTo(timestamp) {
			r.Seek(timestamp)
			s.selectedRange = r
			return true
		}
	}
	return false
}

// NextFrame returns the next frame at the read cursor and advances it.
// Frames displaced into the read queue by a removal are served first.
func (s *Stream) NextFrame() (*media.Frame, bool) {
	if len(s.readQueue) > 0 {
		f := s.readQueue[0]
		s.readQueue = s.readQueue[1:]
		if len(s.readQueue) == 0 {
			// The displaced run is exhausted; resume from the next keyframe
			// past it, since whatever followed in decode order was removed.
			s.reanchorAfter(f.DTS)
		}
		return f, true
	}
	if s.selectedRange == nil {
		return nil, false
	}
	return s.selectedRange.NextBuffer()
}

// reanchorAfter moves the read cursor to the first keyframe strictly
// after dts across all ranges.
func (s *Stream) reanchorAfter(dts time.Duration) {
	s.selectedRange = nil
	for _, r := range s.ranges {
		if r.EndTimestamp() <= dts {
			continue
		}
		r.SeekAheadPast(dts)
		if r.HasNextBufferPosition() {
			s.selectedRange = r
			return
		}
		r.ResetNextBufferPosition()
	}
}

// Remove deletes all buffered frames in [start, end), splitting a range
// when the interval carves out its middle. Frames at or after the read
// cursor move to the read queue instead of disappearing mid-read.
func (s *Stream) Remove(start, end time.Duration) {
	s.removeInternal(start, end, false)
	s.lastAppendedRange = nil
	s.lastAppendedDTS = media.NoTimestamp
}

func (s *Stream) removeInternal(start, end time.Duration, excludeStart bool) {
	if start >= end {
		return
	}

	i := 0
	for i < len(s.ranges) {
		r := s.ranges[i]
		if r.StartTimestamp() >= end {
			break
		}
		if r.BufferedEndTimestamp() <= start {
			i++
			continue
		}

		// Preserve the tail beyond the removal interval as its own range.
		if tail := r.SplitRange(end); tail != nil {
			s.insertRange(tail)
			if s.selectedRange == r && tail.HasNextBufferPosition() {
				s.selectedRange = tail
			}
		}

		removed, empty := r.TruncateAt(start, excludeStart)
		if len(removed) > 0 {
			s.readQueue = append(s.readQueue, removed...)
		}
		if s.selectedRange == r && !r.HasNextBufferPosition() {
			s.selectedRange = nil
		}

		if empty {
			if s.lastAppendedRange == r {
				s.lastAppendedRange = nil
			}
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			continue
		}
		i++
	}
}

// Buffered reports the buffered intervals in order.
func (s *Stream) Buffered() []BufferedRange {
	out := make([]BufferedRange, 0, len(s.ranges))
	for _, r := range s.ranges {
		out = append(out, BufferedRange{
			Start: r.StartTimestamp(),
			End:   r.BufferedEndTimestamp(),
		})
	}
	return out
}

// SizeInBytes returns the total buffered payload size.
func (s *Stream) SizeInBytes() int {
	total := 0
	for _, r := range s.ranges {
		total += r.SizeInBytes()
	}
	return total
}

// RangeCount returns the number of discontiguous buffered intervals.
func (s *Stream) RangeCount() int {
	return len(s.ranges)
}

// EvictFrames frees GOPs to make room for newDataSize more bytes,
// preferring already-played data before mediaTime, then data from the
// back of the timeline. Reports whether the stream is within its budget
// afterwards.
func (s *Stream) EvictFrames(mediaTime time.Duration, newDataSize int) bool {
	excess := s.SizeInBytes() + newDataSize - s.memoryLimit
	if excess <= 0 {
		return true
	}

	freed := s.freeFromFront(mediaTime, excess)
	if freed < excess {
		freed += s.freeFromBack(mediaTime, excess-freed)
	}
	if freed > 0 {
		s.log.Debug("evicted buffered frames",
			"bytes_freed", freed, "media_time", mediaTime, "size", s.SizeInBytes())
	}
	return s.SizeInBytes()+newDataSize <= s.memoryLimit
}

// freeFromFront deletes whole GOPs from the start of the timeline that
// playback has fully passed.
func (s *Stream) freeFromFront(mediaTime time.Duration, target int) int {
	freed := 0
	for freed < target && len(s.ranges) > 0 {
		r := s.ranges[0]
		if !r.FirstGOPEarlierThanMediaTime(mediaTime) || r.FirstGOPContainsNextBufferPosition() {
			break
		}
		_, bytes := r.DeleteGOPFromFront()
		freed += bytes
		if r.FrameCount() == 0 {
			s.dropRange(r)
		}
	}
	return freed
}

// freeFromBack deletes whole GOPs from the end of the timeline that are
// still ahead of playback.
func (s *Stream) freeFromBack(mediaTime time.Duration, target int) int {
	freed := 0
	for freed < target && len(s.ranges) > 0 {
		r := s.ranges[len(s.ranges)-1]
		if r.LastGOPContainsNextBufferPosition() {
			break
		}
		if kf := r.KeyframeBeforeTimestamp(r.EndTimestamp()); kf != media.NoTimestamp && kf <= mediaTime {
			break
		}
		_, bytes := r.DeleteGOPFromBack()
		freed += bytes
		if r.FrameCount() == 0 {
			s.dropRange(r)
		}
	}
	return freed
}

func (s *Stream) dropRange(r *Range) {
	if s.selectedRange == r {
		s.selectedRange = nil
	}
	if s.lastAppendedRange == r {
		s.lastAppendedRange = nil
	}
	if i := s.rangeIndex(r); i >= 0 {
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	}
}

// RemovalRange plans an eviction of about targetBytes between start and
// end without mutating anything, returning the bytes a Remove up to the
// reported end timestamp would free. Used under memory pressure to pick
// a removal interval before committing to it.
func (s *Stream) RemovalRange(start, end time.Duration, targetBytes int) (bytesToFree int, removalEnd time.Duration) {
	removalEnd = media.NoTimestamp
	for _, r := range s.ranges {
		if bytesToFree >= targetBytes {
			break
		}
		if r.BufferedEndTimestamp() <= start || r.StartTimestamp() >= end {
			continue
		}
		bytes, rangeEnd := r.GetRemovalGOP(start, end, targetBytes-bytesToFree)
		if bytes == 0 {
			continue
		}
		bytesToFree += bytes
		removalEnd = rangeEnd
	}
	return bytesToFree, removalEnd
}

// OnMemoryPressure sheds about bytesToFree bytes of already-played data
// before mediaTime, using a planned removal rather than GOP-by-GOP
// eviction.
func (s *Stream) OnMemoryPressure(mediaTime time.Duration, bytesToFree int) {
	if len(s.ranges) == 0 {
		return
	}
	start := s.ranges[0].StartTimestamp()
	bytes, end := s.RemovalRange(start, mediaTime, bytesToFree)
	if bytes == 0 || end == media.NoTimestamp {
		return
	}
	s.Remove(start, end)
}

// updateMaxInterbufferDistance folds the batch's frame spacing into the
// typical-distance estimate the fudge room derives from.
func (s *Stream) updateMaxInterbufferDistance(frames []*media.Frame) {
	prev := s.lastAppendedDTS
	for _, f := range frames {
		if prev != media.NoTimestamp {
			if d := f.DTS - prev; d > 0 && d > s.maxInterbufferDistance {
				s.maxInterbufferDistance = d
			}
		}
		prev = f.DTS
	}
}

// interbufferDistance is the approximate-duration callback handed to
// Ranges.
func (s *Stream) interbufferDistance() time.Duration {
	if s.maxInterbufferDistance <= 0 {
		return defaultInterbufferDistance
	}
	return s.maxInterbufferDistance
}
