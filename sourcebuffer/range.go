package sourcebuffer

import (
	"sort"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// Range is an ordered, internally contiguous run of frames for one track,
// keyed by decode timestamp, with a keyframe index giving O(log n) seek
// and GOP-granular deletion from either end. The first frame is always a
// keyframe. Mutators are precondition-checked by the caller per the
// documented contracts; violations panic.
type Range struct {
	// allowGaps admits non-adjacent appends (text tracks, whose cues are
	// sparse by nature). Audio and video require decode-sequence
	// adjacency within the fudge room.
	allowGaps bool

	frames    []*media.Frame
	sizeBytes int

	// keyframes maps each GOP-leading keyframe's decode timestamp to its
	// frame position. Positions are stored with indexBase added, so
	// deleting a GOP from the front advances indexBase instead of
	// rewriting every entry.
	keyframes []keyframeEntry
	indexBase int

	// rangeStart optionally places the range's logical start before its
	// first frame, preserving a leading gap (e.g. an append-window-aligned
	// group start). NoTimestamp when unset.
	rangeStart time.Duration

	// nextIndex is the read cursor, -1 when unset. It may point one past
	// the last frame (cursor waiting for the next append).
	nextIndex int

	// highestFrame caches the frame with the highest presentation
	// interval, which is not necessarily the last appended frame when the
	// stream has presentation reordering.
	highestFrame *media.Frame

	// interbufferDistance reports the typical distance between adjacent
	// frames, maintained by the owning Stream; the fudge room and
	// estimated durations derive from it.
	interbufferDistance func() time.Duration
}

type keyframeEntry struct {
	dts time.Duration
	pos int
}

// NewRange creates a range owning frames, which must be non-empty and
// begin with a keyframe. rangeStart may be NoTimestamp, or an explicit
// earlier start preserving a leading gap.
func NewRange(allowGaps bool, frames []*media.Frame, rangeStart time.Duration, interbufferDistance func() time.Duration) *Range {
	if len(frames) == 0 {
		panic("sourcebuffer: NewRange with no frames")
	}
	if !frames[0].Keyframe {
		panic("sourcebuffer: NewRange must start with a keyframe")
	}
	r := &Range{
		allowGaps:           allowGaps,
		rangeStart:          rangeStart,
		nextIndex:           -1,
		interbufferDistance: interbufferDistance,
	}
	r.AppendToEnd(frames, rangeStart)
	return r
}

// CanAppendToEnd reports whether frames may extend this range. With
// groupStart unset the first frame itself must be next in decode
// sequence; with groupStart set (a new coded frame group adjacent to this
// range) the group start must be.
func (r *Range) CanAppendToEnd(frames []*media.Frame, groupStart time.Duration) bool {
	if groupStart == media.NoTimestamp {
		return r.isNextInDecodeSequence(frames[0].DTS)
	}
	return r.isNextInDecodeSequence(groupStart)
}

// AppendToEnd appends frames, updating the byte total, end-time cache,
// and keyframe index. The caller must have checked CanAppendToEnd.
func (r *Range) AppendToEnd(frames []*media.Frame, groupStart time.Duration) {
	if len(r.frames) > 0 && !r.CanAppendToEnd(frames, groupStart) {
		panic("sourcebuffer: append not contiguous with range end")
	}

	r.adjustEstimatedDuration(frames[0])

	for _, f := range frames {
		r.frames = append(r.frames, f)
		r.updateEndTime(f)
		r.sizeBytes += f.Size()

		if f.Keyframe {
			r.keyframes = append(r.keyframes, keyframeEntry{
				dts: f.DTS,
				pos: len(r.frames) - 1 + r.indexBase,
			})
		}
	}
}

// CanAppendRangeToEnd reports whether other directly continues this range.
func (r *Range) CanAppendRangeToEnd(other *Range) bool {
	return r.CanAppendToEnd(other.frames, media.NoTimestamp)
}

// AppendRangeToEnd merges other onto the end of this range. If
// transferPosition is set and other holds the read cursor, the cursor
// carries over into the merged range.
func (r *Range) AppendRangeToEnd(other *Range, transferPosition bool) {
	if transferPosition && other.nextIndex >= 0 {
		r.nextIndex = other.nextIndex + len(r.frames)
	}
	r.AppendToEnd(other.frames, media.NoTimestamp)
}

// Seek moves the read cursor to the first keyframe at or before
// timestamp. The caller must have checked CanSeekTo.
func (r *Range) Seek(timestamp time.Duration) {
	if !r.CanSeekTo(timestamp) {
		panic("sourcebuffer: Seek outside seekable interval")
	}
	ki := r.firstKeyframeAtOrBefore(timestamp)
	r.nextIndex = r.keyframes[ki].pos - r.indexBase
}

// SeekAheadTo moves the read cursor to the first keyframe at or after
// timestamp, unsetting it if none exists.
func (r *Range) SeekAheadTo(timestamp time.Duration) {
	r.seekAhead(timestamp, false)
}

// SeekAheadPast moves the read cursor to the first keyframe strictly
// after timestamp, unsetting it if none exists.
func (r *Range) SeekAheadPast(timestamp time.Duration) {
	r.seekAhead(timestamp, true)
}

func (r *Range) seekAhead(timestamp time.Duration, skipGiven bool) {
	ki := r.firstKeyframeAt(timestamp, skipGiven)
	if ki == len(r.keyframes) {
		r.nextIndex = -1
		return
	}
	r.nextIndex = r.keyframes[ki].pos - r.indexBase
}

// CanSeekTo reports whether timestamp falls within the seekable interval
// of this range, which extends one fudge room before the range start.
func (r *Range) CanSeekTo(timestamp time.Duration) bool {
	start := r.StartTimestamp() - r.fudgeRoom()
	if start < 0 {
		start = 0
	}
	return len(r.keyframes) > 0 && start <= timestamp && timestamp < r.BufferedEndTimestamp()
}

// BelongsToRange reports whether timestamp lies inside the range or
// directly continues it.
func (r *Range) BelongsToRange(timestamp time.Duration) bool {
	return r.isNextInDecodeSequence(timestamp) ||
		(r.StartTimestamp() <= timestamp && timestamp <= r.EndTimestamp())
}

// HasNextBufferPosition reports whether the read cursor is set.
func (r *Range) HasNextBufferPosition() bool {
	return r.nextIndex >= 0
}

// HasNextBuffer reports whether a frame is available at the read cursor.
func (r *Range) HasNextBuffer() bool {
	return r.nextIndex >= 0 && r.nextIndex < len(r.frames)
}

// NextBuffer returns the frame at the read cursor and advances it.
func (r *Range) NextBuffer() (*media.Frame, bool) {
	if !r.HasNextBuffer() {
		return nil, false
	}
	f := r.frames[r.nextIndex]
	r.nextIndex++
	return f, true
}

// ResetNextBufferPosition unsets the read cursor.
func (r *Range) ResetNextBufferPosition() {
	r.nextIndex = -1
}

// NextTimestamp returns the decode timestamp at the read cursor, or
// NoTimestamp if the cursor points just past the end (waiting for the
// next append). The cursor must be set.
func (r *Range) NextTimestamp() time.Duration {
	if !r.HasNextBufferPosition() {
		panic("sourcebuffer: NextTimestamp without a read position")
	}
	if r.nextIndex >= len(r.frames) {
		return media.NoTimestamp
	}
	return r.frames[r.nextIndex].DTS
}

// StartTimestamp returns the range's logical start: the explicit range
// start when set, else the first frame's decode timestamp.
func (r *Range) StartTimestamp() time.Duration {
	if r.rangeStart != media.NoTimestamp {
		return r.rangeStart
	}
	return r.frames[0].DTS
}

// EndTimestamp returns the last frame's decode timestamp.
func (r *Range) EndTimestamp() time.Duration {
	return r.frames[len(r.frames)-1].DTS
}

// BufferedEndTimestamp returns the end of the last frame: its decode
// timestamp plus its duration, with the typical interbuffer distance
// standing in for a zero or unknown duration.
func (r *Range) BufferedEndTimestamp() time.Duration {
	last := r.frames[len(r.frames)-1]
	duration := last.Duration
	if duration == media.NoTimestamp || duration == 0 {
		duration = r.approximateDuration()
	}
	return r.EndTimestamp() + duration
}

// HighestPTS returns the presentation timestamp of the cached
// highest-presented frame, or NoTimestamp for an empty range.
func (r *Range) HighestPTS() time.Duration {
	if r.highestFrame == nil {
		return media.NoTimestamp
	}
	return r.highestFrame.PTS
}

// SizeInBytes returns the total coded payload size of the range.
func (r *Range) SizeInBytes() int {
	return r.sizeBytes
}

// FrameCount returns the number of buffered frames.
func (r *Range) FrameCount() int {
	return len(r.frames)
}

// ConfigIDAtTime returns the config id governing playback at timestamp:
// that of the keyframe leading the containing GOP.
func (r *Range) ConfigIDAtTime(timestamp time.Duration) int {
	ki := r.firstKeyframeAtOrBefore(timestamp)
	return r.frames[r.keyframes[ki].pos-r.indexBase].ConfigID
}

// SameConfigThruRange reports whether every frame between start and end
// shares the config in effect at start.
func (r *Range) SameConfigThruRange(start, end time.Duration) bool {
	if start == end {
		return true
	}
	ki := r.firstKeyframeAtOrBefore(start)
	idx := r.keyframes[ki].pos - r.indexBase
	config := r.frames[idx].ConfigID
	for idx++; idx < len(r.frames) && r.frames[idx].DTS <= end; idx++ {
		if r.frames[idx].ConfigID != config {
			return false
		}
	}
	return true
}

// SplitRange cuts the range at the first keyframe at or after timestamp,
// returning a new range owning everything from that keyframe onward, or
// nil if no such keyframe exists. If the split point falls in the gap
// before the first frame, the new range keeps a start timestamp
// preserving the remaining gap. The read cursor moves to whichever range
// now contains it.
func (r *Range) SplitRange(timestamp time.Duration) *Range {
	ki := r.firstKeyframeAt(timestamp, false)
	if ki == len(r.keyframes) {
		return nil
	}

	keyframeIndex := r.keyframes[ki].pos - r.indexBase
	removed := make([]*media.Frame, len(r.frames)-keyframeIndex)
	copy(removed, r.frames[keyframeIndex:])

	newRangeStart := media.NoTimestamp
	if r.StartTimestamp() < r.frames[0].DTS && timestamp < removed[0].DTS {
		// The split lands in the gap between the declared range start and
		// the first frame; keep the tail of the gap on the new range.
		newRangeStart = timestamp
	}

	r.keyframes = r.keyframes[:ki]
	r.freeFrames(keyframeIndex)
	r.updateEndTimeUsingLastGOP()

	split := NewRange(r.allowGaps, removed, newRangeStart, r.interbufferDistance)

	if r.nextIndex >= len(r.frames) {
		split.nextIndex = r.nextIndex - keyframeIndex
		r.ResetNextBufferPosition()
	}

	return split
}

// TruncateAt deletes everything from timestamp to the end of the range.
// With exclusive set, a frame whose decode timestamp equals timestamp
// survives. It returns the frames that were at or after the read cursor
// so the caller can hand them back to the reader, and whether the range
// is now empty.
func (r *Range) TruncateAt(timestamp time.Duration, exclusive bool) (removed []*media.Frame, empty bool) {
	return r.truncateFrom(r.bufferIndexAt(timestamp, exclusive))
}

func (r *Range) truncateFrom(start int) (removed []*media.Frame, empty bool) {
	if start >= len(r.frames) {
		return nil, len(r.frames) == 0
	}

	// If the cursor points into the deleted region, save the not-yet-read
	// frames for the caller and unset it.
	if r.HasNextBufferPosition() {
		next := r.NextTimestamp()
		if next == media.NoTimestamp || next >= r.frames[start].DTS {
			if r.HasNextBuffer() {
				removed = make([]*media.Frame, len(r.frames)-r.nextIndex)
				copy(removed, r.frames[r.nextIndex:])
			}
			r.ResetNextBufferPosition()
		}
	}

	ki := r.lowerBoundKeyframe(r.frames[start].DTS)
	r.keyframes = r.keyframes[:ki]
	r.freeFrames(start)
	r.updateEndTimeUsingLastGOP()
	return removed, len(r.frames) == 0
}

// FirstGOPContainsNextBufferPosition reports whether deleting the first
// GOP would delete the frame under the read cursor.
func (r *Range) FirstGOPContainsNextBufferPosition() bool {
	if !r.HasNextBufferPosition() {
		return false
	}
	if len(r.keyframes) == 1 {
		return true
	}
	return r.nextIndex < r.keyframes[1].pos-r.indexBase
}

// LastGOPContainsNextBufferPosition reports whether deleting the last
// GOP would delete the frame under the read cursor.
func (r *Range) LastGOPContainsNextBufferPosition() bool {
	if !r.HasNextBufferPosition() {
		return false
	}
	if len(r.keyframes) == 1 {
		return true
	}
	return r.keyframes[len(r.keyframes)-1].pos-r.indexBase <= r.nextIndex
}

// FirstGOPEarlierThanMediaTime reports whether the entire first GOP is
// behind mediaTime, i.e. safe to evict without stealing frames playback
// has not reached.
func (r *Range) FirstGOPEarlierThanMediaTime(mediaTime time.Duration) bool {
	if len(r.keyframes) == 1 {
		return r.BufferedEndTimestamp() <= mediaTime
	}
	return r.keyframes[1].dts <= mediaTime
}

// DeleteGOPFromFront removes the first keyframe-to-keyframe run,
// returning the removed frames in order and the bytes freed. The caller
// must first check FirstGOPContainsNextBufferPosition.
func (r *Range) DeleteGOPFromFront() (deleted []*media.Frame, bytesFreed int) {
	if len(r.frames) == 0 {
		panic("sourcebuffer: DeleteGOPFromFront on empty range")
	}
	if r.FirstGOPContainsNextBufferPosition() {
		panic("sourcebuffer: DeleteGOPFromFront would delete the read position")
	}

	r.keyframes = r.keyframes[1:]

	end := len(r.frames)
	if len(r.keyframes) > 0 {
		end = r.keyframes[0].pos - r.indexBase
	}

	deleted = make([]*media.Frame, end)
	copy(deleted, r.frames[:end])
	for _, f := range deleted {
		bytesFreed += f.Size()
	}
	r.sizeBytes -= bytesFreed
	r.frames = r.frames[end:]

	// The index base absorbs the deletion; remaining entries keep their
	// stored positions.
	r.indexBase += end

	if r.nextIndex > -1 {
		r.nextIndex -= end
	}

	r.rangeStart = media.NoTimestamp
	if len(r.frames) == 0 {
		r.highestFrame = nil
	}

	return deleted, bytesFreed
}

// DeleteGOPFromBack removes the last keyframe-to-end run, returning the
// removed frames in order and the bytes freed. The caller must first
// check LastGOPContainsNextBufferPosition.
func (r *Range) DeleteGOPFromBack() (deleted []*media.Frame, bytesFreed int) {
	if len(r.frames) == 0 {
		panic("sourcebuffer: DeleteGOPFromBack on empty range")
	}
	if r.LastGOPContainsNextBufferPosition() {
		panic("sourcebuffer: DeleteGOPFromBack would delete the read position")
	}

	last := r.keyframes[len(r.keyframes)-1]
	r.keyframes = r.keyframes[:len(r.keyframes)-1]

	goal := last.pos - r.indexBase
	deleted = make([]*media.Frame, len(r.frames)-goal)
	copy(deleted, r.frames[goal:])
	for _, f := range deleted {
		bytesFreed += f.Size()
	}
	r.sizeBytes -= bytesFreed
	r.frames = r.frames[:goal]

	r.updateEndTimeUsingLastGOP()
	return deleted, bytesFreed
}

// GetRemovalGOP plans an eviction: it greedily accumulates whole GOPs
// between start and end until targetBytes is reached or the interval is
// exhausted, returning the bytes that would be removed and the end
// timestamp of that removal, without mutating the range.
func (r *Range) GetRemovalGOP(start, end time.Duration, targetBytes int) (bytesRemoved int, removalEnd time.Duration) {
	gi := r.firstKeyframeAt(start, false)
	if gi == len(r.keyframes) {
		return 0, media.NoTimestamp
	}
	bufIdx := r.keyframes[gi].pos - r.indexBase

	gopEnd := len(r.keyframes)
	if end < r.BufferedEndTimestamp() {
		gopEnd = r.firstKeyframeAtOrBefore(end)
	}

	// A removal interval that falls entirely inside one GOP removes that
	// whole GOP.
	if gi > 0 && gi-1 == gopEnd {
		gopEnd = gi
	}

	for gi != gopEnd && bytesRemoved < targetBytes {
		gi++

		nextGOPIndex := len(r.frames)
		if gi < len(r.keyframes) {
			nextGOPIndex = r.keyframes[gi].pos - r.indexBase
		}
		for ; bufIdx < nextGOPIndex; bufIdx++ {
			bytesRemoved += r.frames[bufIdx].Size()
		}
	}

	if bytesRemoved == 0 {
		return 0, media.NoTimestamp
	}
	if gi == len(r.keyframes) {
		return bytesRemoved, r.BufferedEndTimestamp()
	}
	return bytesRemoved, r.keyframes[gi].dts
}

// NextKeyframeTimestamp returns the first keyframe timestamp at or after
// timestamp, or NoTimestamp if timestamp is outside the range. A query
// inside the leading gap before the first frame reports a keyframe at the
// query time itself, since the gap is logically continuous.
func (r *Range) NextKeyframeTimestamp(timestamp time.Duration) time.Duration {
	if timestamp < r.StartTimestamp() || timestamp >= r.BufferedEndTimestamp() {
		return media.NoTimestamp
	}

	ki := r.firstKeyframeAt(timestamp, false)
	if ki == len(r.keyframes) {
		return media.NoTimestamp
	}

	if ki == 0 && r.rangeStart != media.NoTimestamp &&
		timestamp > r.rangeStart && timestamp < r.keyframes[0].dts {
		return timestamp
	}

	return r.keyframes[ki].dts
}

// KeyframeBeforeTimestamp returns the last keyframe timestamp at or
// before timestamp, or NoTimestamp if timestamp is outside the range.
func (r *Range) KeyframeBeforeTimestamp(timestamp time.Duration) time.Duration {
	if timestamp < r.StartTimestamp() || timestamp >= r.BufferedEndTimestamp() {
		return media.NoTimestamp
	}
	return r.keyframes[r.firstKeyframeAtOrBefore(timestamp)].dts
}

// GetBuffersInRange collects the frames overlapping [start, end).
// Returns false if nothing overlaps or a frame without a usable duration
// is encountered.
func (r *Range) GetBuffersInRange(start, end time.Duration) ([]*media.Frame, bool) {
	first := r.KeyframeBeforeTimestamp(start)
	if first == media.NoTimestamp {
		return nil, false
	}

	var out []*media.Frame
	for i := r.bufferIndexAt(first, false); i < len(r.frames); i++ {
		f := r.frames[i]
		if f.Duration == media.NoTimestamp || f.Duration <= 0 {
			return nil, false
		}
		if f.PTS >= end {
			break
		}
		if f.EndTime() <= start {
			continue
		}
		out = append(out, f)
	}
	return out, len(out) > 0
}

// isNextInDecodeSequence reports whether a frame at timestamp would
// directly continue this range: at or after the end, within the fudge
// room (or anywhere later, for gap-tolerant tracks).
func (r *Range) isNextInDecodeSequence(timestamp time.Duration) bool {
	end := r.EndTimestamp()
	if timestamp == end {
		return true
	}
	return timestamp > end && (r.allowGaps || timestamp <= end+r.fudgeRoom())
}

// fudgeRoom is the tolerance for treating near-contiguous timestamps as
// contiguous, absorbing container timestamp jitter.
func (r *Range) fudgeRoom() time.Duration {
	return 2 * r.approximateDuration()
}

func (r *Range) approximateDuration() time.Duration {
	return r.interbufferDistance()
}

// adjustEstimatedDuration replaces the last frame's estimated duration
// with the actual distance to the incoming frame, now that one exists.
func (r *Range) adjustEstimatedDuration(next *media.Frame) {
	if len(r.frames) == 0 {
		return
	}
	last := r.frames[len(r.frames)-1]
	if !last.DurationEstimated {
		return
	}
	if delta := next.DTS - last.DTS; delta > 0 {
		last.Duration = delta
		last.DurationEstimated = false
		r.updateEndTime(last)
	}
}

// updateEndTime folds f into the highest-presented-frame cache.
func (r *Range) updateEndTime(f *media.Frame) {
	if r.highestFrame == nil ||
		f.PTS > r.highestFrame.PTS ||
		(f.PTS == r.highestFrame.PTS && f.Duration >= r.highestFrame.Duration) {
		r.highestFrame = f
	}
}

// updateEndTimeUsingLastGOP recomputes the highest-presented-frame cache
// by scanning only the last GOP. Frame durations and reordered PTS mean
// the physically last frame is not necessarily the highest, but nothing
// before the last keyframe can be.
func (r *Range) updateEndTimeUsingLastGOP() {
	r.highestFrame = nil
	if len(r.frames) == 0 {
		return
	}

	last := r.keyframes[len(r.keyframes)-1]
	for i := last.pos - r.indexBase; i < len(r.frames); i++ {
		r.updateEndTime(r.frames[i])
	}
}

func (r *Range) freeFrames(from int) {
	for _, f := range r.frames[from:] {
		r.sizeBytes -= f.Size()
	}
	r.frames = r.frames[:from]
}

// lowerBoundKeyframe returns the index of the first keyframe entry with
// dts >= timestamp.
func (r *Range) lowerBoundKeyframe(timestamp time.Duration) int {
	return sort.Search(len(r.keyframes), func(i int) bool {
		return r.keyframes[i].dts >= timestamp
	})
}

// firstKeyframeAt returns the index of the first keyframe entry at or
// after timestamp, or strictly after it when skipGiven is set.
func (r *Range) firstKeyframeAt(timestamp time.Duration, skipGiven bool) int {
	if skipGiven {
		return sort.Search(len(r.keyframes), func(i int) bool {
			return r.keyframes[i].dts > timestamp
		})
	}
	return r.lowerBoundKeyframe(timestamp)
}

// firstKeyframeAtOrBefore returns the index of the last keyframe entry at
// or before timestamp, clamped to the first entry.
func (r *Range) firstKeyframeAtOrBefore(timestamp time.Duration) int {
	i := r.lowerBoundKeyframe(timestamp)
	if i != 0 && (i == len(r.keyframes) || r.keyframes[i].dts != timestamp) {
		i--
	}
	return i
}

// bufferIndexAt returns the index of the first frame with DTS >=
// timestamp (or > timestamp when skipGiven is set).
func (r *Range) bufferIndexAt(timestamp time.Duration, skipGiven bool) int {
	if skipGiven {
		return sort.Search(len(r.frames), func(i int) bool {
			return r.frames[i].DTS > timestamp
		})
	}
	return sort.Search(len(r.frames), func(i int) bool {
		return r.frames[i].DTS >= timestamp
	})
}
