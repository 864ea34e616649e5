package sourcebuffer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// FrameProcessor runs the coded-frame processing algorithm over demuxed
// frame batches: it applies the timestamp offset, detects discontinuities,
// trims against the append window, signals coded-frame-group starts, and
// flushes ordered batches to each track's sink. It is single-writer: one
// ProcessFrames call runs to completion before any other method is called.
type FrameProcessor struct {
	log    *slog.Logger
	tracks map[media.TrackID]*trackBuffer

	// updateDuration receives the group end timestamp after every
	// successful append so the presentation duration can be extended.
	updateDuration func(time.Duration)

	// warnFunc, when set, receives each warning category the first time
	// it occurs.
	warnFunc func(Warning)

	// sequenceMode selects the append-offset policy: sequence mode chains
	// new segments after previously appended data, segments mode uses
	// frame timestamps as-is plus the caller's offset.
	sequenceMode bool

	// groupStart is the pending start of the next coded frame group in
	// sequence mode, NoTimestamp when unset.
	groupStart time.Duration

	// groupEnd tracks the highest frame end emitted so far. Never
	// decreases within an append; in sequence mode it becomes the next
	// group's start.
	groupEnd time.Duration

	// pendingNotifyAllGroupStart forces a group-start signal to every
	// track before the next enqueued frame, after a mode switch or a
	// segments-mode reset.
	pendingNotifyAllGroupStart bool

	// audioPreroll is the single-slot lookback used by partial
	// append-window trimming: the last audio frame that ended at or
	// before the window start, kept in case the next frame wants it as
	// preroll.
	audioPreroll *media.Frame

	audioConfig    media.AudioConfig
	sampleDuration time.Duration

	// reportedEnd is the high-water mark handed to updateDuration. A
	// discontinuity can rebase groupEnd backwards, but the presentation
	// duration only ever extends.
	reportedEnd time.Duration

	droppedPrerollLogs   int
	dtsBeyondPTSLogs     int
	audioNonKeyframeLogs int
	muxedSequenceLogs    int
	firedWarnings        map[Warning]bool
}

// NewFrameProcessor creates a processor in segments mode with no tracks.
// updateDuration may be nil if the caller does not track presentation
// duration. If log is nil, slog.Default() is used.
func NewFrameProcessor(updateDuration func(time.Duration), log *slog.Logger) *FrameProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &FrameProcessor{
		log:            log.With("component", "frame-processor"),
		tracks:         make(map[media.TrackID]*trackBuffer),
		updateDuration: updateDuration,
		groupStart:     media.NoTimestamp,
	}
}

// SetParseWarningFunc installs a callback invoked the first time each
// warning category occurs. Must be called before the first ProcessFrames.
func (p *FrameProcessor) SetParseWarningFunc(fn func(Warning)) {
	p.warnFunc = fn
}

// SetSequenceMode switches the append mode. Entering sequence mode chains
// the next group onto the current group end; leaving it forces a
// group-start signal to every track so the next segment cannot silently
// merge with previously buffered data.
func (p *FrameProcessor) SetSequenceMode(sequenceMode bool) {
	if sequenceMode {
		p.groupStart = p.groupEnd
	} else if p.sequenceMode {
		p.pendingNotifyAllGroupStart = true
	}
	p.sequenceMode = sequenceMode
}

// SetGroupStartTimestampIfInSequenceMode sets the pending group start, in
// sequence mode only. Any stashed audio preroll is invalidated either
// way: an offset change breaks the adjacency it was computed under.
func (p *FrameProcessor) SetGroupStartTimestampIfInSequenceMode(ts time.Duration) {
	if p.sequenceMode {
		p.groupStart = ts
	}
	p.audioPreroll = nil
}

// AddTrack registers a sink for a new track id.
func (p *FrameProcessor) AddTrack(id media.TrackID, sink TrackSink) error {
	if _, ok := p.tracks[id]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateTrack, id)
	}
	p.tracks[id] = newTrackBuffer(sink, p.log, p.fireWarning)
	return nil
}

// UpdateTrackIDs remaps track ids according to changes (old id to new id).
// The remap is atomic: on any missing old id or id collision, no track is
// moved.
func (p *FrameProcessor) UpdateTrackIDs(changes map[media.TrackID]media.TrackID) error {
	next := make(map[media.TrackID]*trackBuffer, len(p.tracks))
	for oldID, newID := range changes {
		tb, ok := p.tracks[oldID]
		if !ok {
			return fmt.Errorf("%w: no track with id %d to rename", ErrUnknownTrack, oldID)
		}
		if _, dup := next[newID]; dup {
			return fmt.Errorf("%w: id %d", ErrTrackIDConflict, newID)
		}
		next[newID] = tb
	}
	for id, tb := range p.tracks {
		if _, renamed := changes[id]; renamed {
			continue
		}
		if _, dup := next[id]; dup {
			return fmt.Errorf("%w: id %d", ErrTrackIDConflict, id)
		}
		next[id] = tb
	}
	p.tracks = next
	return nil
}

// OnPossibleAudioConfigUpdate records the audio decoder configuration
// used for preroll sample-duration math. Any stashed preroll is discarded
// since it was parsed under the previous config.
func (p *FrameProcessor) OnPossibleAudioConfigUpdate(config media.AudioConfig) {
	p.audioPreroll = nil

	if config.Matches(p.audioConfig) {
		return
	}
	p.audioConfig = config
	p.sampleDuration = config.SampleDuration()
}

// Reset clears per-track transient state after an append error or an
// explicit parser reset. In segments mode the next frame starts a new
// coded frame group on every track; in sequence mode the current group is
// instead continued by rolling the group start forward to the group end,
// so buffered output coalesces rather than gaps.
func (p *FrameProcessor) Reset() {
	for _, tb := range p.tracks {
		tb.reset()
	}

	if !p.sequenceMode {
		p.pendingNotifyAllGroupStart = true
		return
	}
	p.groupStart = p.groupEnd
}

// ProcessFrames merges the per-track batches into decode order and runs
// the per-frame algorithm over each frame, updating timestampOffset in
// place as sequence-mode realignment requires. On failure, frames already
// staged are still flushed to their sinks and stay committed; there is no
// rollback. On return, the duration callback has been given the updated
// group end timestamp.
func (p *FrameProcessor) ProcessFrames(batches map[media.TrackID][]*media.Frame, appendWindowStart, appendWindowEnd time.Duration, timestampOffset *time.Duration) error {
	frames, err := mergeTrackBatches(batches)
	if err != nil {
		p.log.Error("merge of track batches failed", "error", err)
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	if p.sequenceMode && len(p.tracks) > 1 && p.muxedSequenceLogs < maxMuxedSequenceModeWarnings {
		p.muxedSequenceLogs++
		p.log.Warn("sequence append mode with a multi-track buffer may lose track synchronization; segments mode is recommended")
		p.fireWarning(WarningMuxedSequenceMode)
	}

	for _, frame := range frames {
		if err := p.processFrame(frame, appendWindowStart, appendWindowEnd, timestampOffset); err != nil {
			p.flushStaged()
			return err
		}
	}

	if err := p.flushStaged(); err != nil {
		return err
	}

	if p.groupEnd > p.reportedEnd {
		p.reportedEnd = p.groupEnd
	}
	if p.updateDuration != nil {
		p.updateDuration(p.reportedEnd)
	}
	return nil
}

// GroupEndTimestamp returns the highest frame end emitted so far.
func (p *FrameProcessor) GroupEndTimestamp() time.Duration {
	return p.groupEnd
}

// mergeTrackBatches interleaves the per-track batches into one queue
// ordered by decode timestamp. Each batch must itself be in decode order.
func mergeTrackBatches(batches map[media.TrackID][]*media.Frame) ([]*media.Frame, error) {
	var queues [][]*media.Frame
	total := 0
	for _, q := range batches {
		if len(q) == 0 {
			continue
		}
		for i := 1; i < len(q); i++ {
			if q[i].DTS < q[i-1].DTS {
				return nil, frameErr(q[i], ErrUnorderedFrames)
			}
		}
		queues = append(queues, q)
		total += len(q)
	}

	merged := make([]*media.Frame, 0, total)
	for len(queues) > 0 {
		min := 0
		for i := 1; i < len(queues); i++ {
			if queues[i][0].DTS < queues[min][0].DTS {
				min = i
			}
		}
		merged = append(merged, queues[min][0])
		queues[min] = queues[min][1:]
		if len(queues[min]) == 0 {
			queues = append(queues[:min], queues[min+1:]...)
		}
	}
	return merged, nil
}

// processFrame runs the per-frame steps of the coded frame processing
// algorithm. The loop exists solely for the discontinuity restart: a
// discontinuity resets all tracks and reprocesses the same frame from the
// top. At most one restart can occur per frame, because the reset unsets
// every track's last decode timestamp and the discontinuity test cannot
// fire without one.
func (p *FrameProcessor) processFrame(frame *media.Frame, appendWindowStart, appendWindowEnd time.Duration, timestampOffset *time.Duration) error {
	for {
		pts := frame.PTS
		dts := frame.DTS
		frameDuration := frame.Duration

		// Append-window trimming, preroll, and range bookkeeping all
		// assume audio frames are random access points. Bytestream
		// metadata saying otherwise is overridden, not rejected.
		if frame.Type == media.Audio && !frame.Keyframe {
			if p.audioNonKeyframeLogs < maxAudioNonKeyframeWarnings {
				p.audioNonKeyframeLogs++
				p.log.Warn("audio frame not marked as a random access point; coercing",
					"pts", pts, "dts", dts)
				p.fireWarning(WarningAudioNonKeyframe)
			}
			frame.Keyframe = true
		}

		if pts == media.NoTimestamp {
			return frameErr(frame, ErrNoTimestamp)
		}
		if dts == media.NoTimestamp {
			return frameErr(frame, ErrNoTimestamp)
		}
		if dts > pts {
			if p.dtsBeyondPTSLogs < maxDTSBeyondPTSWarnings {
				p.dtsBeyondPTSLogs++
				p.log.Warn("frame DTS is after its PTS", "dts", dts, "pts", pts, "type", frame.Type.String())
				p.fireWarning(WarningDTSBeyondPTS)
			}
		}

		if frameDuration == media.NoTimestamp {
			return frameErr(frame, ErrBadDuration)
		}
		if frameDuration < 0 {
			return frameErr(frame, ErrBadDuration)
		}

		// A pending group start in sequence mode realigns this whole
		// segment onto the end of the previous one.
		if p.sequenceMode && p.groupStart != media.NoTimestamp {
			*timestampOffset = p.groupStart - pts
			p.groupEnd = p.groupStart
			p.setAllTracksNeedRandomAccessPoint()
			p.groupStart = media.NoTimestamp
		}

		if *timestampOffset != 0 {
			// The frame itself is only updated once it survives
			// discontinuity processing, so a restart re-derives these from
			// the unmodified frame.
			pts += *timestampOffset
			dts += *timestampOffset
		}

		track, ok := p.tracks[frame.TrackID]
		if !ok {
			return frameErr(frame, ErrUnknownTrack)
		}
		if frame.Type != track.sink.Type() {
			return frameErr(frame, fmt.Errorf("%w: sink type %s", ErrTrackTypeMismatch, track.sink.Type()))
		}

		// Discontinuity check: a DTS that runs backwards, or jumps ahead
		// by more than twice the last frame duration, ends the current
		// coded frame group.
		if track.lastDTS != media.NoTimestamp {
			delta := dts - track.lastDTS
			if delta < 0 || delta > 2*track.lastFrameDuration {
				if !p.sequenceMode {
					// The next group's frames extend the duration from here.
					p.groupEnd = pts
				}
				// In sequence mode, Reset rolls the group start forward to
				// the group end instead.
				p.Reset()
				p.log.Debug("discontinuity; reprocessing frame", "dts", dts, "last_dts", track.lastDTS)
				continue
			}
		}

		frameEnd := pts + frame.Duration

		frame.PTS = pts
		frame.DTS = dts
		if track.sink.SupportsPartialAppendWindowTrimming() &&
			p.handlePartialAppendWindowTrimming(appendWindowStart, appendWindowEnd, frame) {
			// The frame was trimmed or gained preroll. Its duration may
			// have changed, but frameDuration deliberately keeps the
			// original value so the discontinuity test on the next frame
			// is not skewed by the trim.
			pts = frame.PTS
			dts = frame.DTS
			frameEnd = frame.PTS + frame.Duration
		}

		if pts < appendWindowStart || frameEnd > appendWindowEnd {
			track.needsRandomAccessPoint = true
			p.log.Debug("dropping frame outside append window", "pts", pts, "end", frameEnd)
			return nil
		}

		// Reordered frames can still carry a negative DTS after the
		// offset is applied; the range index cannot represent that.
		if dts < 0 {
			return frameErr(frame, ErrNegativeDTS)
		}

		if track.needsRandomAccessPoint {
			if !frame.Keyframe {
				p.log.Debug("dropping frame while waiting for random access point", "pts", pts)
				return nil
			}
			track.needsRandomAccessPoint = false
		}

		// Group-start signaling. The global case re-announces to every
		// track after a mode switch or segments-mode reset. The per-track
		// case covers cross-track skew: an earlier-processed track's first
		// post-discontinuity frame had a higher DTS than this track's.
		if p.pendingNotifyAllGroupStart || track.lastProcessedDTS > dts {
			if err := p.flushStaged(); err != nil {
				return err
			}
			if p.pendingNotifyAllGroupStart {
				p.notifyStartOfCodedFrameGroup(dts)
				p.pendingNotifyAllGroupStart = false
			} else {
				track.notifyStartOfCodedFrameGroup(dts)
			}
		}

		track.enqueue(frame)
		track.lastDTS = dts
		track.lastFrameDuration = frameDuration
		track.setHighestPTSIfIncreased(frameEnd)
		if frameEnd > p.groupEnd {
			p.groupEnd = frameEnd
		}
		return nil
	}
}

// handlePartialAppendWindowTrimming shortens an audio frame that straddles
// an append-window edge instead of dropping it, recording the trimmed
// amounts as discard padding, and manages the single-slot preroll buffer.
// Returns true if the frame was trimmed or gained preroll.
func (p *FrameProcessor) handlePartialAppendWindowTrimming(appendWindowStart, appendWindowEnd time.Duration, frame *media.Frame) bool {
	frameEnd := frame.PTS + frame.Duration

	// A frame that ends at or before the window start becomes the preroll
	// candidate for the first frame that overlaps the window start.
	if frame.PTS < appendWindowStart && frameEnd <= appendWindowStart {
		p.audioPreroll = frame
		return false
	}

	// Entirely past the window end: nothing to trim, the caller drops it.
	if frame.PTS >= appendWindowEnd {
		return false
	}

	processed := false

	if p.audioPreroll != nil {
		// The preroll is only usable if it directly precedes this frame,
		// within one sample duration.
		delta := p.audioPreroll.EndTime() - frame.PTS
		if delta < 0 {
			delta = -delta
		}
		if delta < p.sampleDuration {
			frame.Preroll = p.audioPreroll
			processed = true
		} else if p.droppedPrerollLogs < maxDroppedPrerollWarnings {
			p.droppedPrerollLogs++
			p.log.Warn("discarding stale audio preroll that ends too far from the next frame",
				"preroll_pts", p.audioPreroll.PTS, "gap", delta, "next_pts", frame.PTS)
			p.fireWarning(WarningDroppedPreroll)
		}
		p.audioPreroll = nil
	}

	if frame.PTS < appendWindowStart {
		frame.DiscardFront = appendWindowStart - frame.PTS

		// Shift PTS forward to the window start and move DTS by the same
		// delta, so a DTS>PTS frame does not produce a spurious
		// discontinuity on the next append.
		delta := appendWindowStart - frame.PTS
		frame.PTS = appendWindowStart
		frame.DTS += delta
		frame.Duration = frameEnd - appendWindowStart
		processed = true
	}

	if frameEnd > appendWindowEnd {
		frame.DiscardBack = frameEnd - appendWindowEnd
		frame.Duration = appendWindowEnd - frame.PTS
		processed = true
	}

	return processed
}

func (p *FrameProcessor) setAllTracksNeedRandomAccessPoint() {
	for _, tb := range p.tracks {
		tb.needsRandomAccessPoint = true
	}
}

func (p *FrameProcessor) notifyStartOfCodedFrameGroup(start time.Duration) {
	for _, tb := range p.tracks {
		tb.notifyStartOfCodedFrameGroup(start)
	}
}

// flushStaged flushes every track's staging queue. All tracks are flushed
// even if one fails; the first failure is returned.
func (p *FrameProcessor) flushStaged() error {
	var firstErr error
	for _, tb := range p.tracks {
		if err := tb.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fireWarning reports w through the warning callback, at most once per
// category for the processor's lifetime.
func (p *FrameProcessor) fireWarning(w Warning) {
	if p.warnFunc == nil || p.firedWarnings[w] {
		return
	}
	if p.firedWarnings == nil {
		p.firedWarnings = make(map[Warning]bool)
	}
	p.firedWarnings[w] = true
	p.warnFunc(w)
}
