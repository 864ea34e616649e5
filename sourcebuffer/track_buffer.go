package sourcebuffer

import (
	"log/slog"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// TrackSink receives the processed output of the frame processor for one
// track. Stream implements it; tests substitute fakes.
type TrackSink interface {
	// Append hands over a batch of processed frames in decode order.
	Append(frames []*media.Frame) error

	// OnStartOfCodedFrameGroup signals that subsequent appends begin a
	// logically continuous run of frames starting at the given decode
	// timestamp, with no implied adjacency to previously appended frames.
	OnStartOfCodedFrameGroup(start time.Duration)

	// Type returns the kind of elementary stream the sink buffers.
	Type() media.StreamType

	// SupportsPartialAppendWindowTrimming reports whether frames may be
	// shortened at the append-window edges instead of dropped whole.
	SupportsPartialAppendWindowTrimming() bool
}

// trackBuffer holds the frame processor's per-track bookkeeping: the
// timestamps that drive discontinuity detection and group-start
// signaling, plus the staging queue of processed frames not yet flushed
// to the track's sink.
type trackBuffer struct {
	sink TrackSink
	log  *slog.Logger

	// lastDTS is the decode timestamp of the last frame enqueued in the
	// current coded frame group. NoTimestamp means no frames yet; reset
	// on discontinuity.
	lastDTS time.Duration

	// lastProcessedDTS tracks enqueued frames and group-start signals
	// across resets. It deliberately survives reset so cross-track
	// group-start skew after a discontinuity is still detectable; folding
	// it into lastDTS breaks muxed post-discontinuity signaling.
	lastProcessedDTS time.Duration

	// lastKeyframePTS is the presentation timestamp of the most recently
	// enqueued keyframe, used to flag GOPs whose dependent frames precede
	// their keyframe. NoTimestamp until a keyframe is enqueued.
	lastKeyframePTS time.Duration

	// lastFrameDuration is the duration of the last enqueued frame,
	// NoTimestamp when unset.
	lastFrameDuration time.Duration

	// highestPTS is the highest frame end seen in the current group,
	// NoTimestamp when unset. Presentation reordering means this is not
	// necessarily the last enqueued frame's end.
	highestPTS time.Duration

	// needsRandomAccessPoint starts true: nothing is buffered until a
	// keyframe arrives. Set again on reset and after append-window drops.
	needsRandomAccessPoint bool

	// staged holds processed frames awaiting flush to the sink.
	staged []*media.Frame

	warnFunc                   func(Warning)
	keyframeAfterDependantLogs int
}

func newTrackBuffer(sink TrackSink, log *slog.Logger, warnFunc func(Warning)) *trackBuffer {
	return &trackBuffer{
		sink:                   sink,
		log:                    log,
		lastDTS:                media.NoTimestamp,
		lastProcessedDTS:       0,
		lastKeyframePTS:        media.NoTimestamp,
		lastFrameDuration:      media.NoTimestamp,
		highestPTS:             media.NoTimestamp,
		needsRandomAccessPoint: true,
		warnFunc:               warnFunc,
	}
}

// reset clears the per-group state. The staging queue and
// lastProcessedDTS are intentionally left alone: staged frames belong to
// the group that ended, and lastProcessedDTS must keep tracking signaled
// group starts across the discontinuity.
func (t *trackBuffer) reset() {
	t.lastDTS = media.NoTimestamp
	t.lastFrameDuration = media.NoTimestamp
	t.highestPTS = media.NoTimestamp
	t.lastKeyframePTS = media.NoTimestamp
	t.needsRandomAccessPoint = true
}

// setHighestPTSIfIncreased raises highestPTS to ts if it is unset or
// lower. Bidirectional prediction makes PTS non-monotonic even when DTS
// is monotonic, hence the max rather than an assignment.
func (t *trackBuffer) setHighestPTSIfIncreased(ts time.Duration) {
	if t.highestPTS == media.NoTimestamp || ts > t.highestPTS {
		t.highestPTS = ts
	}
}

// enqueue appends a processed frame to the staging queue and updates the
// keyframe-structure bookkeeping.
func (t *trackBuffer) enqueue(f *media.Frame) {
	if f.Keyframe {
		t.lastKeyframePTS = f.PTS
	} else if t.lastKeyframePTS != media.NoTimestamp && f.PTS < t.lastKeyframePTS {
		// A dependent frame presented before its keyframe is a GOP shape
		// the buffered-range math handles imprecisely; warn once per track.
		if t.keyframeAfterDependantLogs < maxKeyframeAfterDependantWarnings {
			t.keyframeAfterDependantLogs++
			t.log.Warn("keyframe presentation time is later than a frame that depends on it; buffered range reporting may be less precise",
				"keyframe_pts", t.lastKeyframePTS, "frame_pts", f.PTS)
			if t.warnFunc != nil {
				t.warnFunc(WarningKeyframeTimeGreaterThanDependant)
			}
		}
	}

	t.lastProcessedDTS = f.DTS
	t.staged = append(t.staged, f)
}

// flush appends the staged frames, if any, to the sink and clears the
// staging queue in both the success and failure cases.
func (t *trackBuffer) flush() error {
	if len(t.staged) == 0 {
		return nil
	}
	frames := t.staged
	t.staged = nil
	return t.sink.Append(frames)
}

// notifyStartOfCodedFrameGroup signals the sink that a new coded frame
// group begins at start.
func (t *trackBuffer) notifyStartOfCodedFrameGroup(start time.Duration) {
	t.lastKeyframePTS = media.NoTimestamp
	t.lastProcessedDTS = start
	t.sink.OnStartOfCodedFrameGroup(start)
}
