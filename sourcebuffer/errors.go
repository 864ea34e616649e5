package sourcebuffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/mediabuf/media"
)

// Sentinel errors for append processing. These enable callers to
// programmatically distinguish failure modes using errors.Is. Any of them
// aborts the current append call; frames already flushed to sinks stay
// committed.
var (
	ErrUnorderedFrames   = errors.New("sourcebuffer: frames not in decode-timestamp sequence")
	ErrUnknownTrack      = errors.New("sourcebuffer: unknown track")
	ErrDuplicateTrack    = errors.New("sourcebuffer: duplicate track")
	ErrTrackIDConflict   = errors.New("sourcebuffer: track id conflict")
	ErrTrackTypeMismatch = errors.New("sourcebuffer: frame type does not match track type")
	ErrNoTimestamp       = errors.New("sourcebuffer: frame has unknown timestamp")
	ErrBadDuration       = errors.New("sourcebuffer: frame has unknown or negative duration")
	ErrNegativeDTS       = errors.New("sourcebuffer: negative decode timestamp after offset")
)

// FrameError decorates a sentinel with the frame it was detected on.
type FrameError struct {
	Track media.TrackID
	Type  media.StreamType
	PTS   time.Duration
	Err   error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v (%s frame, track %d, pts %v)", e.Err, e.Type, e.Track, e.PTS)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

func frameErr(f *media.Frame, err error) error {
	return &FrameError{Track: f.TrackID, Type: f.Type, PTS: f.PTS, Err: err}
}

// Warning identifies a tolerated-but-suspect bytestream condition. These
// are reported through the processor's warning callback (at most once per
// category) and logged with per-category rate limits; they never fail an
// append.
type Warning int

// Warning categories.
const (
	WarningKeyframeTimeGreaterThanDependant Warning = iota
	WarningMuxedSequenceMode
	WarningDroppedPreroll
	WarningDTSBeyondPTS
	WarningAudioNonKeyframe
)

func (w Warning) String() string {
	switch w {
	case WarningKeyframeTimeGreaterThanDependant:
		return "keyframe time greater than dependant"
	case WarningMuxedSequenceMode:
		return "muxed sequence mode"
	case WarningDroppedPreroll:
		return "dropped preroll"
	case WarningDTSBeyondPTS:
		return "DTS beyond PTS"
	case WarningAudioNonKeyframe:
		return "non-keyframe audio"
	}
	return fmt.Sprintf("Warning(%d)", int(w))
}

// Per-category log caps. Streams that trip these conditions tend to trip
// them on every frame, so the logs are capped rather than per-occurrence.
const (
	maxDroppedPrerollWarnings         = 10
	maxDTSBeyondPTSWarnings           = 10
	maxAudioNonKeyframeWarnings       = 10
	maxKeyframeAfterDependantWarnings = 1
	maxMuxedSequenceModeWarnings      = 1
)
