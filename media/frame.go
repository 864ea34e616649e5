// Package media defines the frame types that flow through the buffering
// engine, from the stream parser through coded-frame processing into
// per-track buffered ranges.
package media

import (
	"fmt"
	"math"
	"time"
)

// NoTimestamp is the sentinel for an unset timestamp or duration.
// Comparisons against it must be exact; arithmetic on it is invalid.
const NoTimestamp = time.Duration(math.MinInt64)

// MaxTimestamp stands in for an unbounded append-window end.
const MaxTimestamp = time.Duration(math.MaxInt64)

// StreamType identifies the kind of elementary stream a track carries.
type StreamType int

// Stream types understood by the engine.
const (
	Audio StreamType = iota
	Video
	Text
)

func (t StreamType) String() string {
	switch t {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Text:
		return "text"
	}
	return fmt.Sprintf("StreamType(%d)", int(t))
}

// TrackID identifies a track within a single buffering session. IDs are
// assigned by the stream parser (video 1, audio tracks from 2, text
// tracks from 100) and remapped via FrameProcessor.UpdateTrackIDs when
// the parser renumbers tracks mid-stream.
type TrackID int

// Frame is a single demuxed, timestamped coded frame. Frames are created
// by the stream parser and then owned jointly by the frame processor's
// staging queues and the buffered ranges they end up in; the processing
// algorithm mutates timestamps and trim fields in place before a frame
// reaches a range, never after.
type Frame struct {
	Type     StreamType
	TrackID  TrackID
	Keyframe bool

	PTS      time.Duration
	DTS      time.Duration
	Duration time.Duration

	// DurationEstimated marks a duration derived by the parser rather
	// than carried by the bytestream (e.g. the last frame before a flush,
	// which has no successor to diff against).
	DurationEstimated bool

	// ConfigID tracks codec/config changes mid-stream. Frames decoded
	// under the same configuration share an ID.
	ConfigID int

	// DiscardFront and DiscardBack are the amounts a decoder should trim
	// from the decoded output, set when append-window trimming shortens
	// an audio frame rather than dropping it.
	DiscardFront time.Duration
	DiscardBack  time.Duration

	// Preroll is an audio frame immediately preceding this one that was
	// trimmed out entirely; decoders process it and discard its output so
	// this frame decodes cleanly.
	Preroll *Frame

	Data []byte
}

// EndTime returns the frame's presentation end timestamp.
func (f *Frame) EndTime() time.Duration {
	return f.PTS + f.Duration
}

// Size returns the coded payload size in bytes.
func (f *Frame) Size() int {
	return len(f.Data)
}

// AudioConfig describes the decoder configuration of an audio track,
// used by the frame processor for preroll sample-duration math.
type AudioConfig struct {
	Codec      string
	SampleRate int
	Channels   int
}

// Valid reports whether the config carries a usable sample rate.
func (c AudioConfig) Valid() bool {
	return c.SampleRate > 0
}

// Matches reports whether two configs are interchangeable without a
// decoder reconfiguration.
func (c AudioConfig) Matches(o AudioConfig) bool {
	return c == o
}

// SampleDuration returns the duration of one PCM sample at the config's
// rate, or NoTimestamp if the config is invalid.
func (c AudioConfig) SampleDuration() time.Duration {
	if !c.Valid() {
		return NoTimestamp
	}
	return time.Second / time.Duration(c.SampleRate)
}
