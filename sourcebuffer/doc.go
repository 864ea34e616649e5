// Package sourcebuffer implements coded-frame processing and buffered-range
// management for appended media segments: the FrameProcessor runs the
// per-frame append algorithm (timestamp-offset application, discontinuity
// detection, append-window trimming, coded-frame-group signaling) and hands
// ordered frame batches to per-track sinks; Stream is such a sink, keeping
// each track's frames in an ordered collection of contiguous Ranges that
// support seek, removal, and GOP-granular eviction.
package sourcebuffer
