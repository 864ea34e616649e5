// Package pipeline wires a transport stream parser into the coded frame
// processing engine for a single stream: parsed batches flow through a
// FrameProcessor into per-track buffered Streams, with duration and
// buffered-range snapshots exposed for the session layer.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mediabuf/internal/demux"
	"github.com/zsiec/mediabuf/media"
	"github.com/zsiec/mediabuf/sourcebuffer"
)

// TrackSnapshot describes one buffered track at a point in time.
type TrackSnapshot struct {
	ID        media.TrackID
	Type      string
	Codec     string
	SizeBytes int
	Ranges    []sourcebuffer.BufferedRange
}

// Snapshot is a point-in-time view of a pipeline's buffering state,
// suitable for JSON serialization or periodic status logging.
type Snapshot struct {
	Timestamp      int64
	UptimeMs       int64
	Protocol       string
	Duration       time.Duration
	FramesAppended int64
	BatchesDone    int64
	Warnings       int64
	Tracks         []TrackSnapshot
}

// Pipeline bridges a single stream's Parser and buffering engine. It reads
// parsed frame batches from the parser's output channel and appends them
// through the FrameProcessor into per-track Streams, while accumulating
// counters for status reporting.
type Pipeline struct {
	log       *slog.Logger
	parser    *demux.Parser
	proc      *sourcebuffer.FrameProcessor
	streamKey string
	protocol  string
	startTime time.Time

	// mu serializes frame processing in Run against snapshot reads from
	// other goroutines. The engine itself is single-writer.
	mu      sync.Mutex
	streams map[media.TrackID]*sourcebuffer.Stream
	codecs  map[media.TrackID]string

	timestampOffset time.Duration

	duration       atomic.Int64
	framesAppended atomic.Int64
	batchesDone    atomic.Int64
	warnings       atomic.Int64
	lastDTS        atomic.Int64
}

// New creates a Pipeline that parses the transport stream from input and
// buffers its coded frames. If log is nil, slog.Default() is used.
func New(streamKey string, input io.Reader, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		log:       log.With("stream", streamKey),
		streamKey: streamKey,
		streams:   make(map[media.TrackID]*sourcebuffer.Stream),
		codecs:    make(map[media.TrackID]string),
		startTime: time.Now(),
	}

	p.parser = demux.NewParser(input, log.With("stream", streamKey))
	p.proc = sourcebuffer.NewFrameProcessor(p.onDuration, p.log)
	p.proc.SetParseWarningFunc(func(w sourcebuffer.Warning) {
		p.warnings.Add(1)
		p.log.Warn("frame processing warning", "warning", w.String())
	})

	return p
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for inclusion
// in snapshots. Call before Run.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// onDuration receives the high-water buffered end time from the frame
// processor. It runs on the Run goroutine with p.mu held, so it must not
// take the lock itself.
func (p *Pipeline) onDuration(d time.Duration) {
	p.duration.Store(int64(d))
}

// Run starts the parser and the append loop. It blocks until the context
// is cancelled, the stream ends, or an append fails fatally.
func (p *Pipeline) Run(ctx context.Context) error {
	parseErr := make(chan error, 1)
	go func() {
		err := p.parser.Run(ctx)
		p.log.Info("parser goroutine exited", "error", err)
		parseErr <- err
	}()

	select {
	case <-p.parser.TracksReady():
	case err := <-parseErr:
		// A short stream can be fully parsed before readiness is
		// observed; buffered batches still need draining in that case.
		parseErr <- err
		select {
		case <-p.parser.TracksReady():
		default:
			p.log.Info("parser finished before track discovery", "error", err)
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.registerTracks(); err != nil {
		return err
	}

	for batch := range p.parser.Batches() {
		if err := p.processBatch(batch); err != nil {
			return fmt.Errorf("appending frames for track %d: %w", int(batch.Track), err)
		}
	}
	return <-parseErr
}

func (p *Pipeline) registerTracks() error {
	for _, tr := range p.parser.Tracks() {
		if err := p.addTrack(tr.ID, tr.Type, tr.Codec); err != nil {
			return err
		}
		p.log.Info("registered track", "track", int(tr.ID), "type", tr.Type.String(), "codec", tr.Codec)
	}
	return nil
}

func (p *Pipeline) addTrack(id media.TrackID, typ media.StreamType, codec string) error {
	stream := sourcebuffer.NewStream(typ, p.log)
	if err := p.proc.AddTrack(id, stream); err != nil {
		return err
	}
	p.mu.Lock()
	p.streams[id] = stream
	p.codecs[id] = codec
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) processBatch(b demux.Batch) error {
	if len(b.Frames) == 0 && b.AudioConfig == nil {
		return nil
	}

	// Caption tracks are not announced in the PMT. They materialize the
	// first time a cue is decoded from video SEI data.
	if b.Track >= demux.CaptionTrackBase {
		if _, ok := p.trackStream(b.Track); !ok {
			codec := "cea608"
			if int(b.Track-demux.CaptionTrackBase) > 4 {
				codec = "cea708"
			}
			if err := p.addTrack(b.Track, media.Text, codec); err != nil {
				return err
			}
			p.log.Info("caption track appeared", "track", int(b.Track), "codec", codec)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.AudioConfig != nil {
		p.proc.OnPossibleAudioConfigUpdate(*b.AudioConfig)
	}
	if len(b.Frames) == 0 {
		return nil
	}

	// Make room before appending, using the most recently appended DTS as
	// the eviction pivot.
	mediaTime := time.Duration(p.lastDTS.Load())
	newSize := 0
	for _, f := range b.Frames {
		newSize += f.Size()
	}
	if s, ok := p.streams[b.Track]; ok {
		s.EvictFrames(mediaTime, newSize)
	}

	err := p.proc.ProcessFrames(
		map[media.TrackID][]*media.Frame{b.Track: b.Frames},
		0, media.MaxTimestamp, &p.timestampOffset,
	)
	if err != nil {
		return err
	}

	p.framesAppended.Add(int64(len(b.Frames)))
	p.batchesDone.Add(1)
	p.lastDTS.Store(int64(b.Frames[len(b.Frames)-1].DTS))
	return nil
}

func (p *Pipeline) trackStream(id media.TrackID) (*sourcebuffer.Stream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.streams[id]
	return s, ok
}

// Duration returns the highest buffered end time reported so far.
func (p *Pipeline) Duration() time.Duration {
	return time.Duration(p.duration.Load())
}

// Buffered returns the buffered time ranges for every track.
func (p *Pipeline) Buffered() map[media.TrackID][]sourcebuffer.BufferedRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[media.TrackID][]sourcebuffer.BufferedRange, len(p.streams))
	for id, s := range p.streams {
		out[id] = s.Buffered()
	}
	return out
}

// StreamSnapshot returns a point-in-time snapshot of the pipeline's
// buffering state, with tracks ordered by ID.
func (p *Pipeline) StreamSnapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Timestamp:      time.Now().UnixMilli(),
		UptimeMs:       time.Since(p.startTime).Milliseconds(),
		Protocol:       p.protocol,
		Duration:       time.Duration(p.duration.Load()),
		FramesAppended: p.framesAppended.Load(),
		BatchesDone:    p.batchesDone.Load(),
		Warnings:       p.warnings.Load(),
	}

	ids := make([]media.TrackID, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s := p.streams[id]
		snap.Tracks = append(snap.Tracks, TrackSnapshot{
			ID:        id,
			Type:      s.Type().String(),
			Codec:     p.codecs[id],
			SizeBytes: s.SizeInBytes(),
			Ranges:    s.Buffered(),
		})
	}
	return snap
}
