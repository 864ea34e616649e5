// Package demux turns an MPEG-TS byte stream into per-track, decode-ordered
// coded frame batches: H.264/H.265 video access units with keyframe and
// parameter-set detection, AAC audio split along ADTS frame boundaries, and
// CEA-608/708 caption cues decoded into text-track frames.
package demux

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/mediabuf/internal/mpegts"
	"github.com/zsiec/mediabuf/media"
)

const (
	streamTypeH264 = 0x1B
	streamTypeH265 = 0x24
	streamTypeAAC  = 0x0F
)

// Track IDs assigned by the parser. Audio tracks count up from
// AudioTrackBase in PMT order; caption channels map onto CaptionTrackBase.
const (
	VideoTrackID     media.TrackID = 1
	AudioTrackBase   media.TrackID = 2
	CaptionTrackBase media.TrackID = 100
)

const (
	batchBufferSize = 64

	// Fallback frame duration when no successor exists to diff against.
	defaultVideoFrameDuration = 33 * time.Millisecond

	// Caption cues carry no explicit duration in the bytestream.
	captionCueDuration = 2 * time.Second
)

// Track describes one elementary stream discovered in the transport stream.
type Track struct {
	ID    media.TrackID
	Type  media.StreamType
	Codec string
	PID   uint16
}

// Batch is a run of frames for a single track, in decode order. When the
// track's decoder configuration changed at the start of the batch,
// AudioConfig carries the new config for audio tracks.
type Batch struct {
	Track       media.TrackID
	Frames      []*media.Frame
	AudioConfig *media.AudioConfig
}

// Parser reads an MPEG-TS stream and produces coded frame batches on the
// Batches channel. Video frame durations are derived by holding each frame
// back until its successor's DTS is known; the frame in flight when the
// stream ends is flushed with an estimated duration.
type Parser struct {
	log    *slog.Logger
	reader io.Reader

	batchCh     chan Batch
	tracksReady chan struct{}
	tracksDone  bool
	tracks      []Track

	videoPID  uint16
	isHEVC    bool
	audioPIDs map[uint16]media.TrackID

	sps []byte
	pps []byte
	vps []byte

	videoConfigID  int
	pendingVideo   *media.Frame
	lastVideoDur   time.Duration
	videoCount     int64
	audioConfigs   map[media.TrackID]media.AudioConfig
	audioConfigIDs map[media.TrackID]int

	captions *captionDecoder
}

// NewParser creates a Parser reading from r. Call Run to start parsing and
// consume the Batches channel. If log is nil, slog.Default() is used.
func NewParser(r io.Reader, log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	return &Parser{
		log:            log.With("component", "demux"),
		reader:         r,
		batchCh:        make(chan Batch, batchBufferSize),
		tracksReady:    make(chan struct{}),
		audioPIDs:      make(map[uint16]media.TrackID),
		audioConfigs:   make(map[media.TrackID]media.AudioConfig),
		audioConfigIDs: make(map[media.TrackID]int),
		captions:       newCaptionDecoder(),
	}
}

// Batches returns the channel on which parsed frame batches are delivered.
func (p *Parser) Batches() <-chan Batch {
	return p.batchCh
}

// TracksReady returns a channel that is closed once the first PMT has been
// parsed and the PID-to-track mapping is established. Caption tracks are
// not announced here; they appear as batches with IDs at or above
// CaptionTrackBase when caption data is first decoded.
func (p *Parser) TracksReady() <-chan struct{} {
	return p.tracksReady
}

// Tracks returns the tracks discovered from the PMT. Valid after
// TracksReady is closed.
func (p *Parser) Tracks() []Track {
	return p.tracks
}

// Run reads transport stream packets until EOF or context cancellation.
// It closes the Batches channel on return.
func (p *Parser) Run(ctx context.Context) error {
	defer close(p.batchCh)

	dmx := mpegts.NewDemuxer(ctx, p.reader, mpegts.DemuxerOptPacketSize(188))

	for {
		unit, err := dmx.NextUnit()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				p.flushPendingVideo(ctx)
				return nil
			}
			p.log.Debug("skipping corrupt packet", "error", err)
			continue
		}

		if unit.PMT != nil {
			p.handlePMT(unit.PMT)
			continue
		}

		if unit.PES == nil {
			continue
		}

		pid := unit.FirstPacket.Header.PID
		if pid == p.videoPID && p.videoPID != 0 {
			p.handleVideo(ctx, unit.PES)
		} else if trackID, ok := p.audioPIDs[pid]; ok {
			p.handleAudio(ctx, unit.PES, trackID)
		}
	}
}

func (p *Parser) handlePMT(pmt *mpegts.PMT) {
	for _, es := range pmt.ElementaryStreams {
		switch es.StreamType {
		case streamTypeH264:
			if p.videoPID == 0 {
				p.videoPID = es.ElementaryPID
				p.isHEVC = false
				p.tracks = append(p.tracks, Track{ID: VideoTrackID, Type: media.Video, Codec: "h264", PID: es.ElementaryPID})
				p.log.Info("found video PID", "pid", es.ElementaryPID, "codec", "H.264")
			}
		case streamTypeH265:
			if p.videoPID == 0 {
				p.videoPID = es.ElementaryPID
				p.isHEVC = true
				p.tracks = append(p.tracks, Track{ID: VideoTrackID, Type: media.Video, Codec: "h265", PID: es.ElementaryPID})
				p.log.Info("found video PID", "pid", es.ElementaryPID, "codec", "H.265")
			}
		case streamTypeAAC:
			if _, exists := p.audioPIDs[es.ElementaryPID]; !exists {
				id := AudioTrackBase + media.TrackID(len(p.audioPIDs))
				p.audioPIDs[es.ElementaryPID] = id
				p.tracks = append(p.tracks, Track{ID: id, Type: media.Audio, Codec: "aac", PID: es.ElementaryPID})
				p.log.Info("found audio PID", "pid", es.ElementaryPID, "track", int(id))
			}
		}
	}
	if !p.tracksDone && len(p.tracks) > 0 {
		p.tracksDone = true
		close(p.tracksReady)
	}
}

func pesTimestamps(pes *mpegts.PES) (pts, dts time.Duration) {
	if pes.Header == nil || pes.Header.OptionalHeader == nil {
		return 0, 0
	}
	oh := pes.Header.OptionalHeader
	if oh.PTS != nil {
		pts = oh.PTS.Duration()
	}
	if oh.DTS != nil {
		dts = oh.DTS.Duration()
	} else {
		dts = pts
	}
	return pts, dts
}

func (p *Parser) handleVideo(ctx context.Context, pes *mpegts.PES) {
	if len(pes.Data) == 0 {
		return
	}
	pts, dts := pesTimestamps(pes)

	var nalus []NALUnit
	if p.isHEVC {
		nalus = ParseAnnexBHEVC(pes.Data)
	} else {
		nalus = ParseAnnexB(pes.Data)
	}
	if len(nalus) == 0 {
		return
	}

	isKeyframe := false
	var buf bytes.Buffer

	for _, nalu := range nalus {
		if p.isHEVC {
			if nalu.Type == HEVCNALAUD || nalu.Type == HEVCNALFillerData {
				continue
			}
			switch {
			case IsHEVCVPS(nalu.Type):
				p.setParameterSet(&p.vps, nalu.Data)
			case IsHEVCSPS(nalu.Type):
				p.setParameterSet(&p.sps, nalu.Data)
			case IsHEVCPPS(nalu.Type):
				p.setParameterSet(&p.pps, nalu.Data)
			case IsHEVCKeyframe(nalu.Type):
				isKeyframe = true
			case nalu.Type == HEVCNALSEIPrefix:
				if len(nalu.Data) > 2 {
					p.emitCaptions(ctx, nalu.Data, pts)
				}
			}
		} else {
			if nalu.Type == NALTypeAUD || nalu.Type == NALTypeFillerData {
				continue
			}
			switch {
			case IsSPS(nalu.Type):
				p.setParameterSet(&p.sps, nalu.Data)
				isKeyframe = true
			case IsPPS(nalu.Type):
				p.setParameterSet(&p.pps, nalu.Data)
			case IsKeyframe(nalu.Type):
				isKeyframe = true
			case nalu.Type == NALTypeSEI:
				p.emitCaptions(ctx, nalu.Data, pts)
			}
		}

		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(nalu.Data)
	}

	if buf.Len() == 0 {
		return
	}

	frame := &media.Frame{
		Type:     media.Video,
		TrackID:  VideoTrackID,
		Keyframe: isKeyframe,
		PTS:      pts,
		DTS:      dts,
		ConfigID: p.videoConfigID,
		Data:     buf.Bytes(),
	}
	p.videoCount++
	p.emitVideo(ctx, frame)
}

// setParameterSet stores a parameter set NAL and bumps the config ID when
// it differs from the active one.
func (p *Parser) setParameterSet(slot *[]byte, data []byte) {
	if *slot != nil && bytes.Equal(*slot, data) {
		return
	}
	if *slot != nil {
		p.videoConfigID++
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	*slot = cp
}

// emitVideo holds each video frame until the next one arrives so its
// duration can be derived from the DTS delta.
func (p *Parser) emitVideo(ctx context.Context, frame *media.Frame) {
	if p.pendingVideo != nil {
		prev := p.pendingVideo
		if d := frame.DTS - prev.DTS; d > 0 {
			prev.Duration = d
			p.lastVideoDur = d
		} else {
			prev.Duration = p.estimatedVideoDuration()
			prev.DurationEstimated = true
		}
		p.send(ctx, Batch{Track: VideoTrackID, Frames: []*media.Frame{prev}})
	}
	p.pendingVideo = frame
}

func (p *Parser) flushPendingVideo(ctx context.Context) {
	if p.pendingVideo == nil {
		return
	}
	prev := p.pendingVideo
	p.pendingVideo = nil
	prev.Duration = p.estimatedVideoDuration()
	prev.DurationEstimated = true
	p.send(ctx, Batch{Track: VideoTrackID, Frames: []*media.Frame{prev}})
}

func (p *Parser) estimatedVideoDuration() time.Duration {
	if p.lastVideoDur > 0 {
		return p.lastVideoDur
	}
	return defaultVideoFrameDuration
}

func (p *Parser) handleAudio(ctx context.Context, pes *mpegts.PES, trackID media.TrackID) {
	if len(pes.Data) == 0 {
		return
	}
	pts, _ := pesTimestamps(pes)

	aacFrames, err := ParseADTS(pes.Data)
	if err != nil {
		p.log.Warn("failed to parse ADTS", "error", err)
		return
	}
	if len(aacFrames) == 0 {
		return
	}

	batch := Batch{Track: trackID}

	cfg := media.AudioConfig{Codec: "aac", SampleRate: aacFrames[0].SampleRate, Channels: aacFrames[0].Channels}
	if prev, ok := p.audioConfigs[trackID]; !ok || !prev.Matches(cfg) {
		if ok {
			p.audioConfigIDs[trackID]++
		}
		p.audioConfigs[trackID] = cfg
		batch.AudioConfig = &cfg
	}
	configID := p.audioConfigIDs[trackID]

	framePTS := pts
	for _, aac := range aacFrames {
		var dur time.Duration
		if aac.SampleRate > 0 {
			// 1024 PCM samples per AAC frame.
			dur = 1024 * time.Second / time.Duration(aac.SampleRate)
		}
		batch.Frames = append(batch.Frames, &media.Frame{
			Type:     media.Audio,
			TrackID:  trackID,
			Keyframe: true,
			PTS:      framePTS,
			DTS:      framePTS,
			Duration: dur,
			ConfigID: configID,
			Data:     aac.Data,
		})
		framePTS += dur
	}

	p.send(ctx, batch)
}

func (p *Parser) emitCaptions(ctx context.Context, seiData []byte, pts time.Duration) {
	for _, cue := range p.captions.decodeSEI(seiData, p.videoCount) {
		frame := &media.Frame{
			Type:              media.Text,
			TrackID:           CaptionTrackBase + media.TrackID(cue.Channel),
			Keyframe:          true,
			PTS:               pts,
			DTS:               pts,
			Duration:          captionCueDuration,
			DurationEstimated: true,
			Data:              []byte(cue.Text),
		}
		p.send(ctx, Batch{Track: frame.TrackID, Frames: []*media.Frame{frame}})
	}
}

func (p *Parser) send(ctx context.Context, b Batch) {
	select {
	case p.batchCh <- b:
	case <-ctx.Done():
	}
}
