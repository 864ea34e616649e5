package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/mediabuf/internal/demux"
)

// Minimal transport stream builders for driving the full parse-and-buffer
// path in-memory.

func tsCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

func tsPkt(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, 188)
	buf[0] = 0x47
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	copy(buf[4:], payload)
	return buf
}

func patPayload(pmtPID uint16) []byte {
	data := make([]byte, 16)
	data[0] = 0x00
	data[1] = 0xB0
	data[2] = 13
	data[3], data[4] = 0, 1
	data[5] = 0xC1
	data[8], data[9] = 0, 1
	data[10] = 0xE0 | byte(pmtPID>>8)&0x1F
	data[11] = byte(pmtPID)
	binary.BigEndian.PutUint32(data[12:], tsCRC32(data[:12]))
	return append([]byte{0x00}, data...)
}

func pmtPayload(videoPID, audioPID uint16) []byte {
	sectionLength := 9 + 10 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = 0x02
	data[1] = 0xB0
	data[2] = byte(sectionLength)
	data[3], data[4] = 0, 1
	data[5] = 0xC1
	data[8] = 0xE0 | byte(videoPID>>8)&0x1F
	data[9] = byte(videoPID)
	data[10], data[11] = 0xF0, 0x00

	data[12] = 0x1B // H.264
	data[13] = 0xE0 | byte(videoPID>>8)&0x1F
	data[14] = byte(videoPID)
	data[15], data[16] = 0xF0, 0x00

	data[17] = 0x0F // ADTS AAC
	data[18] = 0xE0 | byte(audioPID>>8)&0x1F
	data[19] = byte(audioPID)
	data[20], data[21] = 0xF0, 0x00

	binary.BigEndian.PutUint32(data[22:], tsCRC32(data[:22]))
	return append([]byte{0x00}, data...)
}

func pesTimestamp(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

func pesPayload(streamID byte, pts int64, data []byte) []byte {
	opt := append(pesTimestamp(0x03, pts), pesTimestamp(0x01, pts)...)
	packetLength := 3 + len(opt) + len(data)
	if streamID == 0xE0 {
		packetLength = 0
	}
	buf := []byte{0x00, 0x00, 0x01, streamID, byte(packetLength >> 8), byte(packetLength), 0x80, 0xC0, byte(len(opt))}
	buf = append(buf, opt...)
	return append(buf, data...)
}

func annexBUnits(nalus ...[]byte) []byte {
	var buf bytes.Buffer
	for _, n := range nalus {
		buf.Write([]byte{0, 0, 0, 1})
		buf.Write(n)
	}
	return buf.Bytes()
}

func adtsFrame(payload []byte) []byte {
	frameLen := 7 + len(payload)
	header := []byte{
		0xFF, 0xF1,
		(1 << 6) | (3 << 2), // AAC-LC, 48 kHz
		(2 << 6) | byte((frameLen>>11)&0x03),
		byte((frameLen >> 3) & 0xFF),
		byte((frameLen&0x07)<<5) | 0x1F,
		0xFC,
	}
	return append(header, payload...)
}

var pipelineTestSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

func buildTestStream() *bytes.Buffer {
	var stream bytes.Buffer
	stream.Write(tsPkt(0x0000, 0, true, patPayload(0x1000)))
	stream.Write(tsPkt(0x1000, 0, true, pmtPayload(0x100, 0x101)))

	idr := annexBUnits(pipelineTestSPS, []byte{0x68, 0xCE, 0x38, 0x80}, []byte{0x65, 0x88, 0x84, 0x00})
	stream.Write(tsPkt(0x100, 0, true, pesPayload(0xE0, 90000, idr)))

	slice := annexBUnits([]byte{0x41, 0x9A, 0x12, 0x34})
	stream.Write(tsPkt(0x100, 1, true, pesPayload(0xE0, 99000, slice)))

	adts := append(adtsFrame([]byte{0x01, 0x02}), adtsFrame([]byte{0x03, 0x04})...)
	stream.Write(tsPkt(0x101, 0, true, pesPayload(0xC0, 90000, adts)))
	return &stream
}

func TestNew(t *testing.T) {
	t.Parallel()

	p := New("test-stream", strings.NewReader(""), nil)
	if p == nil {
		t.Fatal("expected non-nil Pipeline")
	}
}

func TestStreamSnapshotBeforeRun(t *testing.T) {
	t.Parallel()

	p := New("test-stream", strings.NewReader(""), nil)
	p.SetProtocol("test")

	snap := p.StreamSnapshot()
	if snap.Protocol != "test" {
		t.Errorf("Protocol: got %q, want %q", snap.Protocol, "test")
	}
	if len(snap.Tracks) != 0 {
		t.Errorf("Tracks: got %d, want 0", len(snap.Tracks))
	}
	if snap.FramesAppended != 0 {
		t.Errorf("FramesAppended: got %d, want 0", snap.FramesAppended)
	}
}

func TestRunWithEOFReader(t *testing.T) {
	t.Parallel()

	p := New("test-stream", strings.NewReader(""), nil)

	if err := p.Run(context.Background()); err != nil {
		t.Errorf("Run with EOF reader: %v", err)
	}
}

func TestRun_BuffersParsedStream(t *testing.T) {
	t.Parallel()

	p := New("buffer-test", buildTestStream(), nil)
	p.SetProtocol("file")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two video frames at 100ms spacing starting at 1s, two AAC frames
	// of 1024 samples at 48 kHz starting at 1s.
	buffered := p.Buffered()
	video := buffered[demux.VideoTrackID]
	if len(video) != 1 {
		t.Fatalf("video ranges = %d, want 1", len(video))
	}
	if video[0].Start != time.Second || video[0].End != 1200*time.Millisecond {
		t.Errorf("video range = [%v, %v], want [1s, 1.2s]", video[0].Start, video[0].End)
	}

	audio := buffered[demux.AudioTrackBase]
	if len(audio) != 1 {
		t.Fatalf("audio ranges = %d, want 1", len(audio))
	}
	sampleDur := 1024 * time.Second / 48000
	if audio[0].Start != time.Second || audio[0].End != time.Second+2*sampleDur {
		t.Errorf("audio range = [%v, %v], want [1s, %v]", audio[0].Start, audio[0].End, time.Second+2*sampleDur)
	}

	if got := p.Duration(); got != 1200*time.Millisecond {
		t.Errorf("Duration = %v, want 1.2s", got)
	}

	snap := p.StreamSnapshot()
	if snap.FramesAppended != 4 {
		t.Errorf("FramesAppended = %d, want 4", snap.FramesAppended)
	}
	if len(snap.Tracks) != 2 {
		t.Fatalf("snapshot tracks = %d, want 2", len(snap.Tracks))
	}
	if snap.Tracks[0].ID != demux.VideoTrackID || snap.Tracks[0].Codec != "h264" {
		t.Errorf("track 0 = %+v, want video track 1 (h264)", snap.Tracks[0])
	}
	if snap.Tracks[1].ID != demux.AudioTrackBase || snap.Tracks[1].Codec != "aac" {
		t.Errorf("track 1 = %+v, want audio track 2 (aac)", snap.Tracks[1])
	}
	for _, tr := range snap.Tracks {
		if tr.SizeBytes == 0 {
			t.Errorf("track %d SizeBytes = 0, want > 0", int(tr.ID))
		}
	}
	if snap.Protocol != "file" {
		t.Errorf("Protocol = %q, want %q", snap.Protocol, "file")
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	t.Parallel()

	// A reader that never delivers data keeps the parser blocked until
	// the context is cancelled.
	pr, pw := newBlockedPipe()
	defer pw.close()

	p := New("cancel-test", pr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

type blockedPipe struct {
	ch chan struct{}
}

func newBlockedPipe() (*blockedPipe, *blockedPipe) {
	p := &blockedPipe{ch: make(chan struct{})}
	return p, p
}

func (p *blockedPipe) Read(b []byte) (int, error) {
	<-p.ch
	return 0, io.EOF
}

func (p *blockedPipe) close() {
	select {
	case <-p.ch:
	default:
		close(p.ch)
	}
}
