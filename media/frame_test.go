package media

import (
	"testing"
	"time"
)

func TestFrame_EndTime(t *testing.T) {
	t.Parallel()
	f := &Frame{PTS: 100 * time.Millisecond, Duration: 33 * time.Millisecond}
	if got, want := f.EndTime(), 133*time.Millisecond; got != want {
		t.Errorf("EndTime = %v, want %v", got, want)
	}
}

func TestAudioConfig_SampleDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  AudioConfig
		want time.Duration
	}{
		{"48kHz", AudioConfig{Codec: "aac", SampleRate: 48000, Channels: 2}, time.Second / 48000},
		{"44.1kHz", AudioConfig{Codec: "aac", SampleRate: 44100, Channels: 2}, time.Second / 44100},
		{"invalid", AudioConfig{}, NoTimestamp},
	}
	for _, tt := range tests {
		if got := tt.cfg.SampleDuration(); got != tt.want {
			t.Errorf("%s: SampleDuration = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAudioConfig_Matches(t *testing.T) {
	t.Parallel()
	a := AudioConfig{Codec: "aac", SampleRate: 48000, Channels: 2}
	b := a
	if !a.Matches(b) {
		t.Errorf("identical configs do not match")
	}
	b.SampleRate = 44100
	if a.Matches(b) {
		t.Errorf("configs with different sample rates match")
	}
}

func TestStreamType_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  StreamType
		want string
	}{
		{Audio, "audio"},
		{Video, "video"},
		{Text, "text"},
		{StreamType(9), "StreamType(9)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", int(tt.typ), got, tt.want)
		}
	}
}
