package demux

import (
	"testing"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		// 4-byte start code + SPS (NAL type 7)
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		// 4-byte start code + PPS (NAL type 8)
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		// 4-byte start code + IDR (NAL type 5)
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	nalus := ParseAnnexB(data)

	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS || !IsSPS(nalus[0].Type) {
		t.Errorf("expected SPS (7), got %d", nalus[0].Type)
	}
	if nalus[1].Type != NALTypePPS || !IsPPS(nalus[1].Type) {
		t.Errorf("expected PPS (8), got %d", nalus[1].Type)
	}
	if nalus[2].Type != NALTypeIDR || !IsKeyframe(nalus[2].Type) {
		t.Errorf("expected IDR (5), got %d", nalus[2].Type)
	}
}

func TestParseAnnexB_Mixed3And4ByteStartCodes(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 4 {
		t.Fatalf("expected 4 NAL units, got %d", len(nalus))
	}

	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}
	if len(nalus[2].Data) != 3 {
		t.Errorf("SEI data length: got %d, want 3", len(nalus[2].Data))
	}
}

func TestParseAnnexB_TrailingZeroAbsorbedByStartCode(t *testing.T) {
	t.Parallel()
	// Zeros preceding a start code belong to the start code prefix, not
	// to the NALU data.
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x06, 0xAA, 0xBB, 0x00,
		0x00, 0x00, 0x01, 0x41, 0x9A,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("expected 2 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != NALTypeSEI {
		t.Errorf("expected SEI (6), got %d", nalus[0].Type)
	}
	if len(nalus[0].Data) != 3 {
		t.Errorf("SEI data length: got %d, want 3", len(nalus[0].Data))
	}
	if nalus[1].Type != NALTypeSlice {
		t.Errorf("expected Slice (1), got %d", nalus[1].Type)
	}
}

func TestParseAnnexB_Empty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("expected nil for empty input, got %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("expected nil for too-short input, got %d units", len(nalus))
	}
}

func TestParseSPS_720p(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 {
		t.Errorf("width: got %d, want 1280", info.Width)
	}
	if info.Height != 720 {
		t.Errorf("height: got %d, want 720", info.Height)
	}
	if got, want := info.CodecString(), "avc1.64001F"; got != want {
		t.Errorf("CodecString: got %q, want %q", got, want)
	}
}

func TestParseSPS_TooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Error("expected error for truncated SPS")
	}
}

func TestRemoveEmulationPrevention(t *testing.T) {
	t.Parallel()
	in := []byte{0x00, 0x00, 0x03, 0x01, 0xAA, 0x00, 0x00, 0x03, 0x00}
	out := removeEmulationPrevention(in)
	want := []byte{0x00, 0x00, 0x01, 0xAA, 0x00, 0x00, 0x00}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("out[%d] = 0x%02X, want 0x%02X", i, out[i], want[i])
		}
	}
}
