package demux

import "testing"

func TestHEVCNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		firstByte byte
		want      byte
	}{
		{"VPS (32)", 0x40, HEVCNALVPS},
		{"SPS (33)", 0x42, HEVCNALSPS},
		{"PPS (34)", 0x44, HEVCNALPPS},
		{"IDR_W_RADL (19)", 0x26, HEVCNALIDRWRadl},
		{"IDR_N_LP (20)", 0x28, HEVCNALIDRNlp},
		{"CRA (21)", 0x2A, HEVCNALCraNut},
		{"BLA_W_LP (16)", 0x20, HEVCNALBlaWLP},
		{"TRAIL_R (1)", 0x02, 1},
		{"SEI_PREFIX (39)", 0x4E, HEVCNALSEIPrefix},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HEVCNALType(tt.firstByte); got != tt.want {
				t.Errorf("HEVCNALType(0x%02X) = %d, want %d", tt.firstByte, got, tt.want)
			}
		})
	}
}

func TestIsHEVCKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		nalType byte
		want    bool
	}{
		{HEVCNALBlaWLP, true},
		{HEVCNALIDRWRadl, true},
		{HEVCNALIDRNlp, true},
		{HEVCNALCraNut, true},
		{17, true},
		{18, true},
		{0, false},
		{1, false},
		{HEVCNALVPS, false},
		{HEVCNALSPS, false},
		{HEVCNALSEIPrefix, false},
	}

	for _, tt := range tests {
		if got := IsHEVCKeyframe(tt.nalType); got != tt.want {
			t.Errorf("IsHEVCKeyframe(%d) = %v, want %v", tt.nalType, got, tt.want)
		}
	}
}

func TestParseAnnexBHEVC(t *testing.T) {
	t.Parallel()
	data := []byte{
		// 4-byte start code + VPS (type 32: 0x40 0x01)
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0xAA, 0xBB,
		// 4-byte start code + SPS (type 33: 0x42 0x01)
		0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0xCC, 0xDD,
		// 3-byte start code + PPS (type 34: 0x44 0x01)
		0x00, 0x00, 0x01, 0x44, 0x01, 0xEE,
		// 4-byte start code + IDR_W_RADL (type 19: 0x26 0x01)
		0x00, 0x00, 0x00, 0x01, 0x26, 0x01, 0xFF, 0x00, 0x11,
	}

	nalus := ParseAnnexBHEVC(data)

	if len(nalus) != 4 {
		t.Fatalf("expected 4 NAL units, got %d", len(nalus))
	}

	wantTypes := []byte{HEVCNALVPS, HEVCNALSPS, HEVCNALPPS, HEVCNALIDRWRadl}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}

	if IsHEVCKeyframe(nalus[0].Type) {
		t.Error("VPS should not be keyframe")
	}
	if !IsHEVCKeyframe(nalus[3].Type) {
		t.Error("IDR_W_RADL should be keyframe")
	}
}

func TestParseHEVCSPS(t *testing.T) {
	t.Parallel()
	// Hand-constructed HEVC SPS: Main profile, 320x240, Level 3.1.
	sps := []byte{
		0x42, 0x01, // NAL header (type=33, layer=0, tid=1)
		0x01,                   // vps_id=0(4b), max_sub_layers_minus1=0(3b), temporal_nesting=1(1b)
		0x01,                   // profile_space=0(2b), tier=0(1b), profile_idc=1(5b)
		0x40, 0x00, 0x00, 0x00, // profile_compatibility_flags
		0xB0, 0x00, 0x00, 0x00, 0x00, 0x00, // constraint_indicator_flags
		0x5D,                         // level_idc = 93
		0xA0, 0x0A, 0x08, 0x0F, 0x10, // sps_id=0, chroma=1, width=320, height=240, conf_win=0
	}

	info, err := ParseHEVCSPS(sps)
	if err != nil {
		t.Fatalf("ParseHEVCSPS error: %v", err)
	}

	if info.Width != 320 {
		t.Errorf("Width: got %d, want 320", info.Width)
	}
	if info.Height != 240 {
		t.Errorf("Height: got %d, want 240", info.Height)
	}
	if info.ProfileIDC != 1 {
		t.Errorf("ProfileIDC: got %d, want 1", info.ProfileIDC)
	}
	if info.TierFlag != 0 {
		t.Errorf("TierFlag: got %d, want 0", info.TierFlag)
	}
	if info.LevelIDC != 93 {
		t.Errorf("LevelIDC: got %d, want 93", info.LevelIDC)
	}
	if got, want := info.CodecString(), "hev1.1.2.L93.B0"; got != want {
		t.Errorf("CodecString: got %q, want %q", got, want)
	}
}
