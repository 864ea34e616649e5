package demux

import "github.com/zsiec/ccx"

// captionCue is a decoded caption update for one caption channel.
// Channels 1-4 are CEA-608, channels 7+ map CEA-708 services.
type captionCue struct {
	Channel int
	Text    string
}

// captionDecoder extracts CEA-608/708 caption data from H.264/HEVC SEI
// payloads and decodes it into display text.
type captionDecoder struct {
	cea608   map[int]*ccx.CEA608Decoder
	cea708   map[int]*ccx.CEA708Service
	dtvccBuf []byte

	// 608 control codes are doubled for robustness; the duplicate is
	// dropped when it repeats within two video frames on the same field.
	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64
}

func newCaptionDecoder() *captionDecoder {
	return &captionDecoder{
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		cea708: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
	}
}

// decodeSEI feeds one SEI NAL payload through the caption decoders and
// returns any cues that became displayable. frameIndex is a running video
// frame counter used for 608 control-code dedup.
func (c *captionDecoder) decodeSEI(seiData []byte, frameIndex int64) []captionCue {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return nil
	}

	var cues []captionCue

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			frameGap := frameIndex - c.lastCtrlFrame[f]
			if c.lastWasCtrl[f] && c.lastCtrl[f] == cp && frameGap <= 2 {
				c.lastWasCtrl[f] = false
				continue
			}
			c.lastCtrl[f] = cp
			c.lastWasCtrl[f] = true
			c.lastCtrlFrame[f] = frameIndex
		} else {
			c.lastWasCtrl[f] = false
		}

		dec := c.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			cues = append(cues, captionCue{Channel: pair.Channel, Text: text})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			cues = append(cues, c.drainDTVCC()...)
			c.dtvccBuf = c.dtvccBuf[:0]
		}
		c.dtvccBuf = append(c.dtvccBuf, t.Data[0], t.Data[1])
	}

	return cues
}

func (c *captionDecoder) drainDTVCC() []captionCue {
	if len(c.dtvccBuf) < 1 {
		return nil
	}

	packetSize := ccx.DTVCCPacketSize(c.dtvccBuf[0])
	if len(c.dtvccBuf) < packetSize {
		return nil
	}

	var cues []captionCue
	for _, block := range ccx.ParseDTVCCPacket(c.dtvccBuf[:packetSize]) {
		svc := c.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			if text := svc.DisplayText(); text != "" {
				// 708 services sit above the four 608 channels.
				cues = append(cues, captionCue{Channel: block.ServiceNum + 6, Text: text})
			}
		}
	}
	c.dtvccBuf = c.dtvccBuf[packetSize:]
	return cues
}
