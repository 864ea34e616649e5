// Package mpegts demuxes MPEG transport streams: PAT/PMT discovery,
// per-PID packet accumulation with continuity-counter handling, and PES
// reassembly with PTS/DTS extraction.
package mpegts

import (
	"fmt"
	"time"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

// Packet is a parsed 188-byte transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader holds the header fields the demuxer acts on.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// Timestamp is a 33-bit PTS or DTS on the 90 kHz clock.
type Timestamp struct {
	Base int64
}

// Duration converts the 90 kHz tick count to a duration.
func (t *Timestamp) Duration() time.Duration {
	return time.Duration(t.Base) * time.Second / 90000
}

func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		if offset >= packetSize {
			return p, nil
		}
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < packetSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}
