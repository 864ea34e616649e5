package mpegts

import (
	"context"
	"errors"
	"io"
)

// Unit is one logical output of the demuxer. Exactly one of PAT, PMT,
// or PES is non-nil.
type Unit struct {
	FirstPacket *Packet
	PAT         *PAT
	PMT         *PMT
	PES         *PES
}

// Demuxer reads transport stream packets from a reader and produces
// Units containing parsed PAT, PMT, and PES payloads.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	pool       *packetPool
	programMap *programMap
	unitBuffer []*Unit
	pktSize    int
	eof        bool
	eofUnits   []*Unit
}

// NewDemuxer creates a demuxer reading from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...func(*Demuxer)) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		reader:     r,
		pktSize:    packetSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.readBuf = make([]byte, d.pktSize)
	return d
}

// DemuxerOptPacketSize sets the TS packet size (default 188).
func DemuxerOptPacketSize(size int) func(*Demuxer) {
	return func(d *Demuxer) {
		d.pktSize = size
	}
}

// NextUnit returns the next parsed unit from the stream. Returns io.EOF
// when all data has been consumed.
func (d *Demuxer) NextUnit() (*Unit, error) {
	for {
		// Drain buffered results first.
		if len(d.unitBuffer) > 0 {
			u := d.unitBuffer[0]
			d.unitBuffer = d.unitBuffer[1:]
			return u, nil
		}

		if d.eof {
			if len(d.eofUnits) > 0 {
				u := d.eofUnits[0]
				d.eofUnits = d.eofUnits[1:]
				return u, nil
			}
			return nil, io.EOF
		}

		if d.ctx.Err() != nil {
			return nil, d.ctx.Err()
		}

		_, err := io.ReadFull(d.reader, d.readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drainPool()
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf)
		if err != nil {
			continue // skip corrupt packets
		}

		flushed := d.pool.add(pkt)
		if flushed == nil {
			continue
		}

		results, err := d.processPackets(flushed)
		if err != nil {
			continue // skip corrupt sections
		}
		if len(results) == 0 {
			continue
		}

		d.registerPMTPIDs(results)

		d.unitBuffer = results[1:]
		return results[0], nil
	}
}

func (d *Demuxer) drainPool() {
	for _, packets := range d.pool.dump() {
		results, err := d.processPackets(packets)
		if err != nil {
			continue
		}
		// Register PAT-announced PMT PIDs so later PIDs in the
		// dump are recognized as PSI.
		d.registerPMTPIDs(results)
		d.eofUnits = append(d.eofUnits, results...)
	}
}

func (d *Demuxer) registerPMTPIDs(results []*Unit) {
	for _, r := range results {
		if r.PAT == nil {
			continue
		}
		for _, p := range r.PAT.Programs {
			d.programMap.addPMTPID(p.ProgramMapID)
		}
	}
}

func (d *Demuxer) processPackets(packets []*Packet) ([]*Unit, error) {
	if len(packets) == 0 {
		return nil, nil
	}

	firstPacket := packets[0]
	pid := firstPacket.Header.PID

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	if isPSIPayload(pid, d.programMap) {
		return parsePSI(payload, firstPacket)
	}

	if isPESPayload(payload) {
		pes, err := parsePES(payload)
		if err != nil {
			return nil, err
		}
		return []*Unit{{
			FirstPacket: firstPacket,
			PES:         pes,
		}}, nil
	}

	return nil, nil
}
