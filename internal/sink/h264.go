package sink

import (
	"encoding/binary"

	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"
)

const (
	naluTypeMask = 0x1f
	fuaType      = 28
	fuStart      = 0x80
	fuEnd        = 0x40
)

// H264Depacketizer extracts NAL units from RTP H264 payloads.
// Each stream needs its own instance: FU-A reassembly state is per track.
type H264Depacketizer struct {
	pkt     codecs.H264Packet
	lastSeq uint16
	inFU    bool
}

func NewH264Depacketizer() *H264Depacketizer {
	d := &H264Depacketizer{}
	d.reset()
	return d
}

// Depacketize extracts NAL units from one RTP payload with sequence number seq.
// Handles single NAL, STAP-A and FU-A. A fragmented NAL that loses a packet is
// dropped whole.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	if payload[0]&naluTypeMask == fuaType {
		if len(payload) < 2 {
			d.reset()
			return nil
		}
		switch {
		case payload[1]&fuStart != 0:
			// a new start abandons any unfinished NAL
			d.reset()
			d.inFU = true
		case !d.inFU || seq != d.lastSeq+1:
			// orphan or gapped fragment: discard the chain until the next start
			d.reset()
			return nil
		}
		d.lastSeq = seq
		if payload[1]&fuEnd != 0 {
			d.inFU = false
		}
	} else {
		d.reset()
	}

	out, err := d.pkt.Unmarshal(payload)
	if err != nil {
		log.Debug().Err(err).Str("module", "sink").Uint16("seq", seq).Msg("H264 payload dropped")
		d.reset()
		return nil
	}
	return splitAVC(out)
}

func (d *H264Depacketizer) reset() {
	d.pkt = codecs.H264Packet{IsAVC: true}
	d.inFU = false
}

// splitAVC cuts length-prefixed NAL units apart, skipping empty ones.
func splitAVC(buf []byte) [][]byte {
	var nalus [][]byte
	for len(buf) >= 4 {
		size := int(binary.BigEndian.Uint32(buf))
		buf = buf[4:]
		if size > len(buf) {
			break
		}
		if size > 0 {
			nalus = append(nalus, buf[:size])
		}
		buf = buf[size:]
	}
	return nalus
}
