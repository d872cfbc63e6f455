package mediaplugin

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// FU header flags (RFC 6184 section 5.8).
const (
	fuStart = 0x80
	fuEnd   = 0x40
)

// H264Packetizer packetizes H.264 per RFC 6184. A NAL unit that fits the
// MTU travels alone; a larger one is split into FU-A fragments.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	seq         rtp.Sequencer
}

// NewH264Packetizer returns a packetizer starting at a random sequence
// number. An mtu too small for a fragment selects DefaultMTU.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *H264Packetizer {
	if mtu <= rtpHeaderSize+2 {
		mtu = DefaultMTU
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		seq:         rtp.NewRandomSequencer(),
	}
}

func (p *H264Packetizer) SSRC() uint32       { return p.ssrc }
func (p *H264Packetizer) PayloadType() uint8 { return p.payloadType }
func (p *H264Packetizer) MTU() int           { return p.mtu }

// Packetize implements RTPPacketizer.
func (p *H264Packetizer) Packetize(frame *EncodedFrame) ([]*RTPPacket, error) {
	if len(frame.Data) == 0 {
		return nil, nil
	}
	units, err := SplitAnnexB(frame.Data)
	if err == nil && len(units) == 0 {
		err = ErrNoNALUnit
	}
	if err != nil {
		return nil, fmt.Errorf("packetize h264: %w", err)
	}

	var packets []*RTPPacket
	last := len(units) - 1
	for i, nal := range units {
		packets = append(packets, p.PacketizeUnit(nal, frame.Timestamp, i == last)...)
	}
	return packets, nil
}

// PacketizeUnit implements RTPPacketizer.
func (p *H264Packetizer) PacketizeUnit(nal []byte, timestamp uint32, marker bool) []*RTPPacket {
	if len(nal) == 0 {
		return nil
	}
	room := p.mtu - rtpHeaderSize
	if len(nal) <= room {
		return []*RTPPacket{p.newPacket(nal, timestamp, marker)}
	}

	// The unit header is not sent: the FU indicator keeps its F and NRI
	// bits and the FU header keeps its type.
	indicator := nal[0]&0xE0 | nalTypeFUA
	room -= 2
	body := nal[1:]
	packets := make([]*RTPPacket, 0, (len(body)+room-1)/room)
	for len(body) > 0 {
		size := min(room, len(body))
		header := nalType(nal)
		if len(packets) == 0 {
			header |= fuStart
		}
		if size == len(body) {
			header |= fuEnd
		}

		payload := make([]byte, 0, 2+size)
		payload = append(payload, indicator, header)
		payload = append(payload, body[:size]...)
		body = body[size:]
		packets = append(packets, p.newPacket(payload, timestamp, marker && len(body) == 0))
	}
	return packets
}

func (p *H264Packetizer) newPacket(payload []byte, timestamp uint32, marker bool) *RTPPacket {
	return &RTPPacket{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    p.payloadType,
			SequenceNumber: p.seq.NextSequenceNumber(),
			Timestamp:      timestamp,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// H264Depacketizer rebuilds Annex-B access units with pion's H.264 payload
// parser. The marker bit completes a frame. A packet from a newer frame
// abandons the one in progress and a packet from an older frame is dropped.
type H264Depacketizer struct {
	mu     sync.Mutex
	parser codecs.H264Packet
	au     []byte
	ts     uint32
	active bool
}

// NewH264Depacketizer returns an empty depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize implements RTPDepacketizer.
func (d *H264Depacketizer) Depacketize(pkt *RTPPacket) (*EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}
	switch {
	case !d.active, pkt.Timestamp == d.ts:
	case IsRTPTimestampOlder(pkt.Timestamp, d.ts):
		return nil, nil
	default:
		d.discard()
	}
	d.ts, d.active = pkt.Timestamp, true

	nals, err := d.parser.Unmarshal(pkt.Payload)
	if err != nil {
		d.discard()
		return nil, fmt.Errorf("depacketize h264: %w", err)
	}
	d.au = append(d.au, nals...)
	if !pkt.Marker || len(d.au) == 0 {
		return nil, nil
	}

	data := bytes.Clone(d.au)
	d.au = d.au[:0]
	return &EncodedFrame{
		Data:          data,
		FrameType:     annexBFrameType(data),
		Timestamp:     d.ts,
		CompleteFrame: true,
	}, nil
}

// Reset implements RTPDepacketizer.
func (d *H264Depacketizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discard()
	d.ts, d.active = 0, false
}

func (d *H264Depacketizer) discard() {
	d.au = d.au[:0]
	d.parser = codecs.H264Packet{}
}

// annexBFrameType reports FrameTypeKey when the access unit holds an IDR.
func annexBFrameType(au []byte) FrameType {
	units, _ := SplitAnnexB(au)
	if slices.ContainsFunc(units, func(nal []byte) bool { return nalType(nal) == nalTypeIDR }) {
		return FrameTypeKey
	}
	return FrameTypeDelta
}

func init() {
	RegisterPayloadFormat(VideoCodecH264, PayloadFormat{
		NewPacketizer: func(ssrc uint32, pt uint8, mtu int) RTPPacketizer {
			return NewH264Packetizer(ssrc, pt, mtu)
		},
		NewDepacketizer: func() RTPDepacketizer { return NewH264Depacketizer() },
	})
}
