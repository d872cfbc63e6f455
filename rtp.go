package mediaplugin

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// RTPPacket is pion's RTP packet.
type RTPPacket = rtp.Packet

const (
	// DefaultMTU keeps packets under common path MTUs.
	DefaultMTU = 1200

	// rtpHeaderSize is the fixed RTP header without CSRCs or extensions.
	rtpHeaderSize = 12
)

// RTPPacketizer turns the NAL units of one outgoing stream into RTP packets.
type RTPPacketizer interface {
	// Packetize splits an Annex-B access unit and packetizes every unit.
	// The last packet carries the marker bit.
	Packetize(frame *EncodedFrame) ([]*RTPPacket, error)

	// PacketizeUnit packetizes a single NAL unit given without start code.
	// marker is applied to the unit's final packet.
	PacketizeUnit(nal []byte, timestamp uint32, marker bool) []*RTPPacket

	SSRC() uint32
	PayloadType() uint8
	MTU() int
}

// RTPDepacketizer reassembles access units from RTP packets. Depacketize
// returns a nil frame until a packet completes one.
type RTPDepacketizer interface {
	Depacketize(pkt *RTPPacket) (*EncodedFrame, error)

	// Reset drops any partial frame and forgets the last timestamp.
	Reset()
}

// PayloadFormat constructs the packetizer and depacketizer of one codec's
// RTP payload format.
type PayloadFormat struct {
	NewPacketizer   func(ssrc uint32, payloadType uint8, mtu int) RTPPacketizer
	NewDepacketizer func() RTPDepacketizer
}

var payloadFormats struct {
	sync.RWMutex
	byCodec map[VideoCodec]PayloadFormat
}

// RegisterPayloadFormat makes codec available to CreateVideoPacketizer and
// CreateVideoDepacketizer. A later registration replaces an earlier one.
func RegisterPayloadFormat(codec VideoCodec, format PayloadFormat) {
	payloadFormats.Lock()
	defer payloadFormats.Unlock()
	if payloadFormats.byCodec == nil {
		payloadFormats.byCodec = make(map[VideoCodec]PayloadFormat)
	}
	payloadFormats.byCodec[codec] = format
}

func lookupPayloadFormat(codec VideoCodec) (PayloadFormat, error) {
	payloadFormats.RLock()
	defer payloadFormats.RUnlock()
	format, ok := payloadFormats.byCodec[codec]
	if !ok {
		return PayloadFormat{}, fmt.Errorf("no RTP payload format for %v", codec)
	}
	return format, nil
}

// CreateVideoPacketizer returns a packetizer for codec's payload format.
func CreateVideoPacketizer(codec VideoCodec, ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error) {
	format, err := lookupPayloadFormat(codec)
	if err != nil {
		return nil, err
	}
	return format.NewPacketizer(ssrc, pt, mtu), nil
}

// CreateVideoDepacketizer returns a depacketizer for codec's payload format.
func CreateVideoDepacketizer(codec VideoCodec) (RTPDepacketizer, error) {
	format, err := lookupPayloadFormat(codec)
	if err != nil {
		return nil, err
	}
	return format.NewDepacketizer(), nil
}

// IsRTPTimestampOlder reports whether ts1 is at or before ts2. RTP
// timestamps wrap, so the comparison is over the signed distance.
func IsRTPTimestampOlder(ts1, ts2 uint32) bool {
	return int32(ts2-ts1) >= 0
}
