package mediaplugin

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// TrackState represents the state of a track.
type TrackState int

const (
	TrackStateLive  TrackState = iota // Track is bound or bindable
	TrackStateEnded                   // Track has been closed
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// ErrTrackEnded is returned when writing to a closed track.
var ErrTrackEnded = errors.New("track ended")

type trackBinding struct {
	id          string
	payloadType uint8
	ssrc        uint32
	writer      webrtc.TrackLocalWriter
}

// TrackTransport is a webrtc.TrackLocal that doubles as a conduit
// Transport: RTP from a sending VideoConduit goes to every PeerConnection
// the track is bound to, restamped with each binding's negotiated payload
// type and SSRC.
type TrackTransport struct {
	id       string
	streamID string
	codec    webrtc.RTPCodecCapability
	state    atomic.Int32

	bindMu   sync.RWMutex
	bindings []trackBinding

	rtcpMu sync.Mutex
	onRTCP func([]rtcp.Packet) error
}

var (
	_ webrtc.TrackLocal = (*TrackTransport)(nil)
	_ Transport         = (*TrackTransport)(nil)
)

// NewTrackTransport creates a track for codec. id and streamID are what the
// remote side sees in SDP.
func NewTrackTransport(codec webrtc.RTPCodecCapability, id, streamID string) *TrackTransport {
	return &TrackTransport{id: id, streamID: streamID, codec: codec}
}

func (t *TrackTransport) ID() string                { return t.id }
func (t *TrackTransport) RID() string               { return "" }
func (t *TrackTransport) StreamID() string          { return t.streamID }
func (t *TrackTransport) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// Codec returns the codec capability.
func (t *TrackTransport) Codec() webrtc.RTPCodecCapability { return t.codec }

// State returns the track state.
func (t *TrackTransport) State() TrackState { return TrackState(t.state.Load()) }

// Bind implements webrtc.TrackLocal.
func (t *TrackTransport) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	for _, p := range ctx.CodecParameters() {
		if !strings.EqualFold(p.MimeType, t.codec.MimeType) {
			continue
		}
		t.bindMu.Lock()
		t.bindings = append(t.bindings, trackBinding{
			id:          ctx.ID(),
			payloadType: uint8(p.PayloadType),
			ssrc:        uint32(ctx.SSRC()),
			writer:      ctx.WriteStream(),
		})
		t.bindMu.Unlock()
		return p, nil
	}
	return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
}

// Unbind implements webrtc.TrackLocal.
func (t *TrackTransport) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("track %s: unbind of unknown context %s", t.id, ctx.ID())
}

// Bindings returns the number of PeerConnections the track is bound to.
func (t *TrackTransport) Bindings() int {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	return len(t.bindings)
}

// OnRTCP sets where outgoing RTCP goes, typically
// PeerConnection.WriteRTCP. Without it RTCP is dropped.
func (t *TrackTransport) OnRTCP(fn func([]rtcp.Packet) error) {
	t.rtcpMu.Lock()
	t.onRTCP = fn
	t.rtcpMu.Unlock()
}

// SendRTPPacket implements Transport.
func (t *TrackTransport) SendRTPPacket(data []byte) error {
	if t.State() == TrackStateEnded {
		return ErrTrackEnded
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return err
	}

	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	for _, b := range t.bindings {
		hdr := pkt.Header
		hdr.PayloadType = b.payloadType
		hdr.SSRC = b.ssrc
		if _, err := b.writer.WriteRTP(&hdr, pkt.Payload); err != nil {
			return err
		}
	}
	return nil
}

// SendRTCPPacket implements Transport.
func (t *TrackTransport) SendRTCPPacket(data []byte) error {
	t.rtcpMu.Lock()
	fn := t.onRTCP
	t.rtcpMu.Unlock()
	if fn == nil {
		return nil
	}
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return err
	}
	return fn(pkts)
}

// Close ends the track. Later writes fail with ErrTrackEnded.
func (t *TrackTransport) Close() error {
	t.state.Store(int32(TrackStateEnded))
	return nil
}

// ForwardSenderRTCP reads RTCP arriving on sender and hands it to conduit
// until the sender is stopped. It blocks; run it on its own goroutine.
func ForwardSenderRTCP(sender *webrtc.RTPSender, conduit *VideoConduit) error {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return err
		}
		if err := conduit.ReceivedRTCPPacket(buf[:n]); err != nil {
			conduit.log.Debugf("sender rtcp: %v", err)
		}
	}
}
