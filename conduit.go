package mediaplugin

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// Transport carries a conduit's outgoing packets. It is called on the codec
// worker from inside encode callbacks, so it must not call back into a codec
// synchronously.
type Transport interface {
	SendRTPPacket(data []byte) error
	SendRTCPPacket(data []byte) error
}

// VideoRenderer receives decoded frames from a receiving conduit.
type VideoRenderer interface {
	FrameSizeChange(width, height int)
	RenderVideoFrame(frame *VideoFrame)
}

// VideoCodecConfig is a negotiated payload: payload type plus the pion codec
// capability it was negotiated with.
type VideoCodecConfig struct {
	PayloadType  uint8
	Capability   webrtc.RTPCodecCapability
	MaxFrameSize uint32 // in macroblocks, 0 for unlimited
	MaxFrameRate uint32
}

// NewVideoCodecConfig returns a configuration for codec with its usual
// capability parameters.
func NewVideoCodecConfig(codec VideoCodec, payloadType uint8) *VideoCodecConfig {
	c := &VideoCodecConfig{
		PayloadType: payloadType,
		Capability:  webrtc.RTPCodecCapability{MimeType: codec.MimeType(), ClockRate: codec.ClockRate()},
	}
	if codec == VideoCodecH264 {
		c.Capability.SDPFmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	}
	return c
}

// Codec returns the codec named by the capability's MIME type.
func (c *VideoCodecConfig) Codec() VideoCodec {
	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1} {
		if strings.EqualFold(c.Capability.MimeType, codec.MimeType()) {
			return codec
		}
	}
	return VideoCodecUnknown
}

// ConduitStats provides conduit counters.
type ConduitStats struct {
	FramesSent       uint64
	PacketsSent      uint64
	BytesSent        uint64
	PacketsReceived  uint64
	FramesReceived   uint64
	FramesRendered   uint64
	KeyframeRequests uint64
	PacketsDiscarded uint64
}

// VideoConduit connects an external codec pair to RTP: outgoing frames are
// encoded, packetized per NAL unit and handed to the Transport; incoming
// packets are reassembled, decoded and handed to the VideoRenderer.
type VideoConduit struct {
	log  logging.LeveledLogger
	ssrc uint32

	mu           sync.Mutex
	transport    Transport
	renderer     VideoRenderer
	encoder      VideoEncoder
	decoder      VideoDecoder
	sendCodec    *VideoCodecConfig
	recvCodecs   map[uint8]*VideoCodecConfig
	packetizer   RTPPacketizer
	depacketizer RTPDepacketizer
	recvCodec    VideoCodec
	settings     VideoCodecSettings
	sendReady    bool
	recvReady    bool
	keyframe     bool
	width        int
	height       int

	stats   ConduitStats
	statsMu sync.Mutex
}

var (
	_ EncodedImageCallback = (*VideoConduit)(nil)
	_ DecodedImageCallback = (*VideoConduit)(nil)
)

// NewVideoConduit creates a conduit sending with ssrc. Zero picks a random
// SSRC.
func NewVideoConduit(ssrc uint32) *VideoConduit {
	if ssrc == 0 {
		ssrc = rand.Uint32()
	}
	return &VideoConduit{
		log:        mlog.NewLogger("conduit"),
		ssrc:       ssrc,
		recvCodecs: make(map[uint8]*VideoCodecConfig),
		keyframe:   true,
	}
}

// SSRC returns the sending SSRC.
func (c *VideoConduit) SSRC() uint32 { return c.ssrc }

// AttachTransport sets where outgoing packets go.
func (c *VideoConduit) AttachTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// AttachRenderer sets where decoded frames go.
func (c *VideoConduit) AttachRenderer(r VideoRenderer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renderer = r
}

// SetExternalSendCodec installs the encoder used for config's payload type.
func (c *VideoConduit) SetExternalSendCodec(config *VideoCodecConfig, encoder VideoEncoder) error {
	if config == nil || encoder == nil {
		return fmt.Errorf("%w: missing send codec", ErrCodec)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCodec = config
	c.encoder = encoder
	c.sendReady = false
	return nil
}

// SetExternalRecvCodec installs the decoder used for config's payload type.
func (c *VideoConduit) SetExternalRecvCodec(config *VideoCodecConfig, decoder VideoDecoder) error {
	if config == nil || decoder == nil {
		return fmt.Errorf("%w: missing receive codec", ErrCodec)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvCodecs[config.PayloadType] = config
	c.decoder = decoder
	c.recvReady = false
	return nil
}

// ConfigureSendMediaCodec initializes the external encoder for config.
// settings supplies the picture size and bitrates; its codec and payload
// type are taken from config.
func (c *VideoConduit) ConfigureSendMediaCodec(config *VideoCodecConfig, settings VideoCodecSettings) error {
	c.mu.Lock()
	encoder := c.encoder
	if encoder == nil || c.sendCodec == nil || c.sendCodec.PayloadType != config.PayloadType {
		c.mu.Unlock()
		return fmt.Errorf("%w: no external encoder for payload type %d", ErrCodec, config.PayloadType)
	}
	c.mu.Unlock()

	settings.Codec = config.Codec()
	settings.PayloadType = config.PayloadType
	if config.MaxFrameRate > 0 {
		settings.MaxFramerate = config.MaxFrameRate
	}
	packetizer, err := CreateVideoPacketizer(settings.Codec, c.ssrc, config.PayloadType, DefaultMTU)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}

	// Codec calls happen without c.mu held: Encoded re-enters the conduit.
	if err := encoder.RegisterEncodeCompleteCallback(c); err != nil {
		return err
	}
	if err := encoder.InitEncode(&settings, 1, uint32(DefaultMTU-rtpHeaderSize)); err != nil {
		return err
	}

	c.mu.Lock()
	c.packetizer = packetizer
	c.settings = settings
	c.sendReady = true
	c.keyframe = true
	c.mu.Unlock()
	c.log.Infof("send codec %s pt=%d %dx%d", config.Capability.MimeType, config.PayloadType, settings.Width, settings.Height)
	return nil
}

// ConfigureRecvMediaCodecs initializes the external decoder for the first
// config that has one installed.
func (c *VideoConduit) ConfigureRecvMediaCodecs(configs []*VideoCodecConfig) error {
	c.mu.Lock()
	decoder := c.decoder
	var chosen *VideoCodecConfig
	for _, config := range configs {
		if _, ok := c.recvCodecs[config.PayloadType]; ok {
			chosen = config
			break
		}
	}
	c.mu.Unlock()
	if decoder == nil || chosen == nil {
		return fmt.Errorf("%w: no external decoder for offered payload types", ErrCodec)
	}

	depacketizer, err := CreateVideoDepacketizer(chosen.Codec())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	if err := decoder.RegisterDecodeCompleteCallback(c); err != nil {
		return err
	}
	settings := VideoCodecSettings{Codec: chosen.Codec(), PayloadType: chosen.PayloadType, MaxFramerate: chosen.MaxFrameRate}
	if err := decoder.InitDecode(&settings, 1); err != nil {
		return err
	}

	c.mu.Lock()
	c.depacketizer = depacketizer
	c.recvCodec = settings.Codec
	c.recvReady = true
	c.mu.Unlock()
	c.log.Infof("receive codec %s pt=%d", chosen.Capability.MimeType, chosen.PayloadType)
	return nil
}

// RequestKeyframe makes the next sent frame a key frame.
func (c *VideoConduit) RequestKeyframe() {
	c.mu.Lock()
	c.keyframe = true
	c.mu.Unlock()
	c.statsMu.Lock()
	c.stats.KeyframeRequests++
	c.statsMu.Unlock()
}

// SendVideoFrame encodes frame. Its packets reach the transport before
// SendVideoFrame returns.
func (c *VideoConduit) SendVideoFrame(frame *VideoFrame) error {
	c.mu.Lock()
	if !c.sendReady {
		c.mu.Unlock()
		return fmt.Errorf("%w: send codec not configured", ErrUninitialized)
	}
	encoder, codec := c.encoder, c.settings.Codec
	frameTypes := []FrameType{FrameTypeDelta}
	if c.keyframe {
		frameTypes[0] = FrameTypeKey
		c.keyframe = false
	}
	c.mu.Unlock()

	info := &CodecSpecificInfo{Codec: codec}
	if err := encoder.Encode(frame, info, frameTypes); err != nil {
		return err
	}
	c.statsMu.Lock()
	c.stats.FramesSent++
	c.statsMu.Unlock()
	return nil
}

// Encoded implements EncodedImageCallback: each unit goes out as one or more
// RTP packets, the marker set on the frame's last unit.
func (c *VideoConduit) Encoded(image *EncodedFrame, _ *CodecSpecificInfo) error {
	c.mu.Lock()
	transport, packetizer := c.transport, c.packetizer
	c.mu.Unlock()
	if transport == nil || packetizer == nil {
		return errors.New("conduit has no transport")
	}

	var errs error
	var sent, bytes uint64
	for _, pkt := range packetizer.PacketizeUnit(image.Data, image.Timestamp, image.EndOfFrame) {
		data, err := pkt.Marshal()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := transport.SendRTPPacket(data); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		sent++
		bytes += uint64(len(data))
	}
	c.statsMu.Lock()
	c.stats.PacketsSent += sent
	c.stats.BytesSent += bytes
	c.statsMu.Unlock()
	return errs
}

// ReceivedRTPPacket feeds one incoming packet. A completed frame is decoded
// before it returns.
func (c *VideoConduit) ReceivedRTPPacket(data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("parse rtp: %w", err)
	}

	c.mu.Lock()
	decoder, depacketizer, codec := c.decoder, c.depacketizer, c.recvCodec
	_, known := c.recvCodecs[pkt.PayloadType]
	ready := c.recvReady
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.PacketsReceived++
	if !ready || !known {
		c.stats.PacketsDiscarded++
	}
	c.statsMu.Unlock()
	if !ready {
		return fmt.Errorf("%w: receive codec not configured", ErrUninitialized)
	}
	if !known {
		c.log.Debugf("discarding packet with payload type %d", pkt.PayloadType)
		return nil
	}

	frame, err := depacketizer.Depacketize(&pkt)
	if err != nil || frame == nil {
		return err
	}
	c.statsMu.Lock()
	c.stats.FramesReceived++
	c.statsMu.Unlock()
	return decoder.Decode(frame, false, &CodecSpecificInfo{Codec: codec}, time.Now().UnixMilli())
}

// ReceivedRTCPPacket handles feedback for the sending side: PLI and FIR
// request a key frame.
func (c *VideoConduit) ReceivedRTCPPacket(data []byte) error {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("parse rtcp: %w", err)
	}
	for _, pkt := range pkts {
		switch pkt.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			c.RequestKeyframe()
		}
	}
	return nil
}

// SendPictureLossIndication asks the remote sender for a key frame through
// the attached transport.
func (c *VideoConduit) SendPictureLossIndication(mediaSSRC uint32) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return errors.New("conduit has no transport")
	}
	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.PictureLossIndication{SenderSSRC: c.ssrc, MediaSSRC: mediaSSRC}})
	if err != nil {
		return err
	}
	return transport.SendRTCPPacket(data)
}

// Decoded implements DecodedImageCallback.
func (c *VideoConduit) Decoded(frame *VideoFrame) error {
	c.mu.Lock()
	renderer := c.renderer
	resized := frame.Width != c.width || frame.Height != c.height
	c.width, c.height = frame.Width, frame.Height
	c.mu.Unlock()
	if renderer == nil {
		return nil
	}
	if resized {
		renderer.FrameSizeChange(frame.Width, frame.Height)
	}
	renderer.RenderVideoFrame(frame)
	c.statsMu.Lock()
	c.stats.FramesRendered++
	c.statsMu.Unlock()
	return nil
}

// Stats returns conduit counters.
func (c *VideoConduit) Stats() ConduitStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close releases both codecs.
func (c *VideoConduit) Close() error {
	c.mu.Lock()
	encoder, decoder := c.encoder, c.decoder
	c.sendReady, c.recvReady = false, false
	c.mu.Unlock()

	var errs error
	if encoder != nil {
		errs = multierr.Append(errs, encoder.Release())
	}
	if decoder != nil {
		errs = multierr.Append(errs, decoder.Release())
	}
	return errs
}
