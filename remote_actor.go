package mediaplugin

import "fmt"

// VideoEncoderActor is the host-side handle to an encoder actor in the
// plugin process. Every method must be called on the service worker.
type VideoEncoderActor interface {
	ID() ActorID
	// Host allocates frames for Encode.
	Host() *FrameHost
	InitEncode(codec CodecDescriptor, callback EncoderCallback, numCores int, maxPayloadSize uint32) error
	// Encode takes ownership of frame. Encoder output reaches the callback
	// before Encode returns when the plugin produces it synchronously.
	Encode(frame *I420Frame, info CodecSpecificInfo, frameTypes []PluginFrameType) error
	SetChannelParameters(packetLoss uint32, rtt int64) error
	SetRates(bitrate, frameRate uint32) error
	// Destroy releases the remote codec object. The handle is unusable
	// afterwards.
	Destroy() error
}

// VideoDecoderActor is the host-side handle to a decoder actor in the plugin
// process. Every method must be called on the service worker.
type VideoDecoderActor interface {
	ID() ActorID
	Host() *FrameHost
	InitDecode(codec CodecDescriptor, callback DecoderCallback, numCores int) error
	// Decode takes ownership of frame.
	Decode(frame *EncodedVideoFrame, missingFrames bool, info CodecSpecificInfo, renderTimeMs int64) error
	Reset() error
	Drain() error
	Destroy() error
}

type remoteBase struct {
	svc       *PluginService
	id        ActorID
	host      *FrameHost
	destroyed bool
}

func (r *remoteBase) ID() ActorID      { return r.id }
func (r *remoteBase) Host() *FrameHost { return r.host }

func (r *remoteBase) request(m *Message) error {
	if r.destroyed {
		return fmt.Errorf("%w: actor %d destroyed", ErrUninitialized, r.id)
	}
	m.Actor = r.id
	_, err := r.svc.call(m)
	return err
}

func (r *remoteBase) destroy() error {
	if r.destroyed {
		return nil
	}
	r.destroyed = true
	delete(r.svc.proxies, r.id)
	if r.svc.dead != nil {
		return nil
	}
	_, err := r.svc.call(&Message{Type: MsgDestroyActor, Actor: r.id})
	return err
}

// detach forgets the remote object without messaging the plugin host.
func (r *remoteBase) detach() { r.destroyed = true }

type remoteEncoder struct {
	remoteBase
	callback EncoderCallback
}

func (e *remoteEncoder) InitEncode(codec CodecDescriptor, callback EncoderCallback, numCores int, maxPayloadSize uint32) error {
	e.callback = callback
	return e.request(&Message{
		Type:           MsgInitEncode,
		Codec:          &codec,
		NumCores:       int32(numCores),
		MaxPayloadSize: maxPayloadSize,
	})
}

func (e *remoteEncoder) Encode(frame *I420Frame, info CodecSpecificInfo, frameTypes []PluginFrameType) error {
	// The frame is serialized before it is released.
	m := &Message{Type: MsgEncode, Image: wireFromI420(frame), FrameTypes: frameTypes}
	defer frame.Destroy()
	return e.request(m)
}

func (e *remoteEncoder) SetChannelParameters(packetLoss uint32, rtt int64) error {
	return e.request(&Message{Type: MsgSetChannelParameters, PacketLoss: packetLoss, RTT: rtt})
}

func (e *remoteEncoder) SetRates(bitrate, frameRate uint32) error {
	return e.request(&Message{Type: MsgSetRates, Bitrate: bitrate, FrameRate: frameRate})
}

func (e *remoteEncoder) Destroy() error {
	e.callback = nil
	return e.destroy()
}

func (e *remoteEncoder) deliver(m *Message) {
	if m.Type != MsgEncoded || m.Encoded == nil {
		e.svc.log.Warnf("encoder actor %d: unexpected %v", e.id, m.Type)
		return
	}
	if e.callback == nil {
		return
	}
	frame, err := m.Encoded.toFrame(e.host)
	if err != nil {
		e.svc.log.Warnf("encoder actor %d: %v", e.id, err)
		return
	}
	e.callback.Encoded(frame, CodecSpecificInfo{})
}

type remoteDecoder struct {
	remoteBase
	callback DecoderCallback
}

func (d *remoteDecoder) InitDecode(codec CodecDescriptor, callback DecoderCallback, numCores int) error {
	d.callback = callback
	return d.request(&Message{Type: MsgInitDecode, Codec: &codec, NumCores: int32(numCores)})
}

func (d *remoteDecoder) Decode(frame *EncodedVideoFrame, missingFrames bool, info CodecSpecificInfo, renderTimeMs int64) error {
	m := &Message{
		Type:          MsgDecode,
		Encoded:       wireFromEncoded(frame),
		MissingFrames: missingFrames,
		RenderTimeMs:  renderTimeMs,
	}
	defer frame.Destroy()
	return d.request(m)
}

func (d *remoteDecoder) Reset() error {
	return d.request(&Message{Type: MsgResetDecoder})
}

func (d *remoteDecoder) Drain() error {
	return d.request(&Message{Type: MsgDrainDecoder})
}

func (d *remoteDecoder) Destroy() error {
	d.callback = nil
	return d.destroy()
}

func (d *remoteDecoder) deliver(m *Message) {
	if d.callback == nil {
		return
	}
	switch m.Type {
	case MsgDecoded:
		if m.Image == nil {
			d.svc.log.Warnf("decoder actor %d: decoded without image", d.id)
			return
		}
		frame, err := m.Image.toFrame(d.host)
		if err != nil {
			d.svc.log.Warnf("decoder actor %d: %v", d.id, err)
			return
		}
		d.callback.Decoded(frame)
	case MsgDecoderEvent:
		switch m.Event {
		case DecoderEventReferenceFrame:
			d.callback.ReceivedDecodedReferenceFrame(m.PictureID)
		case DecoderEventFrame:
			d.callback.ReceivedDecodedFrame(m.PictureID)
		case DecoderEventInputExhausted:
			d.callback.InputDataExhausted()
		default:
			d.svc.log.Warnf("decoder actor %d: unknown event %v", d.id, m.Event)
		}
	default:
		d.svc.log.Warnf("decoder actor %d: unexpected %v", d.id, m.Type)
	}
}
