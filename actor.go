package mediaplugin

import "fmt"

// ActorID addresses one codec actor on the channel. Zero is never assigned.
type ActorID uint32

// ActorKind is the role of a codec actor.
type ActorKind int

const (
	ActorKindEncoder ActorKind = iota
	ActorKindDecoder
)

func (k ActorKind) String() string {
	switch k {
	case ActorKindEncoder:
		return "encoder"
	case ActorKindDecoder:
		return "decoder"
	default:
		return fmt.Sprintf("ActorKind(%d)", int(k))
	}
}

// apiTag returns the GetAPI tag that binds an actor of this kind.
func (k ActorKind) apiTag() string {
	if k == ActorKindDecoder {
		return APITagDecodeVideo
	}
	return APITagEncodeVideo
}

// codecActor is the isolated-process end of one codec session. It holds the
// plugin codec object and forwards its callbacks over the channel.
type codecActor struct {
	id    ActorID
	kind  ActorKind
	host  *FrameHost
	codec VideoCodec
	send  func(*Message) error

	encoder PluginVideoEncoder
	decoder PluginVideoDecoder
}

func newCodecActor(id ActorID, kind ActorKind, send func(*Message) error) *codecActor {
	return &codecActor{id: id, kind: kind, host: NewFrameHost(), send: send}
}

func (a *codecActor) bound() bool {
	return a.encoder != nil || a.decoder != nil
}

// attach stores the object returned by GetAPI after checking it matches
// the actor's role.
func (a *codecActor) attach(obj any) error {
	switch a.kind {
	case ActorKindEncoder:
		enc, ok := obj.(PluginVideoEncoder)
		if !ok || enc == nil {
			return fmt.Errorf("%w: plugin returned %T for %s", ErrCodec, obj, a.kind.apiTag())
		}
		a.encoder = enc
	case ActorKindDecoder:
		dec, ok := obj.(PluginVideoDecoder)
		if !ok || dec == nil {
			return fmt.Errorf("%w: plugin returned %T for %s", ErrCodec, obj, a.kind.apiTag())
		}
		a.decoder = dec
	}
	return nil
}

// destroy releases the codec object. The plugin stays loaded.
func (a *codecActor) destroy() {
	if a.encoder != nil {
		a.encoder.EncodingComplete()
		a.encoder = nil
	}
	if a.decoder != nil {
		a.decoder.DecodingComplete()
		a.decoder = nil
	}
}

// handle runs one request. A *ProtocolError is a channel-level violation;
// any other error is the plugin's answer and goes back in the reply.
func (a *codecActor) handle(m *Message) error {
	info := CodecSpecificInfo{Codec: a.codec}

	switch a.kind {
	case ActorKindEncoder:
		switch m.Type {
		case MsgInitEncode:
			if m.Codec == nil {
				return protocolErrorf(MsgPayloadError, "%v without codec", m.Type)
			}
			a.codec = m.Codec.Codec
			return a.encoder.InitEncode(*m.Codec, a, int(m.NumCores), m.MaxPayloadSize)
		case MsgEncode:
			if m.Image == nil {
				return protocolErrorf(MsgPayloadError, "%v without image", m.Type)
			}
			for _, ft := range m.FrameTypes {
				if !ft.Valid() {
					return protocolErrorf(MsgValueError, "frame type %v", ft)
				}
			}
			frame, err := m.Image.toFrame(a.host)
			if err != nil {
				return &ProtocolError{Kind: MsgValueError, Err: err}
			}
			return a.encoder.Encode(frame, info, m.FrameTypes)
		case MsgSetRates:
			return a.encoder.SetRates(m.Bitrate, m.FrameRate)
		case MsgSetChannelParameters:
			return a.encoder.SetChannelParameters(m.PacketLoss, m.RTT)
		}
	case ActorKindDecoder:
		switch m.Type {
		case MsgInitDecode:
			if m.Codec == nil {
				return protocolErrorf(MsgPayloadError, "%v without codec", m.Type)
			}
			a.codec = m.Codec.Codec
			return a.decoder.InitDecode(*m.Codec, a, int(m.NumCores))
		case MsgDecode:
			if m.Encoded == nil {
				return protocolErrorf(MsgPayloadError, "%v without encoded frame", m.Type)
			}
			if !m.Encoded.FrameType.Valid() {
				return protocolErrorf(MsgValueError, "frame type %v", m.Encoded.FrameType)
			}
			frame, err := m.Encoded.toFrame(a.host)
			if err != nil {
				return &ProtocolError{Kind: MsgValueError, Err: err}
			}
			return a.decoder.Decode(frame, m.MissingFrames, info, m.RenderTimeMs)
		case MsgResetDecoder:
			return a.decoder.Reset()
		case MsgDrainDecoder:
			return a.decoder.Drain()
		}
	}
	return protocolErrorf(MsgNotAllowed, "%v sent to %s actor %d", m.Type, a.kind, a.id)
}

// Encoded implements EncoderCallback.
func (a *codecActor) Encoded(frame *EncodedVideoFrame, _ CodecSpecificInfo) {
	defer frame.Destroy()
	a.notify(&Message{Type: MsgEncoded, Actor: a.id, Encoded: wireFromEncoded(frame)})
}

// Decoded implements DecoderCallback.
func (a *codecActor) Decoded(frame *I420Frame) {
	defer frame.Destroy()
	a.notify(&Message{Type: MsgDecoded, Actor: a.id, Image: wireFromI420(frame)})
}

// ReceivedDecodedReferenceFrame implements DecoderCallback.
func (a *codecActor) ReceivedDecodedReferenceFrame(pictureID uint64) {
	a.notify(&Message{Type: MsgDecoderEvent, Actor: a.id, Event: DecoderEventReferenceFrame, PictureID: pictureID})
}

// ReceivedDecodedFrame implements DecoderCallback.
func (a *codecActor) ReceivedDecodedFrame(pictureID uint64) {
	a.notify(&Message{Type: MsgDecoderEvent, Actor: a.id, Event: DecoderEventFrame, PictureID: pictureID})
}

// InputDataExhausted implements DecoderCallback.
func (a *codecActor) InputDataExhausted() {
	a.notify(&Message{Type: MsgDecoderEvent, Actor: a.id, Event: DecoderEventInputExhausted})
}

// notify drops the message if the channel is gone; the read loop sees the
// same failure and shuts the process down.
func (a *codecActor) notify(m *Message) {
	_ = a.send(m)
}
