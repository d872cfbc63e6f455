package mediaplugin

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MsgType identifies an actor channel message.
type MsgType int32

const (
	msgInvalid MsgType = iota

	// host -> plugin process
	MsgConstructEncoder
	MsgConstructDecoder
	MsgDestroyActor
	MsgInitEncode
	MsgEncode
	MsgSetChannelParameters
	MsgSetRates
	MsgInitDecode
	MsgDecode
	MsgResetDecoder
	MsgDrainDecoder
	MsgShutdown

	// plugin process -> host
	MsgReply
	MsgEncoded
	MsgDecoded
	MsgDecoderEvent

	msgTypeEnd
)

var msgTypeNames = [...]string{
	msgInvalid:              "Invalid",
	MsgConstructEncoder:     "ConstructEncoder",
	MsgConstructDecoder:     "ConstructDecoder",
	MsgDestroyActor:         "DestroyActor",
	MsgInitEncode:           "InitEncode",
	MsgEncode:               "Encode",
	MsgSetChannelParameters: "SetChannelParameters",
	MsgSetRates:             "SetRates",
	MsgInitDecode:           "InitDecode",
	MsgDecode:               "Decode",
	MsgResetDecoder:         "ResetDecoder",
	MsgDrainDecoder:         "DrainDecoder",
	MsgShutdown:             "Shutdown",
	MsgReply:                "Reply",
	MsgEncoded:              "Encoded",
	MsgDecoded:              "Decoded",
	MsgDecoderEvent:         "DecoderEvent",
}

func (t MsgType) String() string {
	if t >= 0 && t < msgTypeEnd {
		return msgTypeNames[t]
	}
	return fmt.Sprintf("MsgType(%d)", int32(t))
}

// Known reports whether t is a defined message type.
func (t MsgType) Known() bool { return t > msgInvalid && t < msgTypeEnd }

// FromHost reports whether t is sent by the host process.
func (t MsgType) FromHost() bool { return t >= MsgConstructEncoder && t <= MsgShutdown }

// FromPlugin reports whether t is sent by the plugin process.
func (t MsgType) FromPlugin() bool { return t >= MsgReply && t < msgTypeEnd }

// Message is one actor channel message. Which fields are meaningful depends
// on Type; absent fields decode as zero values.
type Message struct {
	Type  MsgType
	Seq   uint64 // request sequence; echoed by MsgReply
	Actor ActorID

	Status Status
	Text   string // API tag, error text or shutdown detail

	Codec          *CodecDescriptor
	NumCores       int32
	MaxPayloadSize uint32

	Image   *WireI420
	Encoded *WireEncoded

	FrameTypes []PluginFrameType
	Bitrate    uint32
	FrameRate  uint32
	PacketLoss uint32
	RTT        int64

	MissingFrames bool
	RenderTimeMs  int64

	Event     DecoderEvent
	PictureID uint64
	Reason    ShutdownReason
}

// WireI420 is a raw image in transit.
type WireI420 struct {
	Planes       [3][]byte
	Strides      [3]int32
	Width        int32
	Height       int32
	Timestamp    uint32
	RenderTimeMs int64
}

// WireEncoded is an encoded unit in transit. Data holds the logical size.
type WireEncoded struct {
	Data          []byte
	FrameType     PluginFrameType
	Timestamp     uint32
	EncodedWidth  uint32
	EncodedHeight uint32
	Complete      bool
}

// wireFromI420 snapshots f. The plane slices alias f; encode before
// destroying it.
func wireFromI420(f *I420Frame) *WireI420 {
	bufs := f.buffers()
	s := f.strides()
	return &WireI420{
		Planes:       bufs,
		Strides:      [3]int32{int32(s[0]), int32(s[1]), int32(s[2])},
		Width:        int32(f.Width()),
		Height:       int32(f.Height()),
		Timestamp:    f.Timestamp(),
		RenderTimeMs: f.RenderTimeMs(),
	}
}

// toFrame copies w into a frame allocated from host.
func (w *WireI420) toFrame(host *FrameHost) (*I420Frame, error) {
	f := host.CreateI420Frame()
	strides := [3]int{int(w.Strides[0]), int(w.Strides[1]), int(w.Strides[2])}
	if err := f.CreateFrame(w.Planes, strides, int(w.Width), int(w.Height)); err != nil {
		f.Destroy()
		return nil, err
	}
	f.SetTimestamp(w.Timestamp)
	f.SetRenderTimeMs(w.RenderTimeMs)
	return f, nil
}

func wireFromEncoded(f *EncodedVideoFrame) *WireEncoded {
	return &WireEncoded{
		Data:          f.Buffer(),
		FrameType:     f.FrameType(),
		Timestamp:     f.Timestamp(),
		EncodedWidth:  f.EncodedWidth(),
		EncodedHeight: f.EncodedHeight(),
		Complete:      f.CompleteFrame(),
	}
}

func (w *WireEncoded) toFrame(host *FrameHost) (*EncodedVideoFrame, error) {
	f := host.CreateEncodedFrame()
	if err := f.CreateEmptyFrame(len(w.Data)); err != nil {
		f.Destroy()
		return nil, err
	}
	copy(f.Buffer(), w.Data)
	f.SetFrameType(w.FrameType)
	f.SetTimestamp(w.Timestamp)
	f.SetEncodedWidth(w.EncodedWidth)
	f.SetEncodedHeight(w.EncodedHeight)
	f.SetCompleteFrame(w.Complete)
	return f, nil
}

// Field numbers of Message.
const (
	fieldType protowire.Number = iota + 1
	fieldSeq
	fieldActor
	fieldStatus
	fieldText
	fieldCodec
	fieldNumCores
	fieldMaxPayload
	fieldImage
	fieldEncoded
	fieldFrameTypes
	fieldBitrate
	fieldFrameRate
	fieldPacketLoss
	fieldRTT
	fieldMissing
	fieldRenderTime
	fieldEvent
	fieldPictureID
	fieldReason
)

var errWireType = errors.New("unexpected wire type")

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Marshal appends the wire encoding of m to b.
func (m *Message) Marshal(b []byte) []byte {
	b = appendInt(b, fieldType, int64(m.Type))
	b = appendUint(b, fieldSeq, m.Seq)
	b = appendUint(b, fieldActor, uint64(m.Actor))
	b = appendInt(b, fieldStatus, int64(m.Status))
	b = appendString(b, fieldText, m.Text)
	if m.Codec != nil {
		b = protowire.AppendTag(b, fieldCodec, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalCodec(nil, m.Codec))
	}
	b = appendUint(b, fieldNumCores, uint64(m.NumCores))
	b = appendUint(b, fieldMaxPayload, uint64(m.MaxPayloadSize))
	if m.Image != nil {
		b = protowire.AppendTag(b, fieldImage, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalI420(nil, m.Image))
	}
	if m.Encoded != nil {
		b = protowire.AppendTag(b, fieldEncoded, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEncoded(nil, m.Encoded))
	}
	if len(m.FrameTypes) > 0 {
		var packed []byte
		for _, ft := range m.FrameTypes {
			packed = protowire.AppendVarint(packed, uint64(int64(ft)))
		}
		b = appendBytes(b, fieldFrameTypes, packed)
	}
	b = appendUint(b, fieldBitrate, uint64(m.Bitrate))
	b = appendUint(b, fieldFrameRate, uint64(m.FrameRate))
	b = appendUint(b, fieldPacketLoss, uint64(m.PacketLoss))
	b = appendInt(b, fieldRTT, m.RTT)
	b = appendBool(b, fieldMissing, m.MissingFrames)
	b = appendInt(b, fieldRenderTime, m.RenderTimeMs)
	b = appendInt(b, fieldEvent, int64(m.Event))
	b = appendUint(b, fieldPictureID, m.PictureID)
	b = appendInt(b, fieldReason, int64(m.Reason))
	return b
}

func marshalCodec(b []byte, c *CodecDescriptor) []byte {
	b = appendUint(b, 1, uint64(c.Codec))
	b = appendUint(b, 2, uint64(c.Width))
	b = appendUint(b, 3, uint64(c.Height))
	b = appendUint(b, 4, uint64(c.StartBitrate))
	b = appendUint(b, 5, uint64(c.MinBitrate))
	b = appendUint(b, 6, uint64(c.MaxBitrate))
	b = appendUint(b, 7, uint64(c.MaxFramerate))
	return b
}

func marshalI420(b []byte, w *WireI420) []byte {
	for i := 0; i < 3; i++ {
		b = appendBytes(b, protowire.Number(1+i), w.Planes[i])
	}
	for i := 0; i < 3; i++ {
		b = appendUint(b, protowire.Number(4+i), uint64(w.Strides[i]))
	}
	b = appendUint(b, 7, uint64(w.Width))
	b = appendUint(b, 8, uint64(w.Height))
	b = appendUint(b, 9, uint64(w.Timestamp))
	b = appendInt(b, 10, w.RenderTimeMs)
	return b
}

func marshalEncoded(b []byte, w *WireEncoded) []byte {
	b = appendBytes(b, 1, w.Data)
	b = appendInt(b, 2, int64(w.FrameType))
	b = appendUint(b, 3, uint64(w.Timestamp))
	b = appendUint(b, 4, uint64(w.EncodedWidth))
	b = appendUint(b, 5, uint64(w.EncodedHeight))
	b = appendBool(b, 6, w.Complete)
	return b
}

// fieldReader consumes the value of one field. A handler that does not read
// the value leaves n negative and the field is skipped.
type fieldReader struct {
	typ protowire.Type
	b   []byte
	n   int
	err error
}

func (r *fieldReader) uint() uint64 {
	if r.typ != protowire.VarintType {
		r.err = errWireType
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.n = n
	return v
}

func (r *fieldReader) int() int64 { return protowire.DecodeZigZag(r.uint()) }

func (r *fieldReader) bool() bool { return protowire.DecodeBool(r.uint()) }

func (r *fieldReader) bytes() []byte {
	if r.typ != protowire.BytesType {
		r.err = errWireType
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.n = n
	return v
}

func decodeFields(b []byte, field func(num protowire.Number, r *fieldReader)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		r := fieldReader{typ: typ, b: b, n: -1}
		field(num, &r)
		if r.err != nil {
			return fmt.Errorf("field %d: %w", num, r.err)
		}
		if r.n < 0 {
			r.n = protowire.ConsumeFieldValue(num, typ, b)
			if r.n < 0 {
				return protowire.ParseError(r.n)
			}
		}
		b = b[r.n:]
	}
	return nil
}

// Unmarshal decodes b into m. Byte fields alias b.
func (m *Message) Unmarshal(b []byte) error {
	*m = Message{}
	var nestedErr error
	err := decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case fieldType:
			m.Type = MsgType(r.int())
		case fieldSeq:
			m.Seq = r.uint()
		case fieldActor:
			m.Actor = ActorID(r.uint())
		case fieldStatus:
			m.Status = Status(r.int())
		case fieldText:
			m.Text = string(r.bytes())
		case fieldCodec:
			if raw := r.bytes(); r.err == nil {
				m.Codec = &CodecDescriptor{}
				nestedErr = unmarshalCodec(raw, m.Codec)
			}
		case fieldNumCores:
			m.NumCores = int32(r.uint())
		case fieldMaxPayload:
			m.MaxPayloadSize = uint32(r.uint())
		case fieldImage:
			if raw := r.bytes(); r.err == nil {
				m.Image = &WireI420{}
				nestedErr = unmarshalI420(raw, m.Image)
			}
		case fieldEncoded:
			if raw := r.bytes(); r.err == nil {
				m.Encoded = &WireEncoded{}
				nestedErr = unmarshalEncoded(raw, m.Encoded)
			}
		case fieldFrameTypes:
			if r.typ == protowire.VarintType {
				m.FrameTypes = append(m.FrameTypes, PluginFrameType(int64(r.uint())))
				return
			}
			packed := r.bytes()
			for len(packed) > 0 && r.err == nil {
				v, n := protowire.ConsumeVarint(packed)
				if n < 0 {
					r.err = protowire.ParseError(n)
					return
				}
				m.FrameTypes = append(m.FrameTypes, PluginFrameType(int64(v)))
				packed = packed[n:]
			}
		case fieldBitrate:
			m.Bitrate = uint32(r.uint())
		case fieldFrameRate:
			m.FrameRate = uint32(r.uint())
		case fieldPacketLoss:
			m.PacketLoss = uint32(r.uint())
		case fieldRTT:
			m.RTT = r.int()
		case fieldMissing:
			m.MissingFrames = r.bool()
		case fieldRenderTime:
			m.RenderTimeMs = r.int()
		case fieldEvent:
			m.Event = DecoderEvent(r.int())
		case fieldPictureID:
			m.PictureID = r.uint()
		case fieldReason:
			m.Reason = ShutdownReason(r.int())
		}
		if nestedErr != nil && r.err == nil {
			r.err = nestedErr
		}
	})
	return err
}

func unmarshalCodec(b []byte, c *CodecDescriptor) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			c.Codec = VideoCodec(r.uint())
		case 2:
			c.Width = uint32(r.uint())
		case 3:
			c.Height = uint32(r.uint())
		case 4:
			c.StartBitrate = uint32(r.uint())
		case 5:
			c.MinBitrate = uint32(r.uint())
		case 6:
			c.MaxBitrate = uint32(r.uint())
		case 7:
			c.MaxFramerate = uint32(r.uint())
		}
	})
}

func unmarshalI420(b []byte, w *WireI420) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch {
		case num >= 1 && num <= 3:
			w.Planes[num-1] = r.bytes()
		case num >= 4 && num <= 6:
			w.Strides[num-4] = int32(r.uint())
		case num == 7:
			w.Width = int32(r.uint())
		case num == 8:
			w.Height = int32(r.uint())
		case num == 9:
			w.Timestamp = uint32(r.uint())
		case num == 10:
			w.RenderTimeMs = r.int()
		}
	})
}

func unmarshalEncoded(b []byte, w *WireEncoded) error {
	return decodeFields(b, func(num protowire.Number, r *fieldReader) {
		switch num {
		case 1:
			w.Data = r.bytes()
		case 2:
			w.FrameType = PluginFrameType(r.int())
		case 3:
			w.Timestamp = uint32(r.uint())
		case 4:
			w.EncodedWidth = uint32(r.uint())
		case 5:
			w.EncodedHeight = uint32(r.uint())
		case 6:
			w.Complete = r.bool()
		}
	})
}
