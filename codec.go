package mediaplugin

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	// All video codecs use 90kHz clock
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// Note: Actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}

// VideoCodecSettings is the media engine's description of a stream, passed to
// InitEncode and InitDecode. Bitrates are in kbps.
type VideoCodecSettings struct {
	Codec        VideoCodec
	PayloadType  uint8
	Width        int
	Height       int
	StartBitrate uint32
	MinBitrate   uint32
	MaxBitrate   uint32
	MaxFramerate uint32
}

// DefaultVideoCodecSettings returns settings for a 30fps stream at 500kbps.
func DefaultVideoCodecSettings(codec VideoCodec, width, height int) VideoCodecSettings {
	return VideoCodecSettings{
		Codec:        codec,
		PayloadType:  codec.DefaultPayloadType(),
		Width:        width,
		Height:       height,
		StartBitrate: 500,
		MinBitrate:   100,
		MaxBitrate:   2000,
		MaxFramerate: 30,
	}
}

// CodecDescriptor is the plugin-native stream description sent across the
// channel with InitEncode/InitDecode.
type CodecDescriptor struct {
	Codec        VideoCodec
	Width        uint32
	Height       uint32
	StartBitrate uint32
	MinBitrate   uint32
	MaxBitrate   uint32
	MaxFramerate uint32
}

// descriptorFromSettings copies the fields a plugin understands.
func descriptorFromSettings(s *VideoCodecSettings) CodecDescriptor {
	return CodecDescriptor{
		Codec:        s.Codec,
		Width:        uint32(s.Width),
		Height:       uint32(s.Height),
		StartBitrate: s.StartBitrate,
		MinBitrate:   s.MinBitrate,
		MaxBitrate:   s.MaxBitrate,
		MaxFramerate: s.MaxFramerate,
	}
}

// CodecSpecificInfo carries per-frame codec hints. The bridge forwards it
// unchanged; no plugin currently interprets it.
type CodecSpecificInfo struct {
	Codec VideoCodec
}
