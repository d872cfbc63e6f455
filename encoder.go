package mediaplugin

// EncodedImageCallback receives encoder output, one Annex B unit per call.
// image.Data is only valid for the duration of the call.
type EncodedImageCallback interface {
	Encoded(image *EncodedFrame, info *CodecSpecificInfo) error
}

// EncodedImageCallbackFunc adapts a function to EncodedImageCallback.
type EncodedImageCallbackFunc func(image *EncodedFrame, info *CodecSpecificInfo) error

// Encoded implements EncodedImageCallback.
func (f EncodedImageCallbackFunc) Encoded(image *EncodedFrame, info *CodecSpecificInfo) error {
	return f(image, info)
}

// DecodedImageCallback receives decoder output. The frame is owned by the
// callee.
type DecodedImageCallback interface {
	Decoded(frame *VideoFrame) error
}

// DecodedImageCallbackFunc adapts a function to DecodedImageCallback.
type DecodedImageCallbackFunc func(frame *VideoFrame) error

// Decoded implements DecodedImageCallback.
func (f DecodedImageCallbackFunc) Decoded(frame *VideoFrame) error {
	return f(frame)
}

// VideoEncoder is the media engine's external encoder contract.
type VideoEncoder interface {
	// InitEncode prepares the encoder. Bitrates in settings are in kbps.
	InitEncode(settings *VideoCodecSettings, numCores int, maxPayloadSize uint32) error

	// Encode encodes one frame. frameTypes requests specific output types,
	// typically FrameTypeKey to force a keyframe. Output is delivered to the
	// registered callback.
	Encode(frame *VideoFrame, info *CodecSpecificInfo, frameTypes []FrameType) error

	// RegisterEncodeCompleteCallback sets where output goes.
	RegisterEncodeCompleteCallback(callback EncodedImageCallback) error

	// SetRates updates the target bitrate (kbps) and frame rate.
	SetRates(bitrate, frameRate uint32) error

	// SetChannelParameters reports packet loss (0-255) and round-trip time
	// in milliseconds.
	SetChannelParameters(packetLoss uint32, rtt int64) error

	// Release frees the codec. InitEncode may be called again afterwards.
	Release() error
}

// VideoDecoder is the media engine's external decoder contract.
type VideoDecoder interface {
	InitDecode(settings *VideoCodecSettings, numCores int) error

	// Decode decodes one encoded unit. Output is delivered to the
	// registered callback.
	Decode(image *EncodedFrame, missingFrames bool, info *CodecSpecificInfo, renderTimeMs int64) error

	RegisterDecodeCompleteCallback(callback DecodedImageCallback) error

	Reset() error

	Release() error
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Encode calls that succeeded
	KeyframesEncoded uint64 // Encoded callbacks carrying a key frame
	UnitsEmitted     uint64 // Annex B units delivered to the engine
	BytesEncoded     uint64 // Total bytes of encoded data
	FramingErrors    uint64 // Encoded buffers with a broken start code
}

// DecoderStats provides decoding metrics.
type DecoderStats struct {
	FramesDecoded uint64 // Decode calls that succeeded
	FramesOutput  uint64 // Decoded frames delivered to the engine
	BytesDecoded  uint64 // Total bytes of compressed input
}
