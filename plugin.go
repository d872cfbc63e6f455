package mediaplugin

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// API tags accepted by a plugin's GetAPI entry point.
const (
	APITagEncodeVideo = "encode-video"
	APITagDecodeVideo = "decode-video"
)

// PlatformCapabilities is the table handed to a plugin's Init entry point.
type PlatformCapabilities struct {
	// SessionID identifies the host-side service that spawned this process.
	SessionID string

	// RunOnMainThread queues fn onto the controller's dispatch loop. Codec
	// callbacks issued from plugin-owned goroutines must go through it.
	RunOnMainThread func(fn func())

	// Now returns the current wall-clock time.
	Now func() time.Time
}

// Plugin is the Go form of the three plugin entry points.
type Plugin interface {
	Init(platform *PlatformCapabilities) error
	// GetAPI returns a PluginVideoEncoder for APITagEncodeVideo and a
	// PluginVideoDecoder for APITagDecodeVideo. Frames must be created
	// from host.
	GetAPI(tag string, host *FrameHost) (any, error)
	Shutdown()
}

// PluginVideoEncoder is the codec object returned for APITagEncodeVideo.
type PluginVideoEncoder interface {
	InitEncode(codec CodecDescriptor, callback EncoderCallback, numCores int, maxPayloadSize uint32) error
	// Encode takes ownership of frame and must Destroy it.
	Encode(frame *I420Frame, info CodecSpecificInfo, frameTypes []PluginFrameType) error
	SetChannelParameters(packetLoss uint32, rtt int64) error
	SetRates(bitrate, frameRate uint32) error
	EncodingComplete()
}

// EncoderCallback receives encoder output. The callee owns frame.
type EncoderCallback interface {
	Encoded(frame *EncodedVideoFrame, info CodecSpecificInfo)
}

// PluginVideoDecoder is the codec object returned for APITagDecodeVideo.
type PluginVideoDecoder interface {
	InitDecode(codec CodecDescriptor, callback DecoderCallback, numCores int) error
	// Decode takes ownership of frame and must Destroy it.
	Decode(frame *EncodedVideoFrame, missingFrames bool, info CodecSpecificInfo, renderTimeMs int64) error
	Reset() error
	Drain() error
	DecodingComplete()
}

// DecoderCallback receives decoder output. The callee owns frame.
type DecoderCallback interface {
	Decoded(frame *I420Frame)
	ReceivedDecodedReferenceFrame(pictureID uint64)
	ReceivedDecodedFrame(pictureID uint64)
	InputDataExhausted()
}

// DecoderEvent is a decoder notification other than a decoded picture.
type DecoderEvent int32

const (
	DecoderEventReferenceFrame DecoderEvent = iota + 1
	DecoderEventFrame
	DecoderEventInputExhausted
)

func (e DecoderEvent) String() string {
	switch e {
	case DecoderEventReferenceFrame:
		return "ReceivedDecodedReferenceFrame"
	case DecoderEventFrame:
		return "ReceivedDecodedFrame"
	case DecoderEventInputExhausted:
		return "InputDataExhausted"
	default:
		return fmt.Sprintf("DecoderEvent(%d)", int32(e))
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Plugin{}
)

// RegisterPlugin makes a Go plugin available to StaticLoader under name.
// It panics if name is already registered.
func RegisterPlugin(name string, factory func() Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("mediaplugin: plugin registered twice: " + name)
	}
	registry[name] = factory
}

func lookupPlugin(name string) (func() Plugin, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// RegisteredPlugins returns the names of all statically registered plugins.
func RegisteredPlugins() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
