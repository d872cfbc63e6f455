package mediaplugin

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// AdapterState is the lifecycle state of an engine-facing codec adapter.
type AdapterState int32

const (
	AdapterUninitialized AdapterState = iota // No actor bound
	AdapterInitializing                      // InitEncode/InitDecode in flight
	AdapterReady                             // Bound and idle
	AdapterBusy                              // Encode/Decode in flight
	AdapterReleased                          // Release called
)

func (s AdapterState) String() string {
	switch s {
	case AdapterUninitialized:
		return "uninitialized"
	case AdapterInitializing:
		return "initializing"
	case AdapterReady:
		return "ready"
	case AdapterBusy:
		return "busy"
	case AdapterReleased:
		return "released"
	default:
		return "unknown"
	}
}

// VideoEncoderAdapter implements VideoEncoder on top of an encoder actor in a
// plugin process. Engine calls block until the service worker has run them;
// the actor is only touched from the worker.
type VideoEncoderAdapter struct {
	service *PluginService
	log     logging.LeveledLogger
	state   atomic.Int32

	cbMu     sync.Mutex
	callback EncodedImageCallback

	stats   EncoderStats
	statsMu sync.Mutex

	// Confined to the service worker.
	actor VideoEncoderActor
	codec VideoCodec
}

var (
	_ VideoEncoder    = (*VideoEncoderAdapter)(nil)
	_ EncoderCallback = (*VideoEncoderAdapter)(nil)
)

// NewVideoEncoderAdapter creates an encoder adapter backed by service.
func NewVideoEncoderAdapter(service *PluginService) *VideoEncoderAdapter {
	return &VideoEncoderAdapter{
		service: service,
		log:     mlog.NewLogger("gmp-encoder"),
	}
}

// State returns the current adapter state.
func (e *VideoEncoderAdapter) State() AdapterState {
	return AdapterState(e.state.Load())
}

// Stats returns encoding statistics.
func (e *VideoEncoderAdapter) Stats() EncoderStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// RegisterEncodeCompleteCallback implements VideoEncoder.
func (e *VideoEncoderAdapter) RegisterEncodeCompleteCallback(callback EncodedImageCallback) error {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callback = callback
	return nil
}

func (e *VideoEncoderAdapter) encodeCallback() EncodedImageCallback {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	return e.callback
}

// InitEncode implements VideoEncoder. Calling it again replaces the bound
// actor; the previous one is destroyed first.
func (e *VideoEncoderAdapter) InitEncode(settings *VideoCodecSettings, numCores int, maxPayloadSize uint32) error {
	if settings == nil {
		return fmt.Errorf("%w: nil codec settings", ErrCodec)
	}
	worker, err := e.service.Thread()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	if numCores <= 0 {
		numCores = e.service.config.NumCores
	}

	e.state.Store(int32(AdapterInitializing))
	err = worker.RunSync(func() error {
		e.destroyActor()
		actor, err := e.service.GetVideoEncoder()
		if err != nil {
			return err
		}
		codec := descriptorFromSettings(settings)
		if err := actor.InitEncode(codec, e, numCores, maxPayloadSize); err != nil {
			if derr := actor.Destroy(); derr != nil {
				e.log.Warnf("destroy encoder actor %d: %v", actor.ID(), derr)
			}
			return err
		}
		e.actor = actor
		e.codec = settings.Codec
		return nil
	})
	if err != nil {
		e.state.Store(int32(AdapterUninitialized))
		e.log.Errorf("InitEncode %dx%d failed: %v", settings.Width, settings.Height, err)
		return fmt.Errorf("%w: init encode: %w", ErrCodec, err)
	}
	e.state.Store(int32(AdapterReady))
	e.log.Infof("encoder ready: %v %dx%d @ %d kbps", settings.Codec, settings.Width, settings.Height, settings.StartBitrate)
	return nil
}

// destroyActor releases the bound actor, if any. Runs on the worker.
func (e *VideoEncoderAdapter) destroyActor() {
	if e.actor == nil {
		return
	}
	if err := e.actor.Destroy(); err != nil {
		e.log.Warnf("destroy encoder actor %d: %v", e.actor.ID(), err)
	}
	e.actor = nil
}

// Encode implements VideoEncoder. The frame planes are copied into a plugin
// frame on the worker; output reaches the registered callback before Encode
// returns when the plugin produces it synchronously.
func (e *VideoEncoderAdapter) Encode(frame *VideoFrame, info *CodecSpecificInfo, frameTypes []FrameType) error {
	if frame == nil {
		return fmt.Errorf("%w: nil frame", ErrCodec)
	}
	if frame.Format != PixelFormatI420 || len(frame.Data) < int(planeCount) || len(frame.Stride) < int(planeCount) {
		return fmt.Errorf("%w: expected I420 frame, got %v", ErrCodec, frame.Format)
	}
	// An undefined frame type is a caller bug; this panics.
	pluginTypes := make([]PluginFrameType, len(frameTypes))
	for i, ft := range frameTypes {
		pluginTypes[i] = mustEngineToPlugin(ft)
	}
	var csi CodecSpecificInfo
	if info != nil {
		csi = *info
	}

	if !e.state.CompareAndSwap(int32(AdapterReady), int32(AdapterBusy)) {
		return fmt.Errorf("%w: encoder is %v", ErrUninitialized, e.State())
	}
	defer e.state.CompareAndSwap(int32(AdapterBusy), int32(AdapterReady))

	worker, err := e.service.Thread()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	err = worker.RunSync(func() error {
		if e.actor == nil {
			return ErrUninitialized
		}
		in := e.actor.Host().CreateI420Frame()
		planes := [3][]byte{frame.Data[PlaneY], frame.Data[PlaneU], frame.Data[PlaneV]}
		strides := [3]int{frame.Stride[PlaneY], frame.Stride[PlaneU], frame.Stride[PlaneV]}
		if err := in.CreateFrame(planes, strides, frame.Width, frame.Height); err != nil {
			in.Destroy()
			return err
		}
		in.SetTimestamp(frame.Timestamp)
		in.SetRenderTimeMs(frame.RenderTimeMs)
		return e.actor.Encode(in, csi, pluginTypes)
	})
	if err != nil {
		return fmt.Errorf("%w: encode: %w", ErrCodec, err)
	}

	e.statsMu.Lock()
	e.stats.FramesEncoded++
	e.statsMu.Unlock()
	return nil
}

// Encoded implements EncoderCallback. It runs on the worker, splits the
// plugin output into Annex B units and hands each one to the engine in scan
// order. Units borrow the plugin buffer, which is destroyed on return.
func (e *VideoEncoderAdapter) Encoded(frame *EncodedVideoFrame, info CodecSpecificInfo) {
	defer frame.Destroy()

	frameType := mustPluginToEngine(frame.FrameType())
	if info.Codec == VideoCodecUnknown {
		info.Codec = e.codec
	}

	var units, bytes uint64
	cb := e.encodeCallback()
	cur := NewNALCursor(frame.Buffer())
	nal, err := cur.Next(true)
	for err == nil {
		// Look one unit ahead so the last one can be flagged.
		next, nextErr := cur.Next(true)
		image := &EncodedFrame{
			Data:          nal,
			FrameType:     frameType,
			Timestamp:     frame.Timestamp(),
			EncodedWidth:  int(frame.EncodedWidth()),
			EncodedHeight: int(frame.EncodedHeight()),
			CompleteFrame: true,
			EndOfFrame:    nextErr != nil,
		}
		if cb != nil {
			if cerr := cb.Encoded(image, &info); cerr != nil {
				e.log.Warnf("encode complete callback: %v", cerr)
			}
		}
		units++
		bytes += uint64(len(nal))
		nal, err = next, nextErr
	}

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if frameType == FrameTypeKey {
		e.stats.KeyframesEncoded++
	}
	e.stats.UnitsEmitted += units
	e.stats.BytesEncoded += bytes
	if !errors.Is(err, ErrNoNALUnit) {
		e.stats.FramingErrors++
		e.log.Warnf("encoded frame ts=%d: %v after %d units", frame.Timestamp(), err, units)
	}
}

// SetRates implements VideoEncoder.
func (e *VideoEncoderAdapter) SetRates(bitrate, frameRate uint32) error {
	return e.onActor(func(a VideoEncoderActor) error {
		return a.SetRates(bitrate, frameRate)
	})
}

// SetChannelParameters implements VideoEncoder.
func (e *VideoEncoderAdapter) SetChannelParameters(packetLoss uint32, rtt int64) error {
	return e.onActor(func(a VideoEncoderActor) error {
		return a.SetChannelParameters(packetLoss, rtt)
	})
}

func (e *VideoEncoderAdapter) onActor(fn func(VideoEncoderActor) error) error {
	worker, err := e.service.Thread()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	err = worker.RunSync(func() error {
		if e.actor == nil {
			return ErrUninitialized
		}
		return fn(e.actor)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return nil
}

// Release implements VideoEncoder. The bound actor is destroyed; InitEncode
// may be called again.
func (e *VideoEncoderAdapter) Release() error {
	defer e.state.Store(int32(AdapterReleased))
	worker, err := e.service.Thread()
	if err != nil {
		// The service already dropped every actor.
		return nil
	}
	return worker.RunSync(func() error {
		e.destroyActor()
		return nil
	})
}
