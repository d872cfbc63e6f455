package mediaplugin

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// VideoDecoderAdapter implements VideoDecoder on top of a decoder actor in a
// plugin process. It mirrors VideoEncoderAdapter.
type VideoDecoderAdapter struct {
	service *PluginService
	log     logging.LeveledLogger
	state   atomic.Int32

	cbMu     sync.Mutex
	callback DecodedImageCallback

	stats   DecoderStats
	statsMu sync.Mutex

	// Confined to the service worker.
	actor VideoDecoderActor
}

var (
	_ VideoDecoder    = (*VideoDecoderAdapter)(nil)
	_ DecoderCallback = (*VideoDecoderAdapter)(nil)
)

// NewVideoDecoderAdapter creates a decoder adapter backed by service.
func NewVideoDecoderAdapter(service *PluginService) *VideoDecoderAdapter {
	return &VideoDecoderAdapter{
		service: service,
		log:     mlog.NewLogger("gmp-decoder"),
	}
}

// State returns the current adapter state.
func (d *VideoDecoderAdapter) State() AdapterState {
	return AdapterState(d.state.Load())
}

// Stats returns decoding statistics.
func (d *VideoDecoderAdapter) Stats() DecoderStats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

// RegisterDecodeCompleteCallback implements VideoDecoder.
func (d *VideoDecoderAdapter) RegisterDecodeCompleteCallback(callback DecodedImageCallback) error {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.callback = callback
	return nil
}

func (d *VideoDecoderAdapter) decodeCallback() DecodedImageCallback {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	return d.callback
}

// InitDecode implements VideoDecoder. Calling it again replaces the bound
// actor.
func (d *VideoDecoderAdapter) InitDecode(settings *VideoCodecSettings, numCores int) error {
	if settings == nil {
		return fmt.Errorf("%w: nil codec settings", ErrCodec)
	}
	worker, err := d.service.Thread()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	if numCores <= 0 {
		numCores = d.service.config.NumCores
	}

	d.state.Store(int32(AdapterInitializing))
	err = worker.RunSync(func() error {
		d.destroyActor()
		actor, err := d.service.GetVideoDecoder()
		if err != nil {
			return err
		}
		if err := actor.InitDecode(descriptorFromSettings(settings), d, numCores); err != nil {
			if derr := actor.Destroy(); derr != nil {
				d.log.Warnf("destroy decoder actor %d: %v", actor.ID(), derr)
			}
			return err
		}
		d.actor = actor
		return nil
	})
	if err != nil {
		d.state.Store(int32(AdapterUninitialized))
		d.log.Errorf("InitDecode failed: %v", err)
		return fmt.Errorf("%w: init decode: %w", ErrCodec, err)
	}
	d.state.Store(int32(AdapterReady))
	d.log.Infof("decoder ready: %v", settings.Codec)
	return nil
}

func (d *VideoDecoderAdapter) destroyActor() {
	if d.actor == nil {
		return
	}
	if err := d.actor.Destroy(); err != nil {
		d.log.Warnf("destroy decoder actor %d: %v", d.actor.ID(), err)
	}
	d.actor = nil
}

// Decode implements VideoDecoder. len(image.Data) is the logical size of the
// unit; only that many bytes are copied to the plugin.
func (d *VideoDecoderAdapter) Decode(image *EncodedFrame, missingFrames bool, info *CodecSpecificInfo, renderTimeMs int64) error {
	if image == nil {
		return fmt.Errorf("%w: nil image", ErrCodec)
	}
	frameType := mustEngineToPlugin(image.FrameType)
	var csi CodecSpecificInfo
	if info != nil {
		csi = *info
	}

	if !d.state.CompareAndSwap(int32(AdapterReady), int32(AdapterBusy)) {
		return fmt.Errorf("%w: decoder is %v", ErrUninitialized, d.State())
	}
	defer d.state.CompareAndSwap(int32(AdapterBusy), int32(AdapterReady))

	worker, err := d.service.Thread()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	err = worker.RunSync(func() error {
		if d.actor == nil {
			return ErrUninitialized
		}
		in := d.actor.Host().CreateEncodedFrame()
		if err := in.CreateEmptyFrame(len(image.Data)); err != nil {
			in.Destroy()
			return err
		}
		copy(in.Buffer(), image.Data)
		in.SetEncodedWidth(uint32(image.EncodedWidth))
		in.SetEncodedHeight(uint32(image.EncodedHeight))
		in.SetTimestamp(image.Timestamp)
		in.SetCompleteFrame(image.CompleteFrame)
		in.SetFrameType(frameType)
		return d.actor.Decode(in, missingFrames, csi, renderTimeMs)
	})
	if err != nil {
		return fmt.Errorf("%w: decode: %w", ErrCodec, err)
	}

	d.statsMu.Lock()
	d.stats.FramesDecoded++
	d.stats.BytesDecoded += uint64(len(image.Data))
	d.statsMu.Unlock()
	return nil
}

// Decoded implements DecoderCallback. It runs on the worker and copies the
// plugin planes into a frame the engine owns.
func (d *VideoDecoderAdapter) Decoded(frame *I420Frame) {
	defer frame.Destroy()

	out := &VideoFrame{
		Data:         make([][]byte, planeCount),
		Stride:       make([]int, planeCount),
		Width:        frame.Width(),
		Height:       frame.Height(),
		Format:       PixelFormatI420,
		Timestamp:    frame.Timestamp(),
		RenderTimeMs: frame.RenderTimeMs(),
	}
	for p := PlaneY; p < planeCount; p++ {
		out.Data[p] = append([]byte(nil), frame.Buffer(p)...)
		out.Stride[p] = frame.Stride(p)
	}

	d.statsMu.Lock()
	d.stats.FramesOutput++
	d.statsMu.Unlock()

	cb := d.decodeCallback()
	if cb == nil {
		return
	}
	if err := cb.Decoded(out); err != nil {
		d.log.Warnf("decode complete callback: %v", err)
	}
}

// ReceivedDecodedReferenceFrame implements DecoderCallback.
func (d *VideoDecoderAdapter) ReceivedDecodedReferenceFrame(pictureID uint64) {
	d.log.Tracef("decoded reference frame %d", pictureID)
}

// ReceivedDecodedFrame implements DecoderCallback.
func (d *VideoDecoderAdapter) ReceivedDecodedFrame(pictureID uint64) {
	d.log.Tracef("decoded frame %d", pictureID)
}

// InputDataExhausted implements DecoderCallback.
func (d *VideoDecoderAdapter) InputDataExhausted() {
	d.log.Tracef("decoder input exhausted")
}

// Reset implements VideoDecoder. It only acknowledges; the plugin is not told.
func (d *VideoDecoderAdapter) Reset() error {
	return nil
}

// Release implements VideoDecoder. The bound actor is destroyed; InitDecode
// may be called again.
func (d *VideoDecoderAdapter) Release() error {
	defer d.state.Store(int32(AdapterReleased))
	worker, err := d.service.Thread()
	if err != nil {
		return nil
	}
	return worker.RunSync(func() error {
		d.destroyActor()
		return nil
	})
}
