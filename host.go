package mediaplugin

import (
	"fmt"
	"sync/atomic"
)

// FrameHost is the frame allocator handed to plugin codec objects. Each side
// of the channel owns one. Frames it creates must be released with Destroy by
// whoever consumes them.
type FrameHost struct {
	live atomic.Int64
}

// NewFrameHost creates an empty frame allocator.
func NewFrameHost() *FrameHost {
	return &FrameHost{}
}

// CreateI420Frame returns an empty planar frame owned by the caller.
func (h *FrameHost) CreateI420Frame() *I420Frame {
	h.live.Add(1)
	return &I420Frame{host: h}
}

// CreateEncodedFrame returns an empty encoded frame owned by the caller.
func (h *FrameHost) CreateEncodedFrame() *EncodedVideoFrame {
	h.live.Add(1)
	return &EncodedVideoFrame{host: h}
}

// LiveFrames returns the number of frames created but not yet destroyed.
func (h *FrameHost) LiveFrames() int64 {
	return h.live.Load()
}

func (h *FrameHost) release() {
	h.live.Add(-1)
}

type plane struct {
	buf    []byte
	stride int
}

// I420Frame is the plugin-native raw image: three planes with strides.
type I420Frame struct {
	host         *FrameHost
	planes       [planeCount]plane
	width        int
	height       int
	timestamp    uint32
	renderTimeMs int64
	destroyed    bool
}

func chromaSize(n int) int { return (n + 1) / 2 }

func validateI420(width, height int, strides [3]int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if strides[PlaneY] < width {
		return fmt.Errorf("Y stride %d < width %d", strides[PlaneY], width)
	}
	cw := chromaSize(width)
	if strides[PlaneU] < cw || strides[PlaneV] < cw {
		return fmt.Errorf("chroma strides %d/%d < %d", strides[PlaneU], strides[PlaneV], cw)
	}
	return nil
}

func planeRows(p Plane, height int) int {
	if p == PlaneY {
		return height
	}
	return chromaSize(height)
}

// CreateFrame copies the three planes into buffers owned by the frame.
// Each plane must hold at least stride*rows bytes.
func (f *I420Frame) CreateFrame(planes [3][]byte, strides [3]int, width, height int) error {
	if err := validateI420(width, height, strides); err != nil {
		return err
	}
	for i := PlaneY; i < planeCount; i++ {
		need := strides[i] * planeRows(i, height)
		if len(planes[i]) < need {
			return fmt.Errorf("%v plane holds %d bytes, need %d", i, len(planes[i]), need)
		}
	}
	for i := PlaneY; i < planeCount; i++ {
		buf := make([]byte, len(planes[i]))
		copy(buf, planes[i])
		f.planes[i] = plane{buf: buf, stride: strides[i]}
	}
	f.width, f.height = width, height
	return nil
}

// CreateEmptyFrame allocates zeroed planes for the given geometry.
func (f *I420Frame) CreateEmptyFrame(width, height int, strides [3]int) error {
	if err := validateI420(width, height, strides); err != nil {
		return err
	}
	for i := PlaneY; i < planeCount; i++ {
		f.planes[i] = plane{buf: make([]byte, strides[i]*planeRows(i, height)), stride: strides[i]}
	}
	f.width, f.height = width, height
	return nil
}

// Buffer returns plane p.
func (f *I420Frame) Buffer(p Plane) []byte { return f.planes[p].buf }

// AllocatedSize returns the allocated size of plane p.
func (f *I420Frame) AllocatedSize(p Plane) int { return len(f.planes[p].buf) }

// Stride returns the stride of plane p.
func (f *I420Frame) Stride(p Plane) int { return f.planes[p].stride }

func (f *I420Frame) Width() int  { return f.width }
func (f *I420Frame) Height() int { return f.height }

func (f *I420Frame) Timestamp() uint32      { return f.timestamp }
func (f *I420Frame) SetTimestamp(ts uint32) { f.timestamp = ts }

func (f *I420Frame) RenderTimeMs() int64       { return f.renderTimeMs }
func (f *I420Frame) SetRenderTimeMs(ms int64) { f.renderTimeMs = ms }

func (f *I420Frame) strides() [3]int {
	return [3]int{f.planes[0].stride, f.planes[1].stride, f.planes[2].stride}
}

func (f *I420Frame) buffers() [3][]byte {
	return [3][]byte{f.planes[0].buf, f.planes[1].buf, f.planes[2].buf}
}

// Destroy releases the frame back to its host. Calling it twice is a no-op.
func (f *I420Frame) Destroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.planes = [planeCount]plane{}
	if f.host != nil {
		f.host.release()
	}
}

// EncodedVideoFrame is the plugin-native encoded unit. Size is the logical
// length; AllocatedSize may be larger.
type EncodedVideoFrame struct {
	host          *FrameHost
	buf           []byte
	size          int
	frameType     PluginFrameType
	timestamp     uint32
	encodedWidth  uint32
	encodedHeight uint32
	complete      bool
	destroyed     bool
}

// CreateEmptyFrame allocates a buffer of size bytes and sets the logical size
// to match.
func (f *EncodedVideoFrame) CreateEmptyFrame(size int) error {
	if size < 0 {
		return fmt.Errorf("invalid encoded frame size %d", size)
	}
	f.buf = make([]byte, size)
	f.size = size
	return nil
}

// Buffer returns the logical contents of the frame.
func (f *EncodedVideoFrame) Buffer() []byte { return f.buf[:f.size] }

// Size returns the logical size.
func (f *EncodedVideoFrame) Size() int { return f.size }

// SetSize changes the logical size. It must not exceed the allocation.
func (f *EncodedVideoFrame) SetSize(n int) error {
	if n < 0 || n > len(f.buf) {
		return fmt.Errorf("size %d outside allocation of %d", n, len(f.buf))
	}
	f.size = n
	return nil
}

// AllocatedSize returns the size of the underlying allocation.
func (f *EncodedVideoFrame) AllocatedSize() int { return len(f.buf) }

func (f *EncodedVideoFrame) FrameType() PluginFrameType       { return f.frameType }
func (f *EncodedVideoFrame) SetFrameType(t PluginFrameType)   { f.frameType = t }
func (f *EncodedVideoFrame) Timestamp() uint32                { return f.timestamp }
func (f *EncodedVideoFrame) SetTimestamp(ts uint32)           { f.timestamp = ts }
func (f *EncodedVideoFrame) EncodedWidth() uint32             { return f.encodedWidth }
func (f *EncodedVideoFrame) SetEncodedWidth(w uint32)         { f.encodedWidth = w }
func (f *EncodedVideoFrame) EncodedHeight() uint32            { return f.encodedHeight }
func (f *EncodedVideoFrame) SetEncodedHeight(h uint32)        { f.encodedHeight = h }
func (f *EncodedVideoFrame) CompleteFrame() bool              { return f.complete }
func (f *EncodedVideoFrame) SetCompleteFrame(complete bool)   { f.complete = complete }

// Destroy releases the frame back to its host. Calling it twice is a no-op.
func (f *EncodedVideoFrame) Destroy() {
	if f.destroyed {
		return
	}
	f.destroyed = true
	f.buf = nil
	f.size = 0
	if f.host != nil {
		f.host.release()
	}
}
