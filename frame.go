// Core frame types exchanged with the media engine.
package mediaplugin

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                    // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	default:
		return 0
	}
}

// Plane indexes into VideoFrame.Data and I420Frame planes.
type Plane int

const (
	PlaneY Plane = iota
	PlaneU
	PlaneV
	planeCount
)

func (p Plane) String() string {
	switch p {
	case PlaneY:
		return "Y"
	case PlaneU:
		return "U"
	case PlaneV:
		return "V"
	default:
		return "Unknown"
	}
}

// VideoFrame represents a raw planar video frame as the media engine sees it.
// len(Data[i]) is the allocated size of plane i.
type VideoFrame struct {
	Data         [][]byte    // Plane data (Y, U, V for I420)
	Stride       []int       // Stride for each plane in bytes
	Width        int         // Frame width in pixels
	Height       int         // Frame height in pixels
	Format       PixelFormat // Pixel format
	Timestamp    uint32      // RTP timestamp (90kHz clock)
	RenderTimeMs int64       // Wall-clock render time in milliseconds
}

// AllocatedSize returns the allocated size of plane p, or 0 if absent.
func (f *VideoFrame) AllocatedSize(p Plane) int {
	if int(p) >= len(f.Data) {
		return 0
	}
	return len(f.Data[p])
}

// PlaneStride returns the stride of plane p, or 0 if absent.
func (f *VideoFrame) PlaneStride(p Plane) int {
	if int(p) >= len(f.Stride) {
		return 0
	}
	return f.Stride[p]
}

// Clone creates a deep copy of the video frame.
// Use this when you need to keep the frame data beyond its original lifetime.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:         make([][]byte, len(f.Data)),
		Stride:       make([]int, len(f.Stride)),
		Width:        f.Width,
		Height:       f.Height,
		Format:       f.Format,
		Timestamp:    f.Timestamp,
		RenderTimeMs: f.RenderTimeMs,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := ((width + 1) / 2) * ((height + 1) / 2)
	return ySize + uvSize*2
}

// FrameType is the media engine's frame-type vocabulary.
// The zero value is not a valid frame type.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
	FrameTypeGolden            // VP8 golden reference update
	FrameTypeAltRef            // VP8 alternate reference update
	FrameTypeSkip              // Frame the encoder may skip
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	case FrameTypeGolden:
		return "Golden"
	case FrameTypeAltRef:
		return "AltRef"
	case FrameTypeSkip:
		return "Skip"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds one unit of encoded video handed to or received from the
// media engine. When delivered by an encode-complete callback, Data borrows
// the plugin's buffer and is only valid for the duration of the callback.
type EncodedFrame struct {
	Data          []byte    // Encoded bitstream; len is the logical size
	FrameType     FrameType // Key or delta frame
	Timestamp     uint32    // RTP timestamp (90kHz clock for video)
	EncodedWidth  int       // Encoded picture width (decode input)
	EncodedHeight int       // Encoded picture height (decode input)
	CompleteFrame bool      // True when Data holds a complete unit
	EndOfFrame    bool      // Set on the last unit emitted for one encoder output
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}
