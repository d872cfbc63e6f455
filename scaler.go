package mediaplugin

import "fmt"

// ScaleMode selects how a scaler reconciles differing aspect ratios.
type ScaleMode int

const (
	// ScaleModeStretch maps the whole source onto the target, distorting
	// the picture when aspect ratios differ.
	ScaleModeStretch ScaleMode = iota
	// ScaleModeFill crops the source's centre to the target aspect ratio.
	ScaleModeFill
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeStretch:
		return "stretch"
	case ScaleModeFill:
		return "fill"
	default:
		return fmt.Sprintf("ScaleMode(%d)", int(m))
	}
}

// ParseScaleMode parses the String form of a ScaleMode.
func ParseScaleMode(s string) (ScaleMode, error) {
	switch s {
	case "stretch":
		return ScaleModeStretch, nil
	case "fill":
		return ScaleModeFill, nil
	}
	return 0, fmt.Errorf("unknown scale mode %q", s)
}

// ScaledSource resamples every frame of an I420 source to a fixed size with
// bilinear filtering. The returned frame is reused across ReadFrame calls.
type ScaledSource struct {
	src    VideoSource
	width  int
	height int
	mode   ScaleMode
	out    *VideoFrame
}

// NewScaledSource wraps src so that it yields width x height frames. Odd
// dimensions are rounded down to keep the chroma planes whole.
func NewScaledSource(src VideoSource, width, height int, mode ScaleMode) (*ScaledSource, error) {
	width, height = width&^1, height&^1
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: scale to %dx%d", ErrInvalidDimensions, width, height)
	}
	if f := src.Config().Format; f != PixelFormatI420 {
		return nil, fmt.Errorf("%w: cannot scale %v", ErrInvalidFormat, f)
	}
	cw, ch := width/2, height/2
	return &ScaledSource{
		src:    src,
		width:  width,
		height: height,
		mode:   mode,
		out: &VideoFrame{
			Data:   [][]byte{make([]byte, width*height), make([]byte, cw*ch), make([]byte, cw*ch)},
			Stride: []int{width, cw, cw},
			Width:  width,
			Height: height,
			Format: PixelFormatI420,
		},
	}, nil
}

// ReadFrame implements VideoSource. Frames already at the target size pass
// through untouched.
func (s *ScaledSource) ReadFrame() (*VideoFrame, error) {
	frame, err := s.src.ReadFrame()
	if err != nil {
		return nil, err
	}
	if frame.Width == s.width && frame.Height == s.height {
		return frame, nil
	}

	r := s.cropRegion(frame.Width, frame.Height)
	resample(frame.Data[0], frame.Stride[0], r, s.out.Data[0], s.width, s.height)
	chroma := region{x: r.x / 2, y: r.y / 2, w: r.w / 2, h: r.h / 2}
	for p := 1; p <= 2; p++ {
		resample(frame.Data[p], frame.Stride[p], chroma, s.out.Data[p], s.width/2, s.height/2)
	}
	s.out.Timestamp = frame.Timestamp
	s.out.RenderTimeMs = frame.RenderTimeMs
	return s.out, nil
}

// Config implements VideoSource.
func (s *ScaledSource) Config() SourceConfig {
	c := s.src.Config()
	c.Width, c.Height = s.width, s.height
	return c
}

// Close closes the wrapped source.
func (s *ScaledSource) Close() error { return s.src.Close() }

type region struct{ x, y, w, h int }

func (s *ScaledSource) cropRegion(srcW, srcH int) region {
	if s.mode != ScaleModeFill {
		return region{w: srcW, h: srcH}
	}
	// Compare srcW/srcH with width/height without floating point.
	switch l, r := srcW*s.height, s.width*srcH; {
	case l > r:
		w := srcH * s.width / s.height &^ 1
		return region{x: (srcW - w) / 2 &^ 1, w: w, h: srcH}
	case l < r:
		h := srcW * s.height / s.width &^ 1
		return region{y: (srcH - h) / 2 &^ 1, w: srcW, h: h}
	}
	return region{w: srcW, h: srcH}
}

// resample fills dst (dstW x dstH, tightly packed) from region r of src
// using 16.16 fixed-point bilinear interpolation.
func resample(src []byte, stride int, r region, dst []byte, dstW, dstH int) {
	if r.w <= 0 || r.h <= 0 {
		return
	}
	xStep := (r.w << 16) / dstW
	yStep := (r.h << 16) / dstH

	for y := 0; y < dstH; y++ {
		sy := y * yStep
		y0 := r.y + sy>>16
		y1 := min(y0+1, r.y+r.h-1)
		fy := sy & 0xFFFF
		row0, row1 := src[y0*stride:], src[y1*stride:]
		out := dst[y*dstW : (y+1)*dstW]

		for x := range out {
			sx := x * xStep
			x0 := r.x + sx>>16
			x1 := min(x0+1, r.x+r.w-1)
			fx := sx & 0xFFFF

			top := (int(row0[x0])*(0x10000-fx) + int(row0[x1])*fx) >> 16
			bottom := (int(row1[x0])*(0x10000-fx) + int(row1[x1])*fx) >> 16
			out[x] = byte((top*(0x10000-fy) + bottom*fy) >> 16)
		}
	}
}
