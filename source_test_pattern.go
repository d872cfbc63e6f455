package mediaplugin

import (
	"math"
	"math/rand/v2"
)

// PatternType selects what a TestPatternSource draws.
type PatternType int

const (
	PatternColorBars  PatternType = iota // eight vertical 75% bars
	PatternSolidColor                    // TestPatternConfig.Color everywhere
	PatternNoise                         // random luma, neutral chroma
	PatternMovingBox                     // white box circling on black
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// RGB is an 8-bit sRGB color.
type RGB struct{ R, G, B uint8 }

// TestPatternConfig configures a TestPatternSource. Zero fields take the
// DefaultTestPatternConfig values.
type TestPatternConfig struct {
	Width   int
	Height  int
	FPS     int
	Pattern PatternType
	// Animated redraws static patterns every frame. Noise and MovingBox
	// always change.
	Animated bool
	Color    RGB
	// Seed makes Noise reproducible. Zero picks a random seed.
	Seed uint64
}

// DefaultTestPatternConfig returns 720p30 color bars.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{Width: 1280, Height: 720, FPS: 30, Pattern: PatternColorBars}
}

// TestPatternSource draws synthetic I420 frames on demand. Pacing is the
// caller's job. ReadFrame reuses one frame buffer.
type TestPatternSource struct {
	config TestPatternConfig
	frame  *VideoFrame
	rng    *rand.Rand
	n      uint64
}

// NewTestPatternSource returns a source drawing config.Pattern.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	defaults := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = defaults.Width
	}
	if config.Height <= 0 {
		config.Height = defaults.Height
	}
	if config.FPS <= 0 {
		config.FPS = defaults.FPS
	}
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	w, h := config.Width, config.Height
	cw, ch := chromaSize(w), chromaSize(h)
	buf := make([]byte, w*h+2*cw*ch)
	s := &TestPatternSource{
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		frame: &VideoFrame{
			Data:   [][]byte{buf[:w*h], buf[w*h : w*h+cw*ch], buf[w*h+cw*ch:]},
			Stride: []int{w, cw, cw},
			Width:  w,
			Height: h,
			Format: PixelFormatI420,
		},
	}
	s.draw()
	return s
}

// ReadFrame implements VideoSource. It never blocks or fails. Timestamps
// advance by one frame interval on the 90 kHz clock starting from zero.
func (s *TestPatternSource) ReadFrame() (*VideoFrame, error) {
	if s.n > 0 && (s.config.Animated || s.config.Pattern == PatternNoise || s.config.Pattern == PatternMovingBox) {
		s.draw()
	}
	s.frame.Timestamp = uint32(s.n * uint64(VideoCodecH264.ClockRate()) / uint64(s.config.FPS))
	s.n++
	return s.frame, nil
}

// Config implements VideoSource.
func (s *TestPatternSource) Config() SourceConfig {
	return SourceConfig{Width: s.config.Width, Height: s.config.Height, FPS: s.config.FPS, Format: PixelFormatI420}
}

// Close implements VideoSource.
func (s *TestPatternSource) Close() error { return nil }

var (
	black = RGB{0, 0, 0}
	white = RGB{255, 255, 255}

	colorBars = [...]RGB{
		{191, 191, 191}, {191, 191, 0}, {0, 191, 191}, {0, 191, 0},
		{191, 0, 191}, {191, 0, 0}, {0, 0, 191}, black,
	}
)

func (s *TestPatternSource) draw() {
	w, h := s.config.Width, s.config.Height
	switch s.config.Pattern {
	case PatternSolidColor:
		s.fill(0, 0, w, h, s.config.Color)
	case PatternNoise:
		s.fill(0, 0, w, h, black)
		for i := range s.frame.Data[PlaneY] {
			s.frame.Data[PlaneY][i] = byte(s.rng.Uint32())
		}
	case PatternMovingBox:
		s.fill(0, 0, w, h, black)
		size := max(min(w, h)/5, 2)
		r := float64(min(w, h)) / 4
		a := float64(s.n) * 0.05
		x := w/2 + int(r*math.Cos(a)) - size/2
		y := h/2 + int(r*math.Sin(a)) - size/2
		s.fill(x, y, x+size, y+size, white)
	default:
		bar := max(w/len(colorBars), 1)
		for i, c := range colorBars {
			x1 := (i + 1) * bar
			if i == len(colorBars)-1 {
				x1 = w
			}
			s.fill(i*bar, 0, x1, h, c)
		}
	}
}

// fill paints the rectangle [x0,x1) x [y0,y1), clipped to the frame. Chroma
// samples are painted for every 2x2 block whose top-left luma is inside.
func (s *TestPatternSource) fill(x0, y0, x1, y1 int, c RGB) {
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, s.frame.Width), min(y1, s.frame.Height)
	if x0 >= x1 || y0 >= y1 {
		return
	}
	yv, u, v := rgbToYUV(c)

	stride := s.frame.Stride[PlaneY]
	for y := y0; y < y1; y++ {
		row := s.frame.Data[PlaneY][y*stride:]
		for x := x0; x < x1; x++ {
			row[x] = yv
		}
	}
	cs := s.frame.Stride[PlaneU]
	for cy := (y0 + 1) / 2; cy*2 < y1; cy++ {
		for cx := (x0 + 1) / 2; cx*2 < x1; cx++ {
			s.frame.Data[PlaneU][cy*cs+cx] = u
			s.frame.Data[PlaneV][cy*cs+cx] = v
		}
	}
}

// rgbToYUV converts to studio-swing BT.601 with the usual 8-bit integer
// approximation.
func rgbToYUV(c RGB) (y, u, v uint8) {
	r, g, b := int(c.R), int(c.G), int(c.B)
	y = uint8((66*r+129*g+25*b+128)>>8 + 16)
	u = uint8((-38*r-74*g+112*b+128)>>8 + 128)
	v = uint8((112*r-94*g-18*b+128)>>8 + 128)
	return y, u, v
}
