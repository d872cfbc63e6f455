package mediaplugin

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// ErrSourceExhausted is returned by ReadFrame once a non-looping source has
// no more frames.
var ErrSourceExhausted = errors.New("video source exhausted")

// SourceConfig describes a video source.
type SourceConfig struct {
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	FPS    int         // Frames per second, 0 if unknown
	Format PixelFormat // Pixel format
}

// VideoSource produces raw I420 frames on demand.
type VideoSource interface {
	io.Closer

	// ReadFrame returns the next frame. The frame is valid until the next
	// ReadFrame call or Close.
	ReadFrame() (*VideoFrame, error)

	// Config returns the source configuration.
	Config() SourceConfig
}

// Y4MSource reads a YUV4MPEG2 file with 4:2:0 chroma.
type Y4MSource struct {
	f      *os.File
	r      *bufio.Reader
	config SourceConfig
	loop   bool
	header int64

	frame *VideoFrame
	buf   []byte
}

// OpenY4MSource opens path. With loop set, reading past the last frame
// rewinds to the first.
func OpenY4MSource(path string, loop bool) (*Y4MSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Y4MSource{f: f, r: bufio.NewReader(f), loop: loop}
	if err := s.readHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	w, h := s.config.Width, s.config.Height
	cw, ch := chromaSize(w), chromaSize(h)
	s.buf = make([]byte, I420Size(w, h))
	s.frame = &VideoFrame{
		Data:   [][]byte{s.buf[:w*h], s.buf[w*h : w*h+cw*ch], s.buf[w*h+cw*ch:]},
		Stride: []int{w, cw, cw},
		Width:  w,
		Height: h,
		Format: PixelFormatI420,
	}
	return s, nil
}

func (s *Y4MSource) readHeader() error {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read y4m header: %w", err)
	}
	s.header = int64(len(line))
	fields := bytes.Fields(line)
	if len(fields) == 0 || string(fields[0]) != "YUV4MPEG2" {
		return errors.New("not a YUV4MPEG2 stream")
	}
	s.config.Format = PixelFormatI420
	for _, f := range fields[1:] {
		val := string(f[1:])
		switch f[0] {
		case 'W':
			s.config.Width, err = strconv.Atoi(val)
		case 'H':
			s.config.Height, err = strconv.Atoi(val)
		case 'F':
			var num, den int
			if _, ferr := fmt.Sscanf(val, "%d:%d", &num, &den); ferr == nil && den > 0 {
				s.config.FPS = num / den
			}
		case 'C':
			if val != "420" && val != "420jpeg" && val != "420paldv" && val != "420mpeg2" {
				return fmt.Errorf("unsupported chroma %s", val)
			}
		}
		if err != nil {
			return fmt.Errorf("bad y4m header field %q: %w", f, err)
		}
	}
	if s.config.Width <= 0 || s.config.Width > 0xFFFF || s.config.Height <= 0 || s.config.Height > 0xFFFF {
		return fmt.Errorf("invalid frame size %dx%d", s.config.Width, s.config.Height)
	}
	return nil
}

// ReadFrame implements VideoSource.
func (s *Y4MSource) ReadFrame() (*VideoFrame, error) {
	for attempt := 0; attempt < 2; attempt++ {
		err := s.readFrame()
		if err == nil {
			return s.frame, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		if !s.loop {
			return nil, ErrSourceExhausted
		}
		if _, err := s.f.Seek(s.header, io.SeekStart); err != nil {
			return nil, err
		}
		s.r.Reset(s.f)
	}
	return nil, ErrSourceExhausted
}

func (s *Y4MSource) readFrame() error {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		return err
	}
	if !bytes.HasPrefix(line, []byte("FRAME")) {
		return errors.New("bogus y4m frame header")
	}
	_, err = io.ReadFull(s.r, s.buf)
	return err
}

// Config implements VideoSource.
func (s *Y4MSource) Config() SourceConfig { return s.config }

// Close implements VideoSource.
func (s *Y4MSource) Close() error { return s.f.Close() }

// frameNumberBits is how many bits of the frame counter StampFrameNumber
// writes.
const frameNumberBits = 10

// StampFrameNumber writes the low bits of n into the top-left of the luma
// plane, one 2x2 block per bit, so frames can be identified after a lossy
// round trip.
func StampFrameNumber(frame *VideoFrame, n uint64) {
	y, stride := frame.Data[PlaneY], frame.Stride[PlaneY]
	for b := 0; b < frameNumberBits; b++ {
		v := byte(n>>b&1) << 7
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				if i := dy*stride + b*2 + dx; i < len(y) {
					y[i] = v
				}
			}
		}
	}
}
