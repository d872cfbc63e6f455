package mediaplugin

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestTestPatternSourceDefaults(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{})

	cfg := source.Config()
	if cfg.Width != 1280 || cfg.Height != 720 {
		t.Errorf("default size %dx%d, want 1280x720", cfg.Width, cfg.Height)
	}
	if cfg.FPS != 30 {
		t.Errorf("default FPS = %d, want 30", cfg.FPS)
	}
	if cfg.Format != PixelFormatI420 {
		t.Errorf("default format = %v, want I420", cfg.Format)
	}
}

func TestTestPatternSourceAllPatterns(t *testing.T) {
	for _, pattern := range []PatternType{PatternColorBars, PatternSolidColor, PatternNoise, PatternMovingBox} {
		t.Run(pattern.String(), func(t *testing.T) {
			// Odd sizes exercise the rounded-up chroma planes.
			source := NewTestPatternSource(TestPatternConfig{
				Width:    321,
				Height:   241,
				Pattern:  pattern,
				Animated: true,
				Color:    RGB{255, 128, 64},
			})
			defer source.Close()

			for i := 0; i < 3; i++ {
				frame, err := source.ReadFrame()
				if err != nil {
					t.Fatalf("ReadFrame failed on frame %d: %v", i, err)
				}
				if len(frame.Data[PlaneU]) != 161*121 || frame.Stride[PlaneU] != 161 {
					t.Fatalf("U plane = %d bytes, stride %d", len(frame.Data[PlaneU]), frame.Stride[PlaneU])
				}
			}
		})
	}
}

func TestTestPatternSourceTimestamps(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 64, FPS: 30})

	for i := 0; i < 5; i++ {
		frame, err := source.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if want := uint32(i * 3000); frame.Timestamp != want {
			t.Errorf("frame %d: timestamp %d, want %d", i, frame.Timestamp, want)
		}
	}
}

func TestTestPatternSourceColorBars(t *testing.T) {
	source := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 8})
	frame, _ := source.ReadFrame()

	first, _, _ := rgbToYUV(colorBars[0])
	if got := frame.Data[PlaneY][0]; got != first {
		t.Errorf("first bar luma = %d, want %d", got, first)
	}
	if got := frame.Data[PlaneY][63]; got != 16 {
		t.Errorf("last bar luma = %d, want black", got)
	}
	if u, v := frame.Data[PlaneU][31], frame.Data[PlaneV][31]; u != 128 || v != 128 {
		t.Errorf("black chroma = %d/%d, want 128/128", u, v)
	}
}

func TestTestPatternSourceAnimation(t *testing.T) {
	box := NewTestPatternSource(TestPatternConfig{Width: 160, Height: 120, Pattern: PatternMovingBox})
	f, _ := box.ReadFrame()
	first := bytes.Clone(f.Data[PlaneY])
	for i := 0; i < 10; i++ {
		f, _ = box.ReadFrame()
	}
	if bytes.Equal(first, f.Data[PlaneY]) {
		t.Error("moving box did not move")
	}

	solid := NewTestPatternSource(TestPatternConfig{Width: 16, Height: 16, Pattern: PatternSolidColor, Color: RGB{10, 200, 30}})
	f, _ = solid.ReadFrame()
	first = bytes.Clone(f.Data[PlaneY])
	f, _ = solid.ReadFrame()
	if !bytes.Equal(first, f.Data[PlaneY]) {
		t.Error("static pattern changed without Animated")
	}
}

func TestTestPatternSourceNoiseSeed(t *testing.T) {
	a := NewTestPatternSource(TestPatternConfig{Width: 32, Height: 32, Pattern: PatternNoise, Seed: 7})
	b := NewTestPatternSource(TestPatternConfig{Width: 32, Height: 32, Pattern: PatternNoise, Seed: 7})
	for i := 0; i < 2; i++ {
		fa, _ := a.ReadFrame()
		fb, _ := b.ReadFrame()
		if !bytes.Equal(fa.Data[PlaneY], fb.Data[PlaneY]) {
			t.Fatalf("frame %d differs for the same seed", i)
		}
	}
}

func TestRGBToYUV(t *testing.T) {
	tests := []struct {
		name    string
		c       RGB
		y, u, v uint8
	}{
		{"black", RGB{0, 0, 0}, 16, 128, 128},
		{"white", RGB{255, 255, 255}, 235, 128, 128},
		{"red", RGB{255, 0, 0}, 82, 90, 240},
		{"blue", RGB{0, 0, 255}, 41, 240, 110},
	}
	for _, tt := range tests {
		y, u, v := rgbToYUV(tt.c)
		if y != tt.y || u != tt.u || v != tt.v {
			t.Errorf("%s: got %d/%d/%d, want %d/%d/%d", tt.name, y, u, v, tt.y, tt.u, tt.v)
		}
	}
}

func writeY4M(t *testing.T, w, h, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.y4m")
	data := []byte("YUV4MPEG2 W" + itoa(w) + " H" + itoa(h) + " F30:1 Ip A1:1 C420jpeg\n")
	for i := 0; i < frames; i++ {
		data = append(data, "FRAME\n"...)
		frame := make([]byte, I420Size(w, h))
		for j := range frame {
			frame[j] = byte(i)
		}
		data = append(data, frame...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for ; n > 0; n /= 10 {
		b = append([]byte{byte('0' + n%10)}, b...)
	}
	return string(b)
}

func TestY4MSource(t *testing.T) {
	path := writeY4M(t, 6, 4, 2)

	tests := []struct {
		name  string
		loop  bool
		reads int
		want  []byte // first luma byte per read; 0xFF marks exhaustion
	}{
		{"once", false, 3, []byte{0, 1, 0xFF}},
		{"loop", true, 5, []byte{0, 1, 0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := OpenY4MSource(path, tt.loop)
			if err != nil {
				t.Fatal(err)
			}
			defer src.Close()

			cfg := src.Config()
			if cfg.Width != 6 || cfg.Height != 4 || cfg.FPS != 30 {
				t.Fatalf("config = %+v", cfg)
			}
			for i := 0; i < tt.reads; i++ {
				frame, err := src.ReadFrame()
				if tt.want[i] == 0xFF {
					if err != ErrSourceExhausted {
						t.Fatalf("read %d: err = %v, want ErrSourceExhausted", i, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("read %d: %v", i, err)
				}
				if frame.Data[PlaneY][0] != tt.want[i] || frame.Data[PlaneV][5] != tt.want[i] {
					t.Errorf("read %d: got frame %d", i, frame.Data[PlaneY][0])
				}
			}
		})
	}
}

func TestY4MSource_BadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.y4m")
	if err := os.WriteFile(path, []byte("RIFF W6 H4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenY4MSource(path, false); err == nil {
		t.Fatal("expected error for non-Y4M input")
	}
}

func TestStampFrameNumber(t *testing.T) {
	frame := NewTestPatternSource(TestPatternConfig{Width: 64, Height: 16, Pattern: PatternSolidColor}).frame
	StampFrameNumber(frame, 0b1000000101)

	y, stride := frame.Data[PlaneY], frame.Stride[PlaneY]
	for b := 0; b < frameNumberBits; b++ {
		want := byte(0)
		if b == 0 || b == 2 || b == 9 {
			want = 0x80
		}
		for _, i := range []int{b * 2, b*2 + 1, stride + b*2, stride + b*2 + 1} {
			if y[i] != want {
				t.Errorf("bit %d: pixel %d = %#x, want %#x", b, i, y[i], want)
			}
		}
	}
}
