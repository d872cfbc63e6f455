package mediaplugin

import (
	"testing"
)

func TestVideoCodec_String(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "VP8"},
		{VideoCodecVP9, "VP9"},
		{VideoCodecH264, "H264"},
		{VideoCodecAV1, "AV1"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.codec.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_MimeType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "video/VP8"},
		{VideoCodecVP9, "video/VP9"},
		{VideoCodecH264, "video/H264"},
		{VideoCodecAV1, "video/AV1"},
		{VideoCodecUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.MimeType(); got != tt.want {
				t.Errorf("MimeType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVideoCodec_ClockRate(t *testing.T) {
	codecs := []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1}

	for _, codec := range codecs {
		t.Run(codec.String(), func(t *testing.T) {
			if got := codec.ClockRate(); got != 90000 {
				t.Errorf("ClockRate() = %v, want 90000", got)
			}
		})
	}
}

func TestVideoCodec_DefaultPayloadType(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  uint8
	}{
		{VideoCodecVP8, 96},
		{VideoCodecVP9, 98},
		{VideoCodecH264, 102},
		{VideoCodecAV1, 35},
		{VideoCodecUnknown, 96},
	}

	for _, tt := range tests {
		t.Run(tt.codec.String(), func(t *testing.T) {
			if got := tt.codec.DefaultPayloadType(); got != tt.want {
				t.Errorf("DefaultPayloadType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescriptorFromSettings(t *testing.T) {
	settings := DefaultVideoCodecSettings(VideoCodecH264, 640, 480)
	d := descriptorFromSettings(&settings)

	want := CodecDescriptor{
		Codec:        VideoCodecH264,
		Width:        640,
		Height:       480,
		StartBitrate: 500,
		MinBitrate:   100,
		MaxBitrate:   2000,
		MaxFramerate: 30,
	}
	if d != want {
		t.Errorf("descriptorFromSettings() = %+v, want %+v", d, want)
	}
}

func TestVideoCodecConfig_Codec(t *testing.T) {
	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9, VideoCodecH264, VideoCodecAV1} {
		t.Run(codec.String(), func(t *testing.T) {
			c := NewVideoCodecConfig(codec, 100)
			if got := c.Codec(); got != codec {
				t.Errorf("Codec() = %v, want %v", got, codec)
			}
			if c.Capability.ClockRate != 90000 {
				t.Errorf("ClockRate = %d, want 90000", c.Capability.ClockRate)
			}
		})
	}

	c := NewVideoCodecConfig(VideoCodecH264, 124)
	c.Capability.MimeType = "video/h264"
	if got := c.Codec(); got != VideoCodecH264 {
		t.Errorf("case-insensitive Codec() = %v, want H264", got)
	}
	if c.Capability.SDPFmtpLine == "" {
		t.Error("H264 config has no fmtp line")
	}
}
