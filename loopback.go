package mediaplugin

import (
	"fmt"
	"sync/atomic"
)

// LoopbackPluginName is the name of the built-in Go plugin. A plugin
// directory named "gmp-loopback" (or "loopback") selects it.
const LoopbackPluginName = "loopback"

func init() {
	RegisterPlugin(LoopbackPluginName, func() Plugin { return &loopbackPlugin{} })
}

// The loopback codec is a deliberately lossy stand-in for H.264. A key
// frame is an SPS-style unit carrying the picture size followed by an IDR
// unit; a delta frame is a single non-IDR unit. Picture units hold one byte
// per 16x16 block: the block's mean luma, halved and offset by 0x40. Every
// payload byte is >= 0x40, so no start code can appear inside a unit.
const (
	loopbackBlock       = 16
	loopbackLumaOffset  = 0x40
	loopbackKeyInterval = 60

	loopbackSPSHeader   = 0x60 | nalTypeSPS
	loopbackIDRHeader   = 0x60 | nalTypeIDR
	loopbackSliceHeader = 0x40 | nalTypeSlice
)

type loopbackPlugin struct {
	platform *PlatformCapabilities
	// Codec objects handed out and not yet completed.
	live atomic.Int32
}

func (p *loopbackPlugin) Init(platform *PlatformCapabilities) error {
	p.platform = platform
	return nil
}

func (p *loopbackPlugin) GetAPI(tag string, host *FrameHost) (any, error) {
	switch tag {
	case APITagEncodeVideo:
		p.live.Add(1)
		return &loopbackEncoder{plugin: p, host: host}, nil
	case APITagDecodeVideo:
		p.live.Add(1)
		return &loopbackDecoder{plugin: p, host: host}, nil
	default:
		return nil, &PluginError{Status: StatusNotSupported, Message: "api " + tag}
	}
}

func (p *loopbackPlugin) Shutdown() {}

func loopbackBlocks(width, height int) (cols, rows int) {
	return (width + loopbackBlock - 1) / loopbackBlock, (height + loopbackBlock - 1) / loopbackBlock
}

// appendNibbles writes v as four bytes, one nibble each, offset by 0x40.
func appendNibbles(b []byte, v uint16) []byte {
	return append(b,
		loopbackLumaOffset|byte(v>>12&0xF),
		loopbackLumaOffset|byte(v>>8&0xF),
		loopbackLumaOffset|byte(v>>4&0xF),
		loopbackLumaOffset|byte(v&0xF),
	)
}

func readNibbles(b []byte) uint16 {
	var v uint16
	for _, c := range b[:4] {
		v = v<<4 | uint16(c&0xF)
	}
	return v
}

type loopbackEncoder struct {
	plugin   *loopbackPlugin
	host     *FrameHost
	callback EncoderCallback
	codec    CodecDescriptor

	frames    uint64
	bitrate   uint32
	frameRate uint32
	rtt       int64
}

func (e *loopbackEncoder) InitEncode(codec CodecDescriptor, callback EncoderCallback, _ int, _ uint32) error {
	if codec.Codec != VideoCodecH264 && codec.Codec != VideoCodecUnknown {
		return &PluginError{Status: StatusNotSupported, Message: codec.Codec.String()}
	}
	if codec.Width == 0 || codec.Height == 0 || codec.Width > 0xFFFF || codec.Height > 0xFFFF {
		return &PluginError{Status: StatusInvalidArg, Message: fmt.Sprintf("size %dx%d", codec.Width, codec.Height)}
	}
	if callback == nil {
		return &PluginError{Status: StatusInvalidArg, Message: "no callback"}
	}
	e.codec = codec
	e.callback = callback
	e.bitrate = codec.StartBitrate
	e.frameRate = codec.MaxFramerate
	e.frames = 0
	return nil
}

func (e *loopbackEncoder) Encode(frame *I420Frame, info CodecSpecificInfo, frameTypes []PluginFrameType) error {
	defer frame.Destroy()
	if e.callback == nil {
		return &PluginError{Status: StatusGenericErr, Message: "encoder not initialized"}
	}

	key := e.frames%loopbackKeyInterval == 0
	for _, ft := range frameTypes {
		if ft == PluginKeyFrame {
			key = true
		}
	}
	e.frames++

	w, h := frame.Width(), frame.Height()
	cols, rows := loopbackBlocks(w, h)
	buf := make([]byte, 0, 16+cols*rows)
	header := byte(loopbackSliceHeader)
	if key {
		buf = append(buf, 0, 0, 0, 1, loopbackSPSHeader)
		buf = appendNibbles(buf, uint16(w))
		buf = appendNibbles(buf, uint16(h))
		header = loopbackIDRHeader
	}
	buf = append(buf, 0, 0, 0, 1, header)

	luma, stride := frame.Buffer(PlaneY), frame.Stride(PlaneY)
	for by := 0; by < rows; by++ {
		for bx := 0; bx < cols; bx++ {
			var sum, n int
			for y := by * loopbackBlock; y < min((by+1)*loopbackBlock, h); y++ {
				row := luma[y*stride:]
				for x := bx * loopbackBlock; x < min((bx+1)*loopbackBlock, w); x++ {
					sum += int(row[x])
					n++
				}
			}
			buf = append(buf, loopbackLumaOffset+byte(sum/n/2))
		}
	}

	out := e.host.CreateEncodedFrame()
	if err := out.CreateEmptyFrame(len(buf)); err != nil {
		out.Destroy()
		return err
	}
	copy(out.Buffer(), buf)
	out.SetTimestamp(frame.Timestamp())
	out.SetEncodedWidth(uint32(w))
	out.SetEncodedHeight(uint32(h))
	out.SetCompleteFrame(true)
	if key {
		out.SetFrameType(PluginKeyFrame)
	} else {
		out.SetFrameType(PluginDeltaFrame)
	}
	info.Codec = VideoCodecH264
	e.callback.Encoded(out, info)
	return nil
}

func (e *loopbackEncoder) SetChannelParameters(_ uint32, rtt int64) error {
	e.rtt = rtt
	return nil
}

func (e *loopbackEncoder) SetRates(bitrate, frameRate uint32) error {
	if frameRate == 0 {
		return &PluginError{Status: StatusInvalidArg, Message: "zero frame rate"}
	}
	e.bitrate, e.frameRate = bitrate, frameRate
	return nil
}

func (e *loopbackEncoder) EncodingComplete() {
	e.callback = nil
	e.plugin.live.Add(-1)
}

type loopbackDecoder struct {
	plugin   *loopbackPlugin
	host     *FrameHost
	callback DecoderCallback

	width, height int
	pictures      uint64
}

func (d *loopbackDecoder) InitDecode(_ CodecDescriptor, callback DecoderCallback, _ int) error {
	if callback == nil {
		return &PluginError{Status: StatusInvalidArg, Message: "no callback"}
	}
	d.callback = callback
	d.width, d.height = 0, 0
	return nil
}

func (d *loopbackDecoder) Decode(frame *EncodedVideoFrame, _ bool, _ CodecSpecificInfo, renderTimeMs int64) error {
	defer frame.Destroy()
	if d.callback == nil {
		return &PluginError{Status: StatusGenericErr, Message: "decoder not initialized"}
	}
	units, err := SplitAnnexB(frame.Buffer())
	if err != nil {
		return &PluginError{Status: StatusInvalidArg, Message: err.Error()}
	}

	decoded := false
	for _, nal := range units {
		switch nalType(nal) {
		case nalTypeSPS:
			if len(nal) < 9 {
				return &PluginError{Status: StatusInvalidArg, Message: "short parameter set"}
			}
			d.width, d.height = int(readNibbles(nal[1:5])), int(readNibbles(nal[5:9]))
		case nalTypeIDR, nalTypeSlice:
			if d.width == 0 {
				// No parameter set seen yet; wait for a key frame.
				continue
			}
			if err := d.output(nal[1:], frame.Timestamp(), renderTimeMs, nalType(nal) == nalTypeIDR); err != nil {
				return err
			}
			decoded = true
		}
	}
	if !decoded {
		d.callback.InputDataExhausted()
	}
	return nil
}

func (d *loopbackDecoder) output(blocks []byte, ts uint32, renderTimeMs int64, key bool) error {
	cols, rows := loopbackBlocks(d.width, d.height)
	if len(blocks) < cols*rows {
		return &PluginError{Status: StatusInvalidArg, Message: fmt.Sprintf("picture holds %d blocks, need %d", len(blocks), cols*rows)}
	}

	cw := chromaSize(d.width)
	out := d.host.CreateI420Frame()
	if err := out.CreateEmptyFrame(d.width, d.height, [3]int{d.width, cw, cw}); err != nil {
		out.Destroy()
		return err
	}
	luma := out.Buffer(PlaneY)
	for y := 0; y < d.height; y++ {
		row := luma[y*d.width : (y+1)*d.width]
		bline := blocks[(y/loopbackBlock)*cols:]
		for x := range row {
			row[x] = (bline[x/loopbackBlock] - loopbackLumaOffset) * 2
		}
	}
	for _, p := range []Plane{PlaneU, PlaneV} {
		chroma := out.Buffer(p)
		for i := range chroma {
			chroma[i] = 128
		}
	}
	out.SetTimestamp(ts)
	out.SetRenderTimeMs(renderTimeMs)

	d.pictures++
	d.callback.Decoded(out)
	if key {
		d.callback.ReceivedDecodedReferenceFrame(d.pictures)
	}
	d.callback.ReceivedDecodedFrame(d.pictures)
	return nil
}

func (d *loopbackDecoder) Reset() error { return nil }

func (d *loopbackDecoder) Drain() error {
	if d.callback != nil {
		d.callback.InputDataExhausted()
	}
	return nil
}

func (d *loopbackDecoder) DecodingComplete() {
	d.callback = nil
	d.plugin.live.Add(-1)
}
