package mediaplugin

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackService(t *testing.T) *PluginService {
	t.Helper()
	svc, err := NewPluginService(context.Background(), ServiceConfig{
		PluginDir: "gmp-" + LoopbackPluginName,
		Launcher:  &InProcessLauncher{Loader: StaticLoader{}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func grayFrame(width, height int, luma byte, ts uint32) *VideoFrame {
	cw, ch := chromaSize(width), chromaSize(height)
	y := bytes.Repeat([]byte{luma}, width*height)
	return &VideoFrame{
		Data:      [][]byte{y, make([]byte, cw*ch), make([]byte, cw*ch)},
		Stride:    []int{width, cw, cw},
		Width:     width,
		Height:    height,
		Format:    PixelFormatI420,
		Timestamp: ts,
	}
}

type unitCollector struct {
	mu    sync.Mutex
	units []*EncodedFrame
}

func (c *unitCollector) Encoded(image *EncodedFrame, _ *CodecSpecificInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Units borrow the plugin buffer.
	c.units = append(c.units, image.Clone())
	return nil
}

func (c *unitCollector) take() []*EncodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.units
	c.units = nil
	return out
}

// annexB joins units back into one start-code delimited buffer.
func annexB(units []*EncodedFrame) []byte {
	var b []byte
	for _, u := range units {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u.Data...)
	}
	return b
}

func newEncoder(t *testing.T, svc *PluginService, width, height int) (*VideoEncoderAdapter, *unitCollector) {
	t.Helper()
	enc := NewVideoEncoderAdapter(svc)
	out := &unitCollector{}
	require.NoError(t, enc.RegisterEncodeCompleteCallback(out))
	settings := DefaultVideoCodecSettings(VideoCodecH264, width, height)
	require.NoError(t, enc.InitEncode(&settings, 1, 1200))
	require.Equal(t, AdapterReady, enc.State())
	return enc, out
}

func TestPluginServiceStartup(t *testing.T) {
	svc := newLoopbackService(t)
	assert.Equal(t, LoopbackPluginName, svc.PluginName())
	assert.NotEqual(t, [16]byte{}, [16]byte(svc.ID()))

	n, err := svc.ActorCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPluginServiceUnknownPlugin(t *testing.T) {
	_, err := NewPluginService(context.Background(), ServiceConfig{
		PluginDir: "gmp-missing",
		Launcher:  &InProcessLauncher{Loader: StaticLoader{}},
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestEncoderAdapterKeyFrame(t *testing.T) {
	svc := newLoopbackService(t)
	enc, out := newEncoder(t, svc, 640, 480)

	require.NoError(t, enc.Encode(grayFrame(640, 480, 100, 3000), nil, []FrameType{FrameTypeKey}))

	// Output is delivered before Encode returns.
	units := out.take()
	require.Len(t, units, 2)
	assert.Equal(t, byte(0x67), units[0].Data[0])
	assert.False(t, units[0].EndOfFrame)
	assert.Equal(t, byte(0x65), units[1].Data[0])
	assert.True(t, units[1].EndOfFrame)
	for _, u := range units {
		assert.Equal(t, FrameTypeKey, u.FrameType)
		assert.Equal(t, uint32(3000), u.Timestamp)
		assert.Equal(t, 640, u.EncodedWidth)
		assert.Equal(t, 480, u.EncodedHeight)
	}
	// One byte per 16x16 block after the header.
	assert.Len(t, units[1].Data, 1+40*30)

	stats := enc.Stats()
	assert.EqualValues(t, 1, stats.FramesEncoded)
	assert.EqualValues(t, 1, stats.KeyframesEncoded)
	assert.EqualValues(t, 2, stats.UnitsEmitted)
	assert.Zero(t, stats.FramingErrors)
	assert.Equal(t, AdapterReady, enc.State())
}

func TestEncoderAdapterDeltaFrame(t *testing.T) {
	svc := newLoopbackService(t)
	enc, out := newEncoder(t, svc, 64, 48)

	require.NoError(t, enc.Encode(grayFrame(64, 48, 10, 0), nil, []FrameType{FrameTypeKey}))
	out.take()
	require.NoError(t, enc.Encode(grayFrame(64, 48, 10, 3000), nil, []FrameType{FrameTypeDelta}))

	units := out.take()
	require.Len(t, units, 1)
	assert.Equal(t, byte(0x41), units[0].Data[0])
	assert.Equal(t, FrameTypeDelta, units[0].FrameType)
	assert.True(t, units[0].EndOfFrame)
	assert.EqualValues(t, 1, enc.Stats().KeyframesEncoded)
}

func TestEncoderAdapterReinitReplacesActor(t *testing.T) {
	svc := newLoopbackService(t)
	enc, _ := newEncoder(t, svc, 64, 48)

	settings := DefaultVideoCodecSettings(VideoCodecH264, 128, 96)
	require.NoError(t, enc.InitEncode(&settings, 1, 1200))

	n, err := svc.ActorCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, enc.Release())
	assert.Equal(t, AdapterReleased, enc.State())
	n, err = svc.ActorCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	err = enc.Encode(grayFrame(128, 96, 0, 0), nil, []FrameType{FrameTypeKey})
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestEncoderAdapterRejectsUnsupportedCodec(t *testing.T) {
	svc := newLoopbackService(t)
	enc := NewVideoEncoderAdapter(svc)
	settings := DefaultVideoCodecSettings(VideoCodecVP8, 64, 48)

	err := enc.InitEncode(&settings, 1, 1200)
	assert.ErrorIs(t, err, ErrCodec)
	assert.Equal(t, AdapterUninitialized, enc.State())

	n, err := svc.ActorCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEncoderAdapterNotInitialized(t *testing.T) {
	svc := newLoopbackService(t)
	enc := NewVideoEncoderAdapter(svc)
	err := enc.Encode(grayFrame(16, 16, 0, 0), nil, nil)
	assert.ErrorIs(t, err, ErrUninitialized)
	assert.Error(t, enc.SetRates(500, 30))
}

func TestEncoderAdapterUnknownFrameTypePanics(t *testing.T) {
	svc := newLoopbackService(t)
	enc, _ := newEncoder(t, svc, 16, 16)
	assert.Panics(t, func() {
		_ = enc.Encode(grayFrame(16, 16, 0, 0), nil, []FrameType{FrameType(42)})
	})
	assert.Equal(t, AdapterReady, enc.State())
}

func TestEncoderAdapterRates(t *testing.T) {
	svc := newLoopbackService(t)
	enc, _ := newEncoder(t, svc, 16, 16)
	assert.NoError(t, enc.SetRates(800, 25))
	assert.NoError(t, enc.SetChannelParameters(5, 40))

	// The plugin's answer comes back as an error.
	err := enc.SetRates(800, 0)
	assert.ErrorIs(t, err, ErrCodec)
	var pe *PluginError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, StatusInvalidArg, pe.Status)
}

type frameCollector struct {
	mu     sync.Mutex
	frames []*VideoFrame
}

func (c *frameCollector) Decoded(frame *VideoFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func TestDecoderAdapterRoundTrip(t *testing.T) {
	svc := newLoopbackService(t)
	enc, out := newEncoder(t, svc, 64, 48)

	dec := NewVideoDecoderAdapter(svc)
	decoded := &frameCollector{}
	require.NoError(t, dec.RegisterDecodeCompleteCallback(decoded))
	settings := VideoCodecSettings{Codec: VideoCodecH264}
	require.NoError(t, dec.InitDecode(&settings, 1))

	require.NoError(t, enc.Encode(grayFrame(64, 48, 100, 9000), nil, []FrameType{FrameTypeKey}))
	units := out.take()
	key := &EncodedFrame{Data: annexB(units), FrameType: FrameTypeKey, Timestamp: 9000, CompleteFrame: true}
	require.NoError(t, dec.Decode(key, false, nil, 1234))

	require.Len(t, decoded.frames, 1)
	f := decoded.frames[0]
	assert.Equal(t, 64, f.Width)
	assert.Equal(t, 48, f.Height)
	assert.Equal(t, uint32(9000), f.Timestamp)
	assert.Equal(t, int64(1234), f.RenderTimeMs)
	assert.Equal(t, byte(100), f.Data[PlaneY][0])
	assert.Equal(t, byte(128), f.Data[PlaneU][0])

	stats := dec.Stats()
	assert.EqualValues(t, 1, stats.FramesDecoded)
	assert.EqualValues(t, 1, stats.FramesOutput)
	assert.EqualValues(t, len(key.Data), stats.BytesDecoded)

	n, err := svc.ActorCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, dec.Reset())
	require.NoError(t, dec.Release())
	assert.Equal(t, AdapterReleased, dec.State())
}

func TestDecoderAdapterDeltaBeforeKey(t *testing.T) {
	svc := newLoopbackService(t)
	dec := NewVideoDecoderAdapter(svc)
	decoded := &frameCollector{}
	require.NoError(t, dec.RegisterDecodeCompleteCallback(decoded))
	settings := VideoCodecSettings{Codec: VideoCodecH264}
	require.NoError(t, dec.InitDecode(&settings, 1))

	delta := &EncodedFrame{Data: []byte{0, 0, 0, 1, 0x41, 0x40}, FrameType: FrameTypeDelta}
	require.NoError(t, dec.Decode(delta, true, nil, 0))
	assert.Empty(t, decoded.frames)
	assert.Zero(t, dec.Stats().FramesOutput)
}

func TestPluginServiceClosed(t *testing.T) {
	svc := newLoopbackService(t)
	enc, _ := newEncoder(t, svc, 16, 16)

	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	_, err := svc.Thread()
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	err = enc.Encode(grayFrame(16, 16, 0, 0), nil, []FrameType{FrameTypeKey})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	settings := DefaultVideoCodecSettings(VideoCodecH264, 16, 16)
	assert.ErrorIs(t, enc.InitEncode(&settings, 1, 1200), ErrServiceUnavailable)
	assert.NoError(t, enc.Release())
}

func TestPluginServiceHostDeath(t *testing.T) {
	svc := newLoopbackService(t)
	enc, _ := newEncoder(t, svc, 16, 16)

	require.NoError(t, svc.proc.Kill())
	require.Eventually(t, func() bool {
		dead, err := RunSyncValue(svc.worker, func() (bool, error) { return svc.dead != nil, nil })
		return err == nil && dead
	}, 5*time.Second, 5*time.Millisecond)

	err := enc.Encode(grayFrame(16, 16, 0, 0), nil, []FrameType{FrameTypeKey})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

// queueTransport delivers packets to a receiving conduit from its own
// goroutine, off the codec worker.
type queueTransport struct {
	receiver *VideoConduit
	sender   *VideoConduit
	packets  chan []byte
	rtcp     [][]byte
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func newQueueTransport(receiver *VideoConduit) *queueTransport {
	t := &queueTransport{receiver: receiver, packets: make(chan []byte, 256)}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for p := range t.packets {
			_ = t.receiver.ReceivedRTPPacket(p)
		}
	}()
	return t
}

func (t *queueTransport) SendRTPPacket(data []byte) error {
	t.packets <- append([]byte(nil), data...)
	return nil
}

func (t *queueTransport) SendRTCPPacket(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtcp = append(t.rtcp, data)
	return nil
}

func (t *queueTransport) drain() {
	close(t.packets)
	t.wg.Wait()
}

type countingRenderer struct {
	mu       sync.Mutex
	resizes  [][2]int
	rendered int
}

func (r *countingRenderer) FrameSizeChange(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resizes = append(r.resizes, [2]int{width, height})
}

func (r *countingRenderer) RenderVideoFrame(*VideoFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered++
}

func TestConduitLoopback(t *testing.T) {
	svc := newLoopbackService(t)
	config := NewVideoCodecConfig(VideoCodecH264, 126)

	receiver := NewVideoConduit(0)
	renderer := &countingRenderer{}
	receiver.AttachRenderer(renderer)
	require.NoError(t, receiver.SetExternalRecvCodec(config, NewVideoDecoderAdapter(svc)))
	require.NoError(t, receiver.ConfigureRecvMediaCodecs([]*VideoCodecConfig{NewVideoCodecConfig(VideoCodecVP8, 120), config}))

	sender := NewVideoConduit(0x1234)
	transport := newQueueTransport(receiver)
	sender.AttachTransport(transport)
	receiver.AttachTransport(transport)
	require.NoError(t, sender.SetExternalSendCodec(config, NewVideoEncoderAdapter(svc)))
	require.NoError(t, sender.ConfigureSendMediaCodec(config, DefaultVideoCodecSettings(VideoCodecH264, 640, 480)))

	const frames = 5
	for i := 0; i < frames; i++ {
		require.NoError(t, sender.SendVideoFrame(grayFrame(640, 480, byte(20*i), uint32(i*3000))))
	}
	transport.drain()

	sent := sender.Stats()
	assert.EqualValues(t, frames, sent.FramesSent)
	// The 640x480 key frame picture unit exceeds the MTU.
	assert.Greater(t, sent.PacketsSent, uint64(frames+1))

	got := receiver.Stats()
	assert.EqualValues(t, sent.PacketsSent, got.PacketsReceived)
	assert.EqualValues(t, frames, got.FramesReceived)
	assert.EqualValues(t, frames, got.FramesRendered)
	assert.Equal(t, frames, renderer.rendered)
	assert.Equal(t, [][2]int{{640, 480}}, renderer.resizes)

	require.NoError(t, sender.Close())
	require.NoError(t, receiver.Close())
}

func TestConduitPictureLossRequestsKeyframe(t *testing.T) {
	sender := NewVideoConduit(0x1234)
	receiver := NewVideoConduit(0x5678)
	transport := &queueTransport{}
	receiver.AttachTransport(transport)

	require.NoError(t, receiver.SendPictureLossIndication(sender.SSRC()))
	require.Len(t, transport.rtcp, 1)
	pkts, err := rtcp.Unmarshal(transport.rtcp[0])
	require.NoError(t, err)
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1234), pli.MediaSSRC)
	assert.Equal(t, uint32(0x5678), pli.SenderSSRC)

	require.NoError(t, sender.ReceivedRTCPPacket(transport.rtcp[0]))
	assert.EqualValues(t, 1, sender.Stats().KeyframeRequests)
	assert.Error(t, sender.ReceivedRTCPPacket([]byte{1, 2}))
}

func TestConduitNotConfigured(t *testing.T) {
	c := NewVideoConduit(0)
	assert.ErrorIs(t, c.SendVideoFrame(grayFrame(16, 16, 0, 0)), ErrUninitialized)
	assert.Error(t, c.ConfigureSendMediaCodec(NewVideoCodecConfig(VideoCodecH264, 126), VideoCodecSettings{}))
	assert.Error(t, c.ConfigureRecvMediaCodecs([]*VideoCodecConfig{NewVideoCodecConfig(VideoCodecH264, 126)}))
}
