package mediaplugin

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// benchmarkPayloadType is the payload type both conduits negotiate.
const benchmarkPayloadType = 124

// BenchmarkConfig configures a BenchmarkSession.
type BenchmarkConfig struct {
	// InputFile is a YUV4MPEG2 file. Empty uses a moving test pattern of
	// Width x Height.
	InputFile string
	Loop      bool
	Width     int
	Height    int
	// ScaleInput resamples InputFile frames to Width x Height.
	ScaleInput bool
	ScaleMode  ScaleMode

	// FrameRate paces the send loop. Zero sends as fast as frames encode.
	FrameRate int
	// Frames stops the run after this many frames. Zero runs until the
	// source is exhausted.
	Frames int
	// StartBitrate is in kbps.
	StartBitrate uint32

	// Receive decodes the stream through a second conduit.
	Receive bool
	// EncodingFile, if set, receives every RTP packet prefixed by its length
	// as a big-endian uint32.
	EncodingFile string

	PluginDir string
	Launcher  Launcher

	// Report receives the tab-separated per-frame table. Nil discards it.
	Report io.Writer
	Clock  clock.Clock
}

// DefaultBenchmarkConfig returns a 30 fps, 300 frame VGA test-pattern run
// against the built-in loopback plugin.
func DefaultBenchmarkConfig() BenchmarkConfig {
	return BenchmarkConfig{
		Width:        640,
		Height:       480,
		FrameRate:    30,
		Frames:       300,
		StartBitrate: 500,
		Receive:      true,
		PluginDir:    pluginDirPrefix + LoopbackPluginName,
	}
}

// FrameReport is one row of the benchmark table.
type FrameReport struct {
	Frame      uint64
	ProcTime   time.Duration
	UserTime   time.Duration
	SystemTime time.Duration
	// Backlog is the number of frames sent but not yet rendered.
	Backlog int64
}

// BenchmarkResult summarizes a run.
type BenchmarkResult struct {
	FramesSent     uint64
	FramesRendered uint64
	PacketsSent    uint64
	BytesSent      uint64
	Overruns       uint64 // frames that took longer than the frame interval
	ProcTime       time.Duration
	UserTime       time.Duration
	SystemTime     time.Duration
	Elapsed        time.Duration
	Frames         []FrameReport
}

// BenchmarkSession pushes frames from a source through an encoding conduit,
// an in-memory transport and optionally a decoding conduit, measuring how
// long each frame takes and how many are still in flight.
type BenchmarkSession struct {
	config BenchmarkConfig
	log    logging.LeveledLogger
	clock  clock.Clock
	proc   *process.Process

	source    VideoSource
	service   *PluginService
	sender    *VideoConduit
	receiver  *VideoConduit
	transport *loopbackTransport

	outstanding atomic.Int64
	rendered    atomic.Uint64
}

// NewBenchmarkSession opens the source, starts the plugin service and
// configures both conduits.
func NewBenchmarkSession(ctx context.Context, config BenchmarkConfig) (_ *BenchmarkSession, err error) {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Report == nil {
		config.Report = io.Discard
	}
	if config.StartBitrate == 0 {
		config.StartBitrate = 500
	}

	s := &BenchmarkSession{
		config: config,
		log:    mlog.NewLogger("benchmark"),
		clock:  config.Clock,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	if s.proc, err = process.NewProcessWithContext(ctx, int32(os.Getpid())); err != nil {
		return nil, fmt.Errorf("inspect own process: %w", err)
	}

	if config.InputFile != "" {
		if s.source, err = OpenY4MSource(config.InputFile, config.Loop); err != nil {
			return nil, err
		}
		if config.ScaleInput {
			scaled, serr := NewScaledSource(s.source, config.Width, config.Height, config.ScaleMode)
			if serr != nil {
				return nil, serr
			}
			s.source = scaled
		}
	} else {
		s.source = NewTestPatternSource(TestPatternConfig{
			Width:    config.Width,
			Height:   config.Height,
			FPS:      config.FrameRate,
			Pattern:  PatternMovingBox,
			Animated: true,
		})
	}

	svcConfig := DefaultServiceConfig(config.PluginDir)
	svcConfig.Launcher = config.Launcher
	if s.service, err = NewPluginService(ctx, svcConfig); err != nil {
		return nil, err
	}

	s.sender = NewVideoConduit(0)
	codec := NewVideoCodecConfig(VideoCodecH264, benchmarkPayloadType)
	if err = s.sender.SetExternalSendCodec(codec, NewVideoEncoderAdapter(s.service)); err != nil {
		return nil, err
	}

	var dump io.WriteCloser
	if config.EncodingFile != "" {
		f, ferr := os.Create(config.EncodingFile)
		if ferr != nil {
			return nil, ferr
		}
		dump = f
		s.log.Infof("writing RTP to %s", config.EncodingFile)
	}
	s.transport = newLoopbackTransport(dump)
	s.sender.AttachTransport(s.transport)

	if config.Receive {
		s.receiver = NewVideoConduit(0)
		if err = s.receiver.SetExternalRecvCodec(codec, NewVideoDecoderAdapter(s.service)); err != nil {
			return nil, err
		}
		s.receiver.AttachRenderer(s)
		s.receiver.AttachTransport(rtcpOnlyTransport{s.sender})
		if err = s.receiver.ConfigureRecvMediaCodecs([]*VideoCodecConfig{
			NewVideoCodecConfig(VideoCodecVP8, 120),
			codec,
		}); err != nil {
			return nil, err
		}
		s.transport.receiver = s.receiver
	}

	src := s.source.Config()
	settings := VideoCodecSettings{
		Width:        src.Width,
		Height:       src.Height,
		StartBitrate: config.StartBitrate,
		MaxBitrate:   config.StartBitrate * 2,
		MaxFramerate: uint32(max(config.FrameRate, 1)),
	}
	if err = s.sender.ConfigureSendMediaCodec(codec, settings); err != nil {
		return nil, err
	}
	return s, nil
}

// Run sends frames until the configured count is reached, the source runs
// out or ctx is cancelled, then waits for the transport to drain.
func (s *BenchmarkSession) Run(ctx context.Context) (*BenchmarkResult, error) {
	src := s.source.Config()
	s.log.Infof("running benchmark: %dx%d, %d fps, %d frames", src.Width, src.Height, s.config.FrameRate, s.config.Frames)
	fmt.Fprintln(s.config.Report, "Frame\tProc.Time\tUser.Time\tSystem.Time\tBacklog")

	result := &BenchmarkResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.transport.pump(gctx)
	})
	g.Go(func() error {
		defer s.transport.finish()
		return s.sendLoop(gctx, result)
	})
	err := g.Wait()

	stats := s.sender.Stats()
	result.PacketsSent = stats.PacketsSent
	result.BytesSent = stats.BytesSent
	result.FramesRendered = s.rendered.Load()
	s.log.Infof("sent %d frames in %v, %d rendered, %d overruns", result.FramesSent, result.Elapsed, result.FramesRendered, result.Overruns)
	return result, err
}

func (s *BenchmarkSession) sendLoop(ctx context.Context, result *BenchmarkResult) error {
	var interval time.Duration
	if s.config.FrameRate > 0 {
		interval = time.Second / time.Duration(s.config.FrameRate)
	}
	utime, stime, err := s.cpuTimes()
	if err != nil {
		return err
	}
	start := s.clock.Now()
	defer func() { result.Elapsed = s.clock.Since(start) }()

	for n := uint64(0); s.config.Frames <= 0 || n < uint64(s.config.Frames); n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t0 := s.clock.Now()

		frame, err := s.source.ReadFrame()
		if errors.Is(err, ErrSourceExhausted) {
			s.log.Infof("no more data after %d frames", n)
			return nil
		}
		if err != nil {
			return err
		}
		StampFrameNumber(frame, n)

		s.outstanding.Add(1)
		p0 := s.clock.Now()
		if err := s.sender.SendVideoFrame(frame); err != nil {
			s.log.Errorf("send frame %d: %v", n, err)
		}
		proc := s.clock.Since(p0)

		ut, st, err := s.cpuTimes()
		if err != nil {
			return err
		}
		row := FrameReport{
			Frame:      n,
			ProcTime:   proc,
			UserTime:   ut - utime,
			SystemTime: st - stime,
			Backlog:    s.outstanding.Load(),
		}
		utime, stime = ut, st
		fmt.Fprintf(s.config.Report, "%d\t%d\t%d\t%d\t%d\n",
			row.Frame, row.ProcTime.Microseconds(), row.UserTime.Microseconds(), row.SystemTime.Microseconds(), row.Backlog)

		result.Frames = append(result.Frames, row)
		result.FramesSent++
		result.ProcTime += row.ProcTime
		result.UserTime += row.UserTime
		result.SystemTime += row.SystemTime

		if interval == 0 {
			continue
		}
		if elapsed := s.clock.Since(t0); elapsed > interval {
			result.Overruns++
			s.log.Warnf("frame %d took %v, longer than the %v frame interval", n, elapsed, interval)
		} else {
			s.clock.Sleep(interval - elapsed)
		}
	}
	return nil
}

// cpuTimes returns this process's user and system CPU time.
func (s *BenchmarkSession) cpuTimes() (user, system time.Duration, err error) {
	t, err := s.proc.Times()
	if err != nil {
		return 0, 0, fmt.Errorf("cpu times: %w", err)
	}
	return time.Duration(t.User * float64(time.Second)), time.Duration(t.System * float64(time.Second)), nil
}

// Backlog returns the number of frames sent but not yet rendered.
func (s *BenchmarkSession) Backlog() int64 { return s.outstanding.Load() }

// FrameSizeChange implements VideoRenderer.
func (s *BenchmarkSession) FrameSizeChange(width, height int) {
	s.log.Infof("receive frame size %dx%d", width, height)
}

// RenderVideoFrame implements VideoRenderer.
func (s *BenchmarkSession) RenderVideoFrame(frame *VideoFrame) {
	s.outstanding.Add(-1)
	s.rendered.Add(1)
	s.log.Tracef("rendered frame ts=%d", frame.Timestamp)
}

// Close releases the conduits, the plugin service and the source.
func (s *BenchmarkSession) Close() error {
	var errs error
	if s.sender != nil {
		errs = multierr.Append(errs, s.sender.Close())
	}
	if s.receiver != nil {
		errs = multierr.Append(errs, s.receiver.Close())
	}
	if s.transport != nil {
		errs = multierr.Append(errs, s.transport.Close())
	}
	if s.service != nil {
		errs = multierr.Append(errs, s.service.Close())
	}
	if s.source != nil {
		errs = multierr.Append(errs, s.source.Close())
	}
	return errs
}

// loopbackTransport queues packets from the sending conduit and delivers
// them to the receiving conduit on its own goroutine. The sender calls
// SendRTPPacket on the codec worker, where a synchronous decode would
// deadlock.
type loopbackTransport struct {
	queue    chan []byte
	done     chan struct{}
	receiver *VideoConduit

	dumpMu sync.Mutex
	dump   io.WriteCloser

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newLoopbackTransport(dump io.WriteCloser) *loopbackTransport {
	return &loopbackTransport{
		queue: make(chan []byte, 1024),
		done:  make(chan struct{}),
		dump:  dump,
	}
}

// SendRTPPacket implements Transport.
func (t *loopbackTransport) SendRTPPacket(data []byte) error {
	if err := t.writeDump(data); err != nil {
		return err
	}
	if t.receiver == nil {
		return nil
	}
	select {
	case t.queue <- append([]byte(nil), data...):
		return nil
	case <-t.done:
		return ErrChannelClosed
	}
}

// SendRTCPPacket implements Transport.
func (t *loopbackTransport) SendRTCPPacket(data []byte) error {
	if t.receiver == nil {
		return nil
	}
	return t.receiver.ReceivedRTCPPacket(data)
}

func (t *loopbackTransport) writeDump(data []byte) error {
	t.dumpMu.Lock()
	defer t.dumpMu.Unlock()
	if t.dump == nil {
		return nil
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := t.dump.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.dump.Write(data)
	return err
}

// pump delivers queued packets until finish is called and the queue is
// empty, or ctx is done.
func (t *loopbackTransport) pump(ctx context.Context) error {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-t.queue:
			if !ok {
				return nil
			}
			if err := t.receiver.ReceivedRTPPacket(data); err != nil {
				t.receiver.log.Warnf("loopback receive: %v", err)
			}
		}
	}
}

// finish closes the queue once the sender is done with it.
func (t *loopbackTransport) finish() {
	t.finishOnce.Do(func() { close(t.queue) })
}

func (t *loopbackTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.dumpMu.Lock()
		defer t.dumpMu.Unlock()
		if t.dump != nil {
			err = t.dump.Close()
			t.dump = nil
		}
	})
	return err
}

// rtcpOnlyTransport carries the receiving conduit's feedback back to the
// sender. The receiver never sends RTP.
type rtcpOnlyTransport struct {
	sender *VideoConduit
}

func (t rtcpOnlyTransport) SendRTPPacket([]byte) error { return nil }

func (t rtcpOnlyTransport) SendRTCPPacket(data []byte) error {
	return t.sender.ReceivedRTCPPacket(data)
}
