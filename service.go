package mediaplugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"go.uber.org/multierr"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// ServiceConfig configures a PluginService.
type ServiceConfig struct {
	// PluginDir is passed to the plugin host; see PluginName.
	PluginDir string
	// Launcher starts the plugin host. Defaults to a ProcessLauncher for
	// DefaultHostBinary.
	Launcher Launcher
	// NumCores is forwarded to the plugin on InitEncode/InitDecode when the
	// caller passes zero.
	NumCores int
}

// DefaultServiceConfig returns a configuration that spawns the plugin host
// binary for the plugin in dir.
func DefaultServiceConfig(dir string) ServiceConfig {
	return ServiceConfig{
		PluginDir: dir,
		NumCores:  1,
	}
}

type pendingCall struct {
	done  chan struct{}
	reply *Message
	err   error
}

// remoteActor is the host-side proxy registry entry.
type remoteActor interface {
	deliver(m *Message)
	detach()
}

// PluginService owns one isolated plugin process and the worker goroutine
// through which every adapter talks to it. Fields below the worker are
// confined to it.
type PluginService struct {
	id     uuid.UUID
	config ServiceConfig
	log    logging.LeveledLogger
	proc   Process
	ch     *Channel
	worker *Worker
	plugin string

	closing atomic.Bool
	readers sync.WaitGroup

	seq     uint64
	pending map[uint64]*pendingCall
	proxies map[ActorID]remoteActor
	dead    error
}

// NewPluginService launches the plugin host and waits for it to report the
// plugin loaded. Failure to do so returns ErrServiceUnavailable. For a
// ProcessLauncher, cancelling ctx kills the plugin host.
func NewPluginService(ctx context.Context, config ServiceConfig) (*PluginService, error) {
	if config.Launcher == nil {
		config.Launcher = &ProcessLauncher{}
	}
	if config.NumCores <= 0 {
		config.NumCores = 1
	}

	s := &PluginService{
		id:      uuid.New(),
		config:  config,
		log:     mlog.NewLogger("plugin-service"),
		pending: make(map[uint64]*pendingCall),
		proxies: make(map[ActorID]remoteActor),
	}
	if pl, ok := config.Launcher.(*ProcessLauncher); ok && pl.Logger == nil {
		pl.Logger = s.log
	}

	proc, err := config.Launcher.Launch(ctx, LaunchConfig{PluginDir: config.PluginDir, SessionID: s.id.String()})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	s.proc = proc
	s.ch = NewChannel(proc.Conn())

	hello, err := s.ch.Recv()
	if err == nil && (hello.Type != MsgReply || hello.Seq != 0) {
		err = protocolErrorf(MsgNotAllowed, "expected hello, got %v", hello.Type)
	}
	if err == nil {
		err = errorOf(hello.Status, hello.Text)
	}
	if err != nil {
		_ = proc.Kill()
		_ = proc.Wait()
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	s.plugin = hello.Text

	s.worker = NewWorker("gmp-" + s.id.String()[:8])
	s.readers.Add(2)
	go s.readLoop()
	go s.superviseLoop()

	s.log.Infof("plugin service %s ready, plugin %q", s.id, s.plugin)
	return s, nil
}

func waitErr(p Process) error {
	err := p.Wait()
	var ee *ExitError
	if err == nil || errors.As(err, &ee) && !ee.Aborted && ee.Code == 0 {
		return nil
	}
	return fmt.Errorf("plugin host: %w", err)
}

// ID returns the session id shared with the plugin host.
func (s *PluginService) ID() uuid.UUID { return s.id }

// PluginName returns the name the plugin host reported at startup.
func (s *PluginService) PluginName() string { return s.plugin }

// Thread returns the worker goroutine that serializes all calls into the
// plugin process.
func (s *PluginService) Thread() (*Worker, error) {
	if s == nil || s.closing.Load() || s.worker.Stopped() {
		return nil, ErrServiceUnavailable
	}
	return s.worker, nil
}

func (s *PluginService) readLoop() {
	defer s.readers.Done()
	for {
		m, err := s.ch.Recv()
		if err != nil {
			s.worker.post(func() { s.fail(err) })
			return
		}
		s.worker.post(func() { s.deliver(m) })
	}
}

// superviseLoop notices the plugin host exiting on its own.
func (s *PluginService) superviseLoop() {
	defer s.readers.Done()
	err := s.proc.Wait()
	if !s.closing.Load() {
		s.log.Errorf("plugin host exited unexpectedly: %v", err)
	}
	// Unblocks readLoop when the transport does not notice the exit.
	_ = s.ch.Close()
	s.worker.post(func() {
		if err == nil {
			err = errors.New("plugin host exited")
		}
		s.fail(err)
	})
}

// fail marks the service dead and completes every pending call. Runs on the
// worker.
func (s *PluginService) fail(err error) {
	if s.dead == nil {
		if !errors.Is(err, ErrChannelClosed) {
			err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		s.dead = err
		if !s.closing.Load() {
			s.log.Warnf("plugin channel failed: %v", err)
		}
	}
	for seq, p := range s.pending {
		p.err = s.dead
		close(p.done)
		delete(s.pending, seq)
	}
}

// deliver routes one message from the plugin host. Runs on the worker.
func (s *PluginService) deliver(m *Message) {
	if !m.Type.FromPlugin() {
		perr := protocolErrorf(MsgNotAllowed, "%v from plugin host", m.Type)
		s.log.Errorf("%v", perr)
		_ = s.proc.Kill()
		s.fail(perr)
		return
	}
	if m.Type == MsgReply {
		p, ok := s.pending[m.Seq]
		if !ok {
			s.log.Warnf("reply for unknown request %d", m.Seq)
			return
		}
		delete(s.pending, m.Seq)
		p.reply = m
		p.err = errorOf(m.Status, m.Text)
		close(p.done)
		return
	}
	proxy, ok := s.proxies[m.Actor]
	if !ok {
		s.log.Debugf("dropping %v for actor %d", m.Type, m.Actor)
		return
	}
	proxy.deliver(m)
}

// call sends a request and runs events until its reply arrives. Runs on the
// worker.
func (s *PluginService) call(m *Message) (*Message, error) {
	if s.dead != nil {
		return nil, s.dead
	}
	s.seq++
	m.Seq = s.seq
	p := &pendingCall{done: make(chan struct{})}
	s.pending[m.Seq] = p
	if err := s.ch.Send(m); err != nil {
		delete(s.pending, m.Seq)
		s.fail(err)
		return nil, s.dead
	}
	if err := s.worker.await(p.done); err != nil {
		delete(s.pending, m.Seq)
		return nil, err
	}
	return p.reply, p.err
}

// GetVideoEncoder constructs an encoder actor in the plugin host, bound to
// the plugin's "encode-video" API. Must run on the worker.
func (s *PluginService) GetVideoEncoder() (VideoEncoderActor, error) {
	reply, err := s.call(&Message{Type: MsgConstructEncoder})
	if err != nil {
		return nil, fmt.Errorf("construct encoder: %w", err)
	}
	a := &remoteEncoder{remoteBase: remoteBase{svc: s, id: reply.Actor, host: NewFrameHost()}}
	s.proxies[a.id] = a
	return a, nil
}

// GetVideoDecoder constructs a decoder actor in the plugin host, bound to
// the plugin's "decode-video" API. Must run on the worker.
func (s *PluginService) GetVideoDecoder() (VideoDecoderActor, error) {
	reply, err := s.call(&Message{Type: MsgConstructDecoder})
	if err != nil {
		return nil, fmt.Errorf("construct decoder: %w", err)
	}
	a := &remoteDecoder{remoteBase: remoteBase{svc: s, id: reply.Actor, host: NewFrameHost()}}
	s.proxies[a.id] = a
	return a, nil
}

// ActorCount returns the number of live actor proxies.
func (s *PluginService) ActorCount() (int, error) {
	return RunSyncValue(s.worker, func() (int, error) {
		return len(s.proxies), nil
	})
}

// Close shuts the plugin host down normally and stops the worker. Adapters
// using the service fail with ErrServiceUnavailable afterwards.
func (s *PluginService) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	err := s.worker.RunSync(func() error {
		for _, p := range s.proxies {
			p.detach()
		}
		clear(s.proxies)
		if s.dead != nil {
			return nil
		}
		// No reply: the host exits after a normal shutdown.
		return s.ch.Send(&Message{Type: MsgShutdown, Reason: ShutdownNormal})
	})
	errs = multierr.Append(errs, err)

	errs = multierr.Append(errs, waitErr(s.proc))
	errs = multierr.Append(errs, ignoreClosed(s.ch.Close()))
	s.readers.Wait()
	s.worker.Stop()

	s.log.Infof("plugin service %s closed", s.id)
	return errs
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, ErrChannelClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
