package mediaplugin

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/pion/logging"

	mlog "github.com/thesyncim/mediaplugin/internal/logging"
)

// ShutdownReason tells the plugin host why it is going away.
type ShutdownReason int32

const (
	// ShutdownNormal is an orderly teardown requested by the host process.
	ShutdownNormal ShutdownReason = iota
	// ShutdownAbnormal means the channel to the host process was severed.
	ShutdownAbnormal
)

func (r ShutdownReason) String() string {
	switch r {
	case ShutdownNormal:
		return "normal"
	case ShutdownAbnormal:
		return "abnormal"
	default:
		return fmt.Sprintf("ShutdownReason(%d)", int32(r))
	}
}

// HostConfig configures a PluginHost.
type HostConfig struct {
	// PluginDir is the plugin directory; see PluginName and BinaryName.
	PluginDir string
	// SessionID is handed to the plugin in PlatformCapabilities.
	SessionID string
	Loader    Loader
	// Terminator ends the process on shutdown and protocol errors.
	Terminator Terminator
	// LoggerScope defaults to "plugin-host".
	LoggerScope string
}

// DefaultHostConfig returns a configuration that loads plugin from dir and
// terminates the real process.
func DefaultHostConfig(dir string) HostConfig {
	return HostConfig{
		PluginDir:   dir,
		Loader:      DefaultLoader(),
		Terminator:  ProcessTerminator(),
		LoggerScope: "plugin-host",
	}
}

// PluginHost is the controller inside the isolated process. It owns the
// loaded plugin and every codec actor, and runs the single dispatch loop
// that serves the actor channel. All methods must be called from the
// dispatch goroutine once Serve is running.
type PluginHost struct {
	config HostConfig
	log    logging.LeveledLogger

	lib *PluginLibrary

	actors    map[ActorID]*codecActor
	destroyed map[ActorID]struct{}
	nextID    ActorID

	ch      *Channel
	tasks   chan func()
	stopped bool
}

// NewPluginHost creates a controller. Nothing is loaded until LoadPlugin.
func NewPluginHost(config HostConfig) *PluginHost {
	if config.Loader == nil {
		config.Loader = DefaultLoader()
	}
	if config.Terminator == nil {
		config.Terminator = ProcessTerminator()
	}
	if config.LoggerScope == "" {
		config.LoggerScope = "plugin-host"
	}
	return &PluginHost{
		config:    config,
		log:       mlog.NewLogger(config.LoggerScope),
		actors:    make(map[ActorID]*codecActor),
		destroyed: make(map[ActorID]struct{}),
		tasks:     make(chan func(), 64),
	}
}

// LoadPlugin loads and initializes the plugin in dir. On failure nothing is
// retained and the error is a *LoadError.
func (h *PluginHost) LoadPlugin(dir string) error {
	if h.lib != nil {
		return &LoadError{Path: dir, Op: "open", Err: errors.New("a plugin is already loaded")}
	}
	lib, err := h.config.Loader.Load(dir)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			return err
		}
		return &LoadError{Path: dir, Op: "open", Err: err}
	}

	platform := &PlatformCapabilities{
		SessionID:       h.config.SessionID,
		RunOnMainThread: h.runOnMainThread,
		Now:             time.Now,
	}
	if err := lib.Init(platform); err != nil {
		if cerr := lib.Close(); cerr != nil {
			h.log.Warnf("unload %s after failed init: %v", lib.Path, cerr)
		}
		return &LoadError{Path: lib.Path, Op: "init", Err: err}
	}

	h.lib = lib
	h.log.Infof("loaded plugin %q from %s", lib.Name, lib.Path)
	return nil
}

// Plugin returns the loaded plugin, or nil.
func (h *PluginHost) Plugin() *PluginLibrary { return h.lib }

// CreateActor allocates an unbound actor of the given kind.
func (h *PluginHost) CreateActor(kind ActorKind) ActorID {
	h.nextID++
	id := h.nextID
	h.actors[id] = newCodecActor(id, kind, h.send)
	h.log.Debugf("created %s actor %d", kind, id)
	return id
}

// BindActor asks the plugin for the codec object behind tag and attaches it
// to actor id.
func (h *PluginHost) BindActor(id ActorID, tag string) error {
	a, ok := h.actors[id]
	if !ok {
		return &BindError{Tag: tag, Err: fmt.Errorf("no actor %d", id)}
	}
	if h.lib == nil {
		return &BindError{Tag: tag, Err: ErrPluginNotFound}
	}
	if a.bound() {
		return &BindError{Tag: tag, Err: fmt.Errorf("actor %d already bound", id)}
	}
	obj, err := h.lib.GetAPI(tag, a.host)
	if err != nil {
		return &BindError{Tag: tag, Err: err}
	}
	if obj == nil {
		return &BindError{Tag: tag, Err: fmt.Errorf("%w: plugin returned no object", ErrCodec)}
	}
	if err := a.attach(obj); err != nil {
		return &BindError{Tag: tag, Err: err}
	}
	return nil
}

// DestroyActor releases the actor's codec object. Later messages for id are
// treated as dropped.
func (h *PluginHost) DestroyActor(id ActorID) {
	a, ok := h.actors[id]
	if !ok {
		return
	}
	a.destroy()
	delete(h.actors, id)
	h.destroyed[id] = struct{}{}
	h.log.Debugf("destroyed %s actor %d", a.kind, id)
}

// ActorCount returns the number of live actors.
func (h *PluginHost) ActorCount() int { return len(h.actors) }

// Shutdown tears the process down. The reason is checked before anything
// else: an abnormal shutdown exits at once without calling into the plugin.
func (h *PluginHost) Shutdown(reason ShutdownReason) {
	if h.stopped {
		return
	}
	h.stopped = true

	if reason != ShutdownNormal {
		h.log.Warnf("abnormal shutdown of plugin process")
		h.config.Terminator.Exit(0)
		return
	}

	for id := range h.actors {
		h.DestroyActor(id)
	}
	if h.lib != nil {
		h.lib.Shutdown()
		if err := h.lib.Close(); err != nil {
			h.log.Warnf("unload plugin: %v", err)
		}
		h.lib = nil
	}
	if h.ch != nil {
		_ = h.ch.Close()
	}
	h.log.Infof("plugin process shut down")
	h.config.Terminator.Exit(0)
}

// ProcessingError handles a channel-level failure. A dropped message exits
// cleanly; every other kind aborts.
func (h *PluginHost) ProcessingError(perr *ProtocolError) {
	if h.stopped {
		return
	}
	h.stopped = true

	if perr.Kind == MsgDropped {
		h.log.Infof("processing error: %v", perr)
		h.config.Terminator.Exit(0)
		return
	}
	h.log.Errorf("processing error: %v", perr)
	h.config.Terminator.Abort("aborting because of " + perr.Kind.String())
}

func (h *PluginHost) send(m *Message) error {
	if h.ch == nil {
		return ErrChannelClosed
	}
	return h.ch.Send(m)
}

// runOnMainThread is handed to the plugin. It never blocks the dispatch
// goroutine itself.
func (h *PluginHost) runOnMainThread(fn func()) {
	select {
	case h.tasks <- fn:
	default:
		go func() { h.tasks <- fn }()
	}
}

type recvResult struct {
	msg *Message
	err error
}

// Serve runs the dispatch loop over rw until the process is told to stop.
// With the process terminator it never returns; with any other it returns
// after Shutdown or ProcessingError.
func (h *PluginHost) Serve(rw io.ReadWriteCloser) error {
	h.ch = NewChannel(rw)
	defer h.ch.Close()

	// The hello reply (sequence 0) tells the service whether a plugin is
	// loaded and ready to bind.
	hello := &Message{Type: MsgReply}
	if h.lib != nil {
		hello.Text = h.lib.Name
	} else {
		hello.Status = StatusGenericErr
		hello.Text = "no plugin loaded"
	}
	if err := h.ch.Send(hello); err != nil {
		h.recvFailed(err)
		return err
	}

	done := make(chan struct{})
	defer close(done)

	inbox := make(chan recvResult)
	go func() {
		for {
			m, err := h.ch.Recv()
			select {
			case inbox <- recvResult{msg: m, err: err}:
			case <-done:
				return
			}
			if err != nil && isChannelClosed(err) {
				return
			}
		}
	}()

	for !h.stopped {
		select {
		case r := <-inbox:
			if r.err != nil {
				h.recvFailed(r.err)
				continue
			}
			h.dispatch(r.msg)
		case fn := <-h.tasks:
			fn()
		}
	}
	return nil
}

func (h *PluginHost) recvFailed(err error) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		h.ProcessingError(perr)
		return
	}
	h.log.Debugf("channel read: %v", err)
	h.Shutdown(ShutdownAbnormal)
}

func (h *PluginHost) reply(m *Message, id ActorID, err error) {
	r := &Message{Type: MsgReply, Seq: m.Seq, Actor: id, Status: statusOf(err)}
	if err != nil {
		r.Text = err.Error()
	}
	if serr := h.send(r); serr != nil {
		h.log.Debugf("reply to %v: %v", m.Type, serr)
	}
}

// dispatch routes one message. Requests always get a reply unless they
// cause the process to stop.
func (h *PluginHost) dispatch(m *Message) {
	if !m.Type.Known() {
		h.ProcessingError(protocolErrorf(MsgNotKnown, "message type %d", int32(m.Type)))
		return
	}
	if !m.Type.FromHost() {
		h.ProcessingError(protocolErrorf(MsgNotAllowed, "%v from host", m.Type))
		return
	}

	switch m.Type {
	case MsgShutdown:
		h.Shutdown(m.Reason)
		return
	case MsgConstructEncoder, MsgConstructDecoder:
		kind := ActorKindEncoder
		if m.Type == MsgConstructDecoder {
			kind = ActorKindDecoder
		}
		id := h.CreateActor(kind)
		if err := h.BindActor(id, kind.apiTag()); err != nil {
			h.log.Warnf("construct %s: %v", kind, err)
			delete(h.actors, id)
			h.reply(m, 0, err)
			return
		}
		h.reply(m, id, nil)
		return
	}

	a, perr := h.route(m.Actor)
	if perr != nil {
		h.ProcessingError(perr)
		return
	}
	if m.Type == MsgDestroyActor {
		h.DestroyActor(a.id)
		h.reply(m, a.id, nil)
		return
	}

	err := a.handle(m)
	if errors.As(err, &perr) {
		h.ProcessingError(perr)
		return
	}
	if err != nil {
		h.log.Debugf("%s actor %d %v: %v", a.kind, a.id, m.Type, err)
	}
	h.reply(m, a.id, err)
}

func (h *PluginHost) route(id ActorID) (*codecActor, *ProtocolError) {
	if a, ok := h.actors[id]; ok {
		return a, nil
	}
	if _, gone := h.destroyed[id]; gone {
		return nil, protocolErrorf(MsgDropped, "message for destroyed actor %d", id)
	}
	return nil, protocolErrorf(MsgRouteError, "no actor %d", id)
}
