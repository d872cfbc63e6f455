package mediaplugin

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTerminator struct {
	mu     sync.Mutex
	exits  []int
	aborts []string
}

func (f *fakeTerminator) Exit(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits = append(f.exits, code)
}

func (f *fakeTerminator) Abort(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, reason)
}

func (f *fakeTerminator) result() ([]int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.exits...), append([]string(nil), f.aborts...)
}

// recordingPlugin wraps the loopback plugin and records lifecycle calls.
type recordingPlugin struct {
	loopbackPlugin
	failAPI  bool
	shutdown int
}

func (p *recordingPlugin) GetAPI(tag string, host *FrameHost) (any, error) {
	if p.failAPI {
		return nil, &PluginError{Status: StatusNotSupported, Message: "no codecs today"}
	}
	return p.loopbackPlugin.GetAPI(tag, host)
}

func (p *recordingPlugin) Shutdown() { p.shutdown++ }

type pluginLoader struct {
	plugin *recordingPlugin
	closed int
}

func (l *pluginLoader) Load(dir string) (*PluginLibrary, error) {
	return &PluginLibrary{
		Name:     PluginName(dir),
		Path:     dir,
		init:     l.plugin.Init,
		getAPI:   l.plugin.GetAPI,
		shutdown: l.plugin.Shutdown,
		unload: func() error {
			l.closed++
			return nil
		},
	}, nil
}

type hostHarness struct {
	host *PluginHost
	ch   *Channel
	term *fakeTerminator
	done chan struct{}
	seq  uint64
}

func startHost(t *testing.T, loader Loader, dir string) *hostHarness {
	t.Helper()
	h := &hostHarness{term: &fakeTerminator{}, done: make(chan struct{})}
	h.host = NewPluginHost(HostConfig{
		PluginDir:  dir,
		SessionID:  "test-session",
		Loader:     loader,
		Terminator: h.term,
	})
	if dir != "" {
		require.NoError(t, h.host.LoadPlugin(dir))
	}

	hostSide, testSide := net.Pipe()
	h.ch = NewChannel(testSide)
	go func() {
		defer close(h.done)
		_ = h.host.Serve(hostSide)
	}()
	t.Cleanup(func() {
		h.ch.Close()
		<-h.done
	})
	return h
}

func (h *hostHarness) hello(t *testing.T) *Message {
	t.Helper()
	m, err := h.ch.Recv()
	require.NoError(t, err)
	require.Equal(t, MsgReply, m.Type)
	require.Zero(t, m.Seq)
	return m
}

func (h *hostHarness) send(t *testing.T, m *Message) {
	t.Helper()
	if m.Type.FromHost() {
		h.seq++
		m.Seq = h.seq
	}
	require.NoError(t, h.ch.Send(m))
}

func (h *hostHarness) call(t *testing.T, m *Message) *Message {
	t.Helper()
	h.send(t, m)
	reply, err := h.ch.Recv()
	require.NoError(t, err)
	require.Equal(t, MsgReply, reply.Type)
	require.Equal(t, m.Seq, reply.Seq)
	return reply
}

func (h *hostHarness) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("plugin host did not stop")
	}
}

func TestPluginHostHello(t *testing.T) {
	h := startHost(t, StaticLoader{}, "gmp-loopback")
	m := h.hello(t)
	assert.Equal(t, StatusOK, m.Status)
	assert.Equal(t, LoopbackPluginName, m.Text)
}

func TestPluginHostHelloWithoutPlugin(t *testing.T) {
	h := startHost(t, StaticLoader{}, "")
	m := h.hello(t)
	assert.Equal(t, StatusGenericErr, m.Status)
}

func TestPluginHostLoadFailure(t *testing.T) {
	host := NewPluginHost(HostConfig{Loader: StaticLoader{}, Terminator: &fakeTerminator{}})
	err := host.LoadPlugin("/plugins/gmp-nosuchplugin")

	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.Nil(t, host.Plugin())
}

func TestPluginHostLoadTwice(t *testing.T) {
	host := NewPluginHost(HostConfig{Loader: StaticLoader{}, Terminator: &fakeTerminator{}})
	require.NoError(t, host.LoadPlugin("gmp-loopback"))
	assert.Error(t, host.LoadPlugin("gmp-loopback"))
}

func TestPluginHostEncodeOverChannel(t *testing.T) {
	h := startHost(t, StaticLoader{}, "gmp-loopback")
	h.hello(t)

	reply := h.call(t, &Message{Type: MsgConstructEncoder})
	require.Equal(t, StatusOK, reply.Status)
	id := reply.Actor
	require.NotZero(t, id)

	reply = h.call(t, &Message{
		Type:  MsgInitEncode,
		Actor: id,
		Codec: &CodecDescriptor{Codec: VideoCodecH264, Width: 32, Height: 32, StartBitrate: 100, MaxFramerate: 30},
	})
	require.Equal(t, StatusOK, reply.Status, reply.Text)

	y := make([]byte, 32*32)
	uv := make([]byte, 16*16)
	h.send(t, &Message{
		Type:       MsgEncode,
		Actor:      id,
		FrameTypes: []PluginFrameType{PluginKeyFrame},
		Image:      &WireI420{Planes: [3][]byte{y, uv, uv}, Strides: [3]int32{32, 16, 16}, Width: 32, Height: 32, Timestamp: 3000},
	})

	// Output produced during Encode precedes its reply.
	m, err := h.ch.Recv()
	require.NoError(t, err)
	require.Equal(t, MsgEncoded, m.Type)
	assert.Equal(t, id, m.Actor)
	assert.Equal(t, PluginKeyFrame, m.Encoded.FrameType)
	assert.Equal(t, uint32(3000), m.Encoded.Timestamp)
	units, err := SplitAnnexB(m.Encoded.Data)
	require.NoError(t, err)
	assert.Len(t, units, 2)

	m, err = h.ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, MsgReply, m.Type)
	assert.Equal(t, StatusOK, m.Status)
}

func TestPluginHostPluginErrorReply(t *testing.T) {
	h := startHost(t, StaticLoader{}, "gmp-loopback")
	h.hello(t)

	id := h.call(t, &Message{Type: MsgConstructEncoder}).Actor
	reply := h.call(t, &Message{
		Type:  MsgInitEncode,
		Actor: id,
		Codec: &CodecDescriptor{Codec: VideoCodecVP8, Width: 32, Height: 32},
	})
	assert.Equal(t, StatusNotSupported, reply.Status)
	assert.Equal(t, 1, h.host.ActorCount())
}

func TestPluginHostDroppedMessageExits(t *testing.T) {
	h := startHost(t, StaticLoader{}, "gmp-loopback")
	h.hello(t)

	id := h.call(t, &Message{Type: MsgConstructDecoder}).Actor
	reply := h.call(t, &Message{Type: MsgDestroyActor, Actor: id})
	require.Equal(t, StatusOK, reply.Status)

	h.send(t, &Message{Type: MsgResetDecoder, Actor: id})
	h.wait(t)

	exits, aborts := h.term.result()
	assert.Equal(t, []int{0}, exits)
	assert.Empty(t, aborts)
}

func TestPluginHostProtocolErrorsAbort(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		kind ProtocolErrorKind
	}{
		{"unknown type", &Message{Type: MsgType(99)}, MsgNotKnown},
		{"wrong direction", &Message{Type: MsgDecoded, Actor: 1}, MsgNotAllowed},
		{"no such actor", &Message{Type: MsgSetRates, Actor: 42}, MsgRouteError},
		{"encode without image", &Message{Type: MsgEncode, Actor: 1}, MsgPayloadError},
		{"decoder message to encoder", &Message{Type: MsgDrainDecoder, Actor: 1}, MsgNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHost(t, StaticLoader{}, "gmp-loopback")
			h.hello(t)
			require.Equal(t, ActorID(1), h.call(t, &Message{Type: MsgConstructEncoder}).Actor)

			h.send(t, tt.msg)
			h.wait(t)

			exits, aborts := h.term.result()
			assert.Empty(t, exits)
			require.Len(t, aborts, 1)
			assert.Contains(t, aborts[0], tt.kind.String())
		})
	}
}

func TestPluginHostBindFailureReplies(t *testing.T) {
	loader := &pluginLoader{plugin: &recordingPlugin{failAPI: true}}
	h := startHost(t, loader, "gmp-broken")
	h.hello(t)

	reply := h.call(t, &Message{Type: MsgConstructEncoder})
	assert.Equal(t, StatusNotSupported, reply.Status)
	assert.Zero(t, reply.Actor)
	assert.Contains(t, reply.Text, APITagEncodeVideo)

	// The host keeps serving.
	reply = h.call(t, &Message{Type: MsgConstructDecoder})
	assert.Equal(t, StatusNotSupported, reply.Status)
	assert.Zero(t, h.host.ActorCount())
}

func TestPluginHostShutdown(t *testing.T) {
	tests := []struct {
		name         string
		reason       ShutdownReason
		wantShutdown int
		wantClosed   int
	}{
		{"normal", ShutdownNormal, 1, 1},
		{"abnormal", ShutdownAbnormal, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := &pluginLoader{plugin: &recordingPlugin{}}
			h := startHost(t, loader, "gmp-recording")
			h.hello(t)
			h.call(t, &Message{Type: MsgConstructEncoder})

			h.send(t, &Message{Type: MsgShutdown, Reason: tt.reason})
			h.wait(t)

			exits, aborts := h.term.result()
			assert.Equal(t, []int{0}, exits)
			assert.Empty(t, aborts)
			assert.Equal(t, tt.wantShutdown, loader.plugin.shutdown)
			assert.Equal(t, tt.wantClosed, loader.closed)
			if tt.reason == ShutdownNormal {
				assert.Zero(t, h.host.ActorCount())
				assert.Zero(t, loader.plugin.live.Load())
			}
		})
	}
}

func TestPluginHostChannelLossIsAbnormal(t *testing.T) {
	loader := &pluginLoader{plugin: &recordingPlugin{}}
	h := startHost(t, loader, "gmp-recording")
	h.hello(t)

	require.NoError(t, h.ch.Close())
	h.wait(t)

	exits, aborts := h.term.result()
	assert.Equal(t, []int{0}, exits)
	assert.Empty(t, aborts)
	assert.Zero(t, loader.plugin.shutdown)
}
