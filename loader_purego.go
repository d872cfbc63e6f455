//go:build darwin || linux

package mediaplugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Native ABI version passed in gmp_platform.
const nativeABIVersion = 1

// gmp_platform
type nativePlatform struct {
	Version   int32
	NumCores  int32
	SessionID uintptr // NUL-terminated
}

// gmp_codec
type nativeCodec struct {
	Codec        int32
	Width        uint32
	Height       uint32
	StartBitrate uint32
	MinBitrate   uint32
	MaxBitrate   uint32
	MaxFramerate uint32
}

// gmp_i420. Used for encoder input; planes point into Go memory.
type nativeI420 struct {
	Y, U, V                   uintptr
	YStride, UStride, VStride int32
	Width, Height             int32
	Timestamp                 uint32
	RenderTimeMs              int64
}

// gmp_encoded. Encoder output is written into Data up to Capacity; decoder
// input is read from Data up to Size.
type nativeEncoded struct {
	Data          uintptr
	Capacity      int32
	Size          int32
	FrameType     int32
	Timestamp     uint32
	EncodedWidth  uint32
	EncodedHeight uint32
	Complete      int32
}

// gmp_decoded. Planes are owned by the plugin and valid until the next call
// on the same decoder.
type nativeDecoded struct {
	Y, U, V                   uintptr
	YStride, UStride, VStride int32
	Width, Height             int32
	Timestamp                 uint32
}

// nativeObject receives the codec object from GMPGetAPI. It must be
// heap-allocated for purego to work correctly on arm64.
type nativeObject struct {
	Ptr uintptr
}

// DynamicLoader loads native plugin libraries with purego.
type DynamicLoader struct {
	// SearchDirs are tried, in order, as parents of a relative plugin
	// directory.
	SearchDirs []string
}

// NewDynamicLoader returns a loader searching the default plugin locations.
func NewDynamicLoader() *DynamicLoader {
	return &DynamicLoader{SearchDirs: defaultSearchDirs()}
}

func defaultSearchDirs() []string {
	var dirs []string

	// Environment variable overrides (highest priority)
	if env := os.Getenv("GMP_PLUGIN_PATH"); env != "" {
		dirs = append(dirs, filepath.SplitList(env)...)
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		dirs = append(dirs,
			filepath.Join(exeDir, "plugins"),
			filepath.Join(exeDir, "..", "lib", "plugins"),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		dirs = append(dirs, filepath.Join(moduleRoot, "build", "plugins"))
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/usr/local/lib/gmp", "/opt/homebrew/lib/gmp")
	case "linux":
		dirs = append(dirs, "/usr/local/lib/gmp", "/usr/lib/gmp")
	}

	return dirs
}

func (d *DynamicLoader) resolve(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return ResolvePluginBinary(dir)
	}
	path, lastErr := ResolvePluginBinary(dir)
	if lastErr == nil {
		return path, nil
	}
	for _, root := range d.SearchDirs {
		path, err := ResolvePluginBinary(filepath.Join(root, dir))
		if err == nil {
			return path, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// Load implements Loader.
func (d *DynamicLoader) Load(dir string) (*PluginLibrary, error) {
	path, err := d.resolve(dir)
	if err != nil {
		return nil, err
	}

	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, &LoadError{Path: path, Op: "open", Err: err}
	}

	lib := &nativeLibrary{handle: handle}
	if err := lib.bindEntryPoints(); err != nil {
		purego.Dlclose(handle)
		return nil, &LoadError{Path: path, Op: "symbol", Err: err}
	}

	pl := &PluginLibrary{
		Name:   PluginName(dir),
		Path:   path,
		init:   lib.init,
		getAPI: lib.getAPI,
		unload: func() error { return purego.Dlclose(handle) },
	}
	if lib.gmpShutdown != nil {
		pl.shutdown = lib.gmpShutdown
	}
	return pl, nil
}

// bindSymbol resolves name and registers it into fptr. Unlike
// purego.RegisterLibFunc it reports a missing symbol instead of panicking.
func bindSymbol(handle uintptr, fptr any, name string) error {
	sym, err := purego.Dlsym(handle, name)
	if err != nil || sym == 0 {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	purego.RegisterFunc(fptr, sym)
	return nil
}

type nativeLibrary struct {
	handle uintptr

	gmpInit     func(platform uintptr) int32
	gmpGetAPI   func(tag string, host uintptr, out uintptr) int32
	gmpShutdown func()
	gmpGetError func() uintptr

	platform   *nativePlatform
	sessionBuf []byte

	encOnce sync.Once
	enc     *nativeEncoderSymbols
	encErr  error

	decOnce sync.Once
	dec     *nativeDecoderSymbols
	decErr  error
}

func (l *nativeLibrary) bindEntryPoints() error {
	if err := bindSymbol(l.handle, &l.gmpInit, "GMPInit"); err != nil {
		return err
	}
	if err := bindSymbol(l.handle, &l.gmpGetAPI, "GMPGetAPI"); err != nil {
		return err
	}
	// Optional
	if bindSymbol(l.handle, &l.gmpShutdown, "GMPShutdown") != nil {
		l.gmpShutdown = nil
	}
	if bindSymbol(l.handle, &l.gmpGetError, "gmp_get_error") != nil {
		l.gmpGetError = nil
	}
	return nil
}

func (l *nativeLibrary) lastError() string {
	if l.gmpGetError == nil {
		return ""
	}
	return goStringFromPtr(l.gmpGetError())
}

func (l *nativeLibrary) statusError(st int32) error {
	if st == 0 {
		return nil
	}
	s := Status(st)
	if s < StatusGenericErr || s > StatusClosed {
		s = StatusGenericErr
	}
	return &PluginError{Status: s, Message: l.lastError()}
}

func (l *nativeLibrary) init(platform *PlatformCapabilities) error {
	// The platform table stays alive as long as the library.
	l.sessionBuf = cString(platform.SessionID)
	l.platform = &nativePlatform{
		Version:   nativeABIVersion,
		NumCores:  int32(runtime.NumCPU()),
		SessionID: bufPtr(l.sessionBuf),
	}
	return l.statusError(l.gmpInit(uintptr(unsafe.Pointer(l.platform))))
}

func (l *nativeLibrary) getAPI(tag string, host *FrameHost) (any, error) {
	switch tag {
	case APITagEncodeVideo:
		syms, err := l.encoderSymbols()
		if err != nil {
			return nil, err
		}
		obj, err := l.getObject(tag)
		if err != nil || obj == 0 {
			return nil, err
		}
		return &nativeVideoEncoder{lib: l, sym: syms, obj: obj, host: host}, nil
	case APITagDecodeVideo:
		syms, err := l.decoderSymbols()
		if err != nil {
			return nil, err
		}
		obj, err := l.getObject(tag)
		if err != nil || obj == 0 {
			return nil, err
		}
		return &nativeVideoDecoder{lib: l, sym: syms, obj: obj, host: host}, nil
	default:
		return nil, &PluginError{Status: StatusNotSupported, Message: "unknown API tag " + tag}
	}
}

func (l *nativeLibrary) getObject(tag string) (uintptr, error) {
	out := &nativeObject{}
	st := l.gmpGetAPI(tag, 0, uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(out)
	if err := l.statusError(st); err != nil {
		return 0, err
	}
	return out.Ptr, nil
}

type nativeEncoderSymbols struct {
	init          func(obj uintptr, codec uintptr, numCores int32, maxPayload uint32) int32
	encode        func(obj uintptr, frame uintptr, frameTypes uintptr, count int32, out uintptr) int32
	maxOutputSize func(obj uintptr) int32
	setRates      func(obj uintptr, bitrate, frameRate uint32) int32
	setChannel    func(obj uintptr, packetLoss uint32, rtt int64) int32
	destroy       func(obj uintptr)
}

func (l *nativeLibrary) encoderSymbols() (*nativeEncoderSymbols, error) {
	l.encOnce.Do(func() {
		s := &nativeEncoderSymbols{}
		l.encErr = errors.Join(
			bindSymbol(l.handle, &s.init, "gmp_video_encoder_init"),
			bindSymbol(l.handle, &s.encode, "gmp_video_encoder_encode"),
			bindSymbol(l.handle, &s.maxOutputSize, "gmp_video_encoder_max_output_size"),
			bindSymbol(l.handle, &s.setRates, "gmp_video_encoder_set_rates"),
			bindSymbol(l.handle, &s.setChannel, "gmp_video_encoder_set_channel_parameters"),
			bindSymbol(l.handle, &s.destroy, "gmp_video_encoder_destroy"),
		)
		if l.encErr == nil {
			l.enc = s
		}
	})
	return l.enc, l.encErr
}

type nativeDecoderSymbols struct {
	init    func(obj uintptr, codec uintptr, numCores int32) int32
	decode  func(obj uintptr, in uintptr, missingFrames int32, renderTimeMs int64, out uintptr) int32
	reset   func(obj uintptr) int32
	drain   func(obj uintptr) int32
	destroy func(obj uintptr)
}

func (l *nativeLibrary) decoderSymbols() (*nativeDecoderSymbols, error) {
	l.decOnce.Do(func() {
		s := &nativeDecoderSymbols{}
		l.decErr = errors.Join(
			bindSymbol(l.handle, &s.init, "gmp_video_decoder_init"),
			bindSymbol(l.handle, &s.decode, "gmp_video_decoder_decode"),
			bindSymbol(l.handle, &s.reset, "gmp_video_decoder_reset"),
			bindSymbol(l.handle, &s.drain, "gmp_video_decoder_drain"),
			bindSymbol(l.handle, &s.destroy, "gmp_video_decoder_destroy"),
		)
		if l.decErr == nil {
			l.dec = s
		}
	})
	return l.dec, l.decErr
}

func toNativeCodec(c CodecDescriptor) *nativeCodec {
	return &nativeCodec{
		Codec:        int32(c.Codec),
		Width:        c.Width,
		Height:       c.Height,
		StartBitrate: c.StartBitrate,
		MinBitrate:   c.MinBitrate,
		MaxBitrate:   c.MaxBitrate,
		MaxFramerate: c.MaxFramerate,
	}
}

// nativeVideoEncoder drives a native encoder object through the flat
// gmp_video_encoder_* symbols. Output is produced synchronously by encode.
type nativeVideoEncoder struct {
	lib      *nativeLibrary
	sym      *nativeEncoderSymbols
	obj      uintptr
	host     *FrameHost
	callback EncoderCallback
	outBuf   []byte
	codec    CodecDescriptor
}

func (e *nativeVideoEncoder) InitEncode(codec CodecDescriptor, callback EncoderCallback, numCores int, maxPayloadSize uint32) error {
	nc := toNativeCodec(codec)
	st := e.sym.init(e.obj, uintptr(unsafe.Pointer(nc)), int32(numCores), maxPayloadSize)
	runtime.KeepAlive(nc)
	if err := e.lib.statusError(st); err != nil {
		return err
	}
	e.callback = callback
	e.codec = codec

	maxOutput := int(e.sym.maxOutputSize(e.obj))
	if maxOutput <= 0 {
		maxOutput = int(codec.Width*codec.Height*3/2) + 4096
	}
	e.outBuf = make([]byte, maxOutput)
	return nil
}

func (e *nativeVideoEncoder) Encode(frame *I420Frame, info CodecSpecificInfo, frameTypes []PluginFrameType) error {
	defer frame.Destroy()
	if e.callback == nil {
		return &PluginError{Status: StatusGenericErr, Message: "encoder not initialized"}
	}

	bufs := frame.buffers()
	strides := frame.strides()
	in := &nativeI420{
		Y: bufPtr(bufs[PlaneY]), U: bufPtr(bufs[PlaneU]), V: bufPtr(bufs[PlaneV]),
		YStride: int32(strides[PlaneY]), UStride: int32(strides[PlaneU]), VStride: int32(strides[PlaneV]),
		Width:        int32(frame.Width()),
		Height:       int32(frame.Height()),
		Timestamp:    frame.Timestamp(),
		RenderTimeMs: frame.RenderTimeMs(),
	}
	types := make([]int32, len(frameTypes))
	for i, ft := range frameTypes {
		types[i] = int32(ft)
	}
	var typesPtr uintptr
	if len(types) > 0 {
		typesPtr = uintptr(unsafe.Pointer(&types[0]))
	}
	out := &nativeEncoded{Data: bufPtr(e.outBuf), Capacity: int32(len(e.outBuf))}

	st := e.sym.encode(e.obj, uintptr(unsafe.Pointer(in)), typesPtr, int32(len(types)), uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(in)
	runtime.KeepAlive(bufs)
	runtime.KeepAlive(types)
	runtime.KeepAlive(out)
	if err := e.lib.statusError(st); err != nil {
		return err
	}
	if out.Size <= 0 {
		return nil
	}
	if int(out.Size) > len(e.outBuf) {
		return &PluginError{Status: StatusGenericErr, Message: fmt.Sprintf("encoder wrote %d bytes into %d", out.Size, len(e.outBuf))}
	}

	ef := e.host.CreateEncodedFrame()
	if err := ef.CreateEmptyFrame(int(out.Size)); err != nil {
		ef.Destroy()
		return err
	}
	copy(ef.Buffer(), e.outBuf[:out.Size])
	ef.SetFrameType(PluginFrameType(out.FrameType))
	ef.SetTimestamp(out.Timestamp)
	ef.SetEncodedWidth(out.EncodedWidth)
	ef.SetEncodedHeight(out.EncodedHeight)
	ef.SetCompleteFrame(out.Complete != 0)
	e.callback.Encoded(ef, info)
	return nil
}

func (e *nativeVideoEncoder) SetChannelParameters(packetLoss uint32, rtt int64) error {
	return e.lib.statusError(e.sym.setChannel(e.obj, packetLoss, rtt))
}

func (e *nativeVideoEncoder) SetRates(bitrate, frameRate uint32) error {
	return e.lib.statusError(e.sym.setRates(e.obj, bitrate, frameRate))
}

func (e *nativeVideoEncoder) EncodingComplete() {
	if e.obj != 0 {
		e.sym.destroy(e.obj)
		e.obj = 0
	}
	e.callback = nil
}

// nativeVideoDecoder drives a native decoder object through the flat
// gmp_video_decoder_* symbols.
type nativeVideoDecoder struct {
	lib      *nativeLibrary
	sym      *nativeDecoderSymbols
	obj      uintptr
	host     *FrameHost
	callback DecoderCallback
}

func (d *nativeVideoDecoder) InitDecode(codec CodecDescriptor, callback DecoderCallback, numCores int) error {
	nc := toNativeCodec(codec)
	st := d.sym.init(d.obj, uintptr(unsafe.Pointer(nc)), int32(numCores))
	runtime.KeepAlive(nc)
	if err := d.lib.statusError(st); err != nil {
		return err
	}
	d.callback = callback
	return nil
}

func (d *nativeVideoDecoder) Decode(frame *EncodedVideoFrame, missingFrames bool, info CodecSpecificInfo, renderTimeMs int64) error {
	defer frame.Destroy()
	if d.callback == nil {
		return &PluginError{Status: StatusGenericErr, Message: "decoder not initialized"}
	}

	data := frame.Buffer()
	complete := int32(0)
	if frame.CompleteFrame() {
		complete = 1
	}
	in := &nativeEncoded{
		Data:          bufPtr(data),
		Capacity:      int32(frame.AllocatedSize()),
		Size:          int32(len(data)),
		FrameType:     int32(frame.FrameType()),
		Timestamp:     frame.Timestamp(),
		EncodedWidth:  frame.EncodedWidth(),
		EncodedHeight: frame.EncodedHeight(),
		Complete:      complete,
	}
	missing := int32(0)
	if missingFrames {
		missing = 1
	}
	out := &nativeDecoded{}

	st := d.sym.decode(d.obj, uintptr(unsafe.Pointer(in)), missing, renderTimeMs, uintptr(unsafe.Pointer(out)))
	runtime.KeepAlive(in)
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)
	if err := d.lib.statusError(st); err != nil {
		return err
	}
	if out.Y == 0 || out.Width <= 0 || out.Height <= 0 {
		d.callback.InputDataExhausted()
		return nil
	}

	height := int(out.Height)
	chromaRows := chromaSize(height)
	planes := [3][]byte{
		bytesFromPtr(out.Y, int(out.YStride)*height),
		bytesFromPtr(out.U, int(out.UStride)*chromaRows),
		bytesFromPtr(out.V, int(out.VStride)*chromaRows),
	}
	img := d.host.CreateI420Frame()
	if err := img.CreateFrame(planes, [3]int{int(out.YStride), int(out.UStride), int(out.VStride)}, int(out.Width), height); err != nil {
		img.Destroy()
		return &PluginError{Status: StatusGenericErr, Message: err.Error()}
	}
	img.SetTimestamp(out.Timestamp)
	img.SetRenderTimeMs(renderTimeMs)
	d.callback.Decoded(img)
	return nil
}

func (d *nativeVideoDecoder) Reset() error {
	return d.lib.statusError(d.sym.reset(d.obj))
}

func (d *nativeVideoDecoder) Drain() error {
	return d.lib.statusError(d.sym.drain(d.obj))
}

func (d *nativeVideoDecoder) DecodingComplete() {
	if d.obj != 0 {
		d.sym.destroy(d.obj)
		d.obj = 0
	}
	d.callback = nil
}
