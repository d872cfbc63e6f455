package mediaplugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// pluginDirPrefix is stripped from a plugin directory's leaf name to obtain
// the logical plugin name.
const pluginDirPrefix = "gmp-"

// PluginLibrary is a loaded plugin: validated entry points plus the means to
// unload it. It is owned by a PluginHost and never mutated after load.
type PluginLibrary struct {
	Name string
	Path string

	init     func(*PlatformCapabilities) error
	getAPI   func(tag string, host *FrameHost) (any, error)
	shutdown func() // optional
	unload   func() error
}

// Init invokes the plugin's init entry point.
func (l *PluginLibrary) Init(platform *PlatformCapabilities) error {
	return l.init(platform)
}

// GetAPI asks the plugin for the codec object behind tag.
func (l *PluginLibrary) GetAPI(tag string, host *FrameHost) (any, error) {
	return l.getAPI(tag, host)
}

// HasShutdown reports whether the plugin exports a shutdown entry point.
func (l *PluginLibrary) HasShutdown() bool { return l.shutdown != nil }

// Shutdown invokes the plugin's shutdown entry point if it has one.
func (l *PluginLibrary) Shutdown() {
	if l.shutdown != nil {
		l.shutdown()
	}
}

// Close unloads the library. The library must not be used afterwards.
func (l *PluginLibrary) Close() error {
	if l.unload == nil {
		return nil
	}
	unload := l.unload
	l.unload = nil
	return unload()
}

// Loader turns a plugin directory into a PluginLibrary. Implementations
// validate every required entry point before returning.
type Loader interface {
	Load(dir string) (*PluginLibrary, error)
}

// PluginName derives the logical plugin name from its directory:
// ".../gmp-fake" names the plugin "fake".
func PluginName(dir string) string {
	leaf := filepath.Base(filepath.Clean(dir))
	return strings.TrimPrefix(leaf, pluginDirPrefix)
}

// BinaryName returns the platform-specific shared-library file name for a
// logical plugin name.
func BinaryName(name string) string {
	switch runtime.GOOS {
	case "darwin":
		return "lib" + name + ".dylib"
	case "windows":
		return name + ".dll"
	default:
		return "lib" + name + ".so"
	}
}

// ResolvePluginBinary returns the path of the plugin library inside dir.
func ResolvePluginBinary(dir string) (string, error) {
	name := PluginName(dir)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", &LoadError{Path: dir, Op: "resolve", Err: ErrPluginNotFound}
	}
	path := filepath.Join(dir, BinaryName(name))
	if _, err := os.Stat(path); err != nil {
		return "", &LoadError{Path: path, Op: "resolve", Err: fmt.Errorf("%w: %v", ErrPluginNotFound, err)}
	}
	return path, nil
}

// StaticLoader loads plugins compiled into the process with RegisterPlugin.
// The directory only supplies the logical name.
type StaticLoader struct{}

// Load implements Loader.
func (StaticLoader) Load(dir string) (*PluginLibrary, error) {
	name := PluginName(dir)
	factory, ok := lookupPlugin(name)
	if !ok {
		return nil, &LoadError{Path: dir, Op: "resolve", Err: ErrPluginNotFound}
	}
	p := factory()
	return &PluginLibrary{
		Name:     name,
		Path:     dir,
		init:     p.Init,
		getAPI:   p.GetAPI,
		shutdown: p.Shutdown,
	}, nil
}

// ChainLoader tries each loader in order and returns the first success.
// Only ErrPluginNotFound moves on to the next loader.
type ChainLoader []Loader

// Load implements Loader.
func (c ChainLoader) Load(dir string) (*PluginLibrary, error) {
	err := error(&LoadError{Path: dir, Op: "resolve", Err: ErrPluginNotFound})
	for _, l := range c {
		var lib *PluginLibrary
		lib, err = l.Load(dir)
		if err == nil {
			return lib, nil
		}
		if !errors.Is(err, ErrPluginNotFound) {
			return nil, err
		}
	}
	return nil, err
}

// DefaultLoader prefers statically registered plugins and falls back to
// loading a shared library from disk.
func DefaultLoader() Loader {
	return ChainLoader{StaticLoader{}, NewDynamicLoader()}
}
