//go:build !darwin && !linux

package mediaplugin

import "errors"

// DynamicLoader is unavailable on this platform; only statically registered
// plugins can be loaded.
type DynamicLoader struct {
	SearchDirs []string
}

// NewDynamicLoader returns a loader that reports every plugin as missing.
func NewDynamicLoader() *DynamicLoader {
	return &DynamicLoader{}
}

// Load implements Loader.
func (d *DynamicLoader) Load(dir string) (*PluginLibrary, error) {
	return nil, &LoadError{
		Path: dir,
		Op:   "open",
		Err:  errors.Join(ErrPluginNotFound, errors.New("dynamic plugin loading not supported on this platform")),
	}
}
