//go:build darwin || linux

package mediaplugin

import (
	"bytes"
	"os"
	"path/filepath"
	"unsafe"
)

// maxNativeString bounds how far goStringFromPtr scans for a terminator.
const maxNativeString = 4096

// goStringFromPtr copies a NUL-terminated native string. Strings without a
// terminator in the first maxNativeString bytes are truncated.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var buf []byte
	for i := uintptr(0); i < maxNativeString; i++ {
		c := *(*byte)(unsafe.Add(unsafe.Pointer(ptr), i))
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf)
}

// cString returns s with a trailing NUL. The slice must stay reachable while
// native code holds the pointer.
func cString(s string) []byte {
	return append([]byte(s), 0)
}

// bytesFromPtr copies n bytes of native memory.
func bytesFromPtr(ptr uintptr, n int) []byte {
	if ptr == 0 || n <= 0 {
		return nil
	}
	return bytes.Clone(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// bufPtr returns the address of b's first byte, or 0 for an empty slice.
func bufPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// findModuleRoot returns the nearest ancestor of the working directory that
// holds a go.mod, or "" outside a module checkout.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for ; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		if filepath.Dir(dir) == dir {
			return ""
		}
	}
}
