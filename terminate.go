package mediaplugin

import (
	"os"
	"runtime/debug"
)

// Terminator ends the isolated process. Exit terminates cleanly with code;
// Abort raises a crash. PluginHost never touches the process directly.
type Terminator interface {
	Exit(code int)
	Abort(reason string)
}

// ProcessTerminator returns the Terminator used by the plugin host binary.
func ProcessTerminator() Terminator { return processTerminator{} }

type processTerminator struct{}

func (processTerminator) Exit(code int) { os.Exit(code) }

// Abort panics with GOTRACEBACK=crash semantics, which raises SIGABRT on
// Unix after printing every goroutine.
func (processTerminator) Abort(reason string) {
	debug.SetTraceback("crash")
	panic("mediaplugin: abort: " + reason)
}
