// Package logging hands out scoped pion leveled loggers backed by one
// process-wide factory. Levels follow pion's PION_LOG_<LEVEL>=<scope,...>
// environment convention.
package logging

import (
	"io"
	"sync"

	"github.com/pion/logging"
)

var (
	mu            sync.Mutex
	loggerFactory = logging.NewDefaultLoggerFactory()
)

// NewLogger returns a logger for the given scope.
func NewLogger(scope string) logging.LeveledLogger {
	mu.Lock()
	defer mu.Unlock()
	return loggerFactory.NewLogger(scope)
}

// SetWriter redirects every logger created afterwards to w. The isolated
// plugin host uses this to keep stdout free for the actor channel.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	loggerFactory.Writer = w
}

// SetDefaultLevel overrides the level used for scopes without an explicit
// environment setting.
func SetDefaultLevel(level logging.LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	loggerFactory.DefaultLogLevel = level
}
