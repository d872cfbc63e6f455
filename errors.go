package mediaplugin

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrCodec              = errors.New("video codec error")
	ErrUninitialized      = errors.New("codec not initialized")
	ErrNoCallback         = errors.New("no completion callback registered")
	ErrServiceUnavailable = errors.New("plugin service unavailable")
	ErrWorkerStopped      = errors.New("plugin worker stopped")
	ErrChannelClosed      = errors.New("plugin channel closed")
	ErrUnknownFrameType   = errors.New("unknown frame type")
	ErrPluginNotFound     = errors.New("plugin not found")
	ErrSymbolNotFound     = errors.New("plugin symbol not found")
	ErrInvalidDimensions  = errors.New("invalid frame dimensions")
	ErrInvalidFormat      = errors.New("unsupported pixel format")
)

// Status is the plugin ABI result code. Zero is success.
type Status int32

const (
	StatusOK Status = iota
	StatusGenericErr
	StatusNotImplemented
	StatusInvalidArg
	StatusNotSupported
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusGenericErr:
		return "generic error"
	case StatusNotImplemented:
		return "not implemented"
	case StatusInvalidArg:
		return "invalid argument"
	case StatusNotSupported:
		return "not supported"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// PluginError is a non-success status reported by a plugin entry point or
// codec object, possibly relayed across the channel.
type PluginError struct {
	Status  Status
	Message string
}

func (e *PluginError) Error() string {
	if e.Message == "" {
		return "plugin: " + e.Status.String()
	}
	return fmt.Sprintf("plugin: %s: %s", e.Status, e.Message)
}

// statusOf maps an error returned by plugin code to a wire status.
func statusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var pe *PluginError
	if errors.As(err, &pe) {
		return pe.Status
	}
	return StatusGenericErr
}

// errorOf is the inverse of statusOf for replies read off the channel.
func errorOf(s Status, msg string) error {
	if s == StatusOK {
		return nil
	}
	return &PluginError{Status: s, Message: msg}
}

// LoadError reports a failure to load a plugin library. Nothing is retained
// after a LoadError.
type LoadError struct {
	Path string
	Op   string // "resolve", "open", "symbol", "init"
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// BindError reports that a plugin could not provide a codec object for an
// API tag.
type BindError struct {
	Tag string
	Err error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %q: %v", e.Tag, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// ProtocolErrorKind classifies channel-level failures.
type ProtocolErrorKind int

const (
	MsgDropped         ProtocolErrorKind = iota // message for an actor that is gone
	MsgMalformed                                // framing is broken
	MsgNotKnown                                 // unknown message type
	MsgNotAllowed                               // message not valid in this direction
	MsgPayloadError                             // payload failed to decode
	MsgProcessingError                          // handler could not process a well-formed message
	MsgRouteError                               // no such actor
	MsgValueError                               // field value out of range
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case MsgDropped:
		return "MsgDropped"
	case MsgMalformed:
		return "MsgMalformed"
	case MsgNotKnown:
		return "MsgNotKnown"
	case MsgNotAllowed:
		return "MsgNotAllowed"
	case MsgPayloadError:
		return "MsgPayloadError"
	case MsgProcessingError:
		return "MsgProcessingError"
	case MsgRouteError:
		return "MsgRouteError"
	case MsgValueError:
		return "MsgValueError"
	default:
		return "Unknown"
	}
}

// ProtocolError is a channel-level failure.
type ProtocolError struct {
	Kind ProtocolErrorKind
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Kind.String()
	}
	return fmt.Sprintf("protocol: %s: %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(kind ProtocolErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
