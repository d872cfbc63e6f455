package mediaplugin

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
)

// maxMessageSize bounds a single framed message. A raw 4K I420 frame is
// about 12MB.
const maxMessageSize = 64 << 20

// Channel carries Messages over a byte stream. Each message is prefixed by
// its size as a little-endian uint32. Send is safe for concurrent use; Recv
// must be called from one goroutine.
type Channel struct {
	rw io.ReadWriteCloser
	r  *bufio.Reader

	wmu  sync.Mutex
	wbuf []byte

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps rw. The channel owns rw and closes it on Close.
func NewChannel(rw io.ReadWriteCloser) *Channel {
	return &Channel{rw: rw, r: bufio.NewReaderSize(rw, 64<<10)}
}

// Send writes one message.
func (c *Channel) Send(m *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	buf := append(c.wbuf[:0], 0, 0, 0, 0)
	buf = m.Marshal(buf)
	size := len(buf) - 4
	if size > maxMessageSize {
		return protocolErrorf(MsgMalformed, "%v message of %d bytes exceeds limit", m.Type, size)
	}
	binary.LittleEndian.PutUint32(buf[:4], uint32(size))
	c.wbuf = buf

	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Recv reads the next message. I/O failures, including a clean EOF, are
// reported as ErrChannelClosed; framing and decode failures as
// *ProtocolError.
func (c *Channel) Recv() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > maxMessageSize {
		return nil, protocolErrorf(MsgMalformed, "message of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	m := &Message{}
	if err := m.Unmarshal(body); err != nil {
		return nil, &ProtocolError{Kind: MsgPayloadError, Err: err}
	}
	return m, nil
}

// Close closes the underlying stream. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

// pipeConn joins a read and a write stream, such as a child's stdout and
// stdin, into one io.ReadWriteCloser.
type pipeConn struct {
	io.ReadCloser
	w io.WriteCloser
}

// NewPipeConn returns an io.ReadWriteCloser reading from r and writing to w.
func NewPipeConn(r io.ReadCloser, w io.WriteCloser) io.ReadWriteCloser {
	return &pipeConn{ReadCloser: r, w: w}
}

func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	return multierr.Combine(p.w.Close(), p.ReadCloser.Close())
}

// isChannelClosed reports whether err means the peer went away.
func isChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}
