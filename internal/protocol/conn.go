package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/luciancaetano/voxa"
)

// Close status codes emitted by Conn.
const (
	CloseNormalClosure = voxa.CloseNormalClosure
	CloseProtocolError = voxa.CloseProtocolError
	CloseMessageTooBig = voxa.CloseMessageTooBig
)

// closeWriteTimeout bounds writing a close frame when no write timeout is configured.
const closeWriteTimeout = time.Second

// Message-level errors.
var (
	ErrUnmaskedFrame   = errors.New(voxa.ErrMustBeMasked)
	ErrUnexpectedFrame = errors.New(voxa.ErrUnexpectedFrame)
	ErrMessageTooBig   = errors.New(voxa.ErrMessageTooBig)
	ErrCloseSent       = errors.New(voxa.ErrCloseSent)
)

// CloseError is returned by ReadMessage when the peer sent a Close frame.
// The frame has already been echoed.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed by peer (%d)", e.Code)
	}
	return fmt.Sprintf("closed by peer (%d): %s", e.Code, e.Reason)
}

// ProtocolError is returned by ReadMessage when the peer violated the
// protocol. A Close frame carrying Code has already been sent.
type ProtocolError struct {
	Code int
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%d): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Message is a fully reassembled data message.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// ConnConfig tunes a Conn. Zero values mean no deadline and
// DefaultMaxPayloadSize.
type ConnConfig struct {
	MaxMessageSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Conn is the server side of a framed connection. Reads must come from a
// single goroutine; writes are serialized and safe from any goroutine.
// Once a Close frame has been written every later write fails with
// ErrCloseSent.
type Conn struct {
	r   io.Reader
	w   io.Writer
	dl  deadliner
	cfg ConnConfig

	mu        sync.Mutex
	buf       []byte
	closeSent bool
}

// NewConn wraps r and w. When w also implements SetReadDeadline and
// SetWriteDeadline (net.Conn does), the configured timeouts are applied.
func NewConn(r io.Reader, w io.Writer, cfg ConnConfig) *Conn {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxPayloadSize
	}
	c := &Conn{r: r, w: w, cfg: cfg}
	c.dl, _ = w.(deadliner)
	return c
}

// ReadMessage reads frames until a complete Text or Binary message has been
// reassembled. Pings are answered and pongs skipped without interrupting
// reassembly.
//
// It returns io.EOF when the stream ends between frames, *CloseError when
// the peer closed the connection and *ProtocolError after a violation.
func (c *Conn) ReadMessage() (Message, error) {
	var (
		msg        Message
		assembling bool
	)

	for {
		if c.dl != nil && c.cfg.ReadTimeout > 0 {
			c.dl.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}

		f, err := ReadFrame(c.r, c.cfg.MaxMessageSize)
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				if errors.Is(fe.Err, ErrFrameTooLarge) {
					return Message{}, c.fail(CloseMessageTooBig, err)
				}
				return Message{}, c.fail(CloseProtocolError, err)
			}
			return Message{}, err
		}

		if !f.Masked {
			return Message{}, c.fail(CloseProtocolError, ErrUnmaskedFrame)
		}

		switch f.Opcode {
		case OpText, OpBinary:
			if assembling {
				return Message{}, c.fail(CloseProtocolError, ErrUnexpectedFrame)
			}
			assembling = true
			msg.Opcode = f.Opcode
			msg.Payload = append(msg.Payload, f.Payload...)

		case OpContinuation:
			if !assembling {
				return Message{}, c.fail(CloseProtocolError, ErrUnexpectedFrame)
			}
			msg.Payload = append(msg.Payload, f.Payload...)

		case OpClose:
			code, reason := parseClosePayload(f.Payload)
			c.WriteClose(code, reason)
			return Message{}, &CloseError{Code: code, Reason: reason}

		case OpPing:
			c.writeFrame(&Frame{Fin: true, Opcode: OpPong, Payload: f.Payload}, c.cfg.WriteTimeout)
			continue

		case OpPong:
			continue
		}

		if int64(len(msg.Payload)) > c.cfg.MaxMessageSize {
			return Message{}, c.fail(CloseMessageTooBig, ErrMessageTooBig)
		}
		if f.Fin {
			return msg, nil
		}
	}
}

// fail sends a Close frame for a violation and returns the matching error.
// A failed close write is ignored.
func (c *Conn) fail(code int, err error) error {
	reason := err.Error()
	var fe *FrameError
	if errors.As(err, &fe) {
		reason = fe.Err.Error()
	}
	c.WriteClose(code, reason)
	return &ProtocolError{Code: code, Err: err}
}

// WriteMessage writes payload as a single unmasked frame.
func (c *Conn) WriteMessage(op Opcode, payload []byte) error {
	return c.writeFrame(&Frame{Fin: true, Opcode: op, Payload: payload}, c.cfg.WriteTimeout)
}

// WriteText writes payload as a single text frame.
func (c *Conn) WriteText(payload []byte) error {
	return c.WriteMessage(OpText, payload)
}

// WriteClose writes a Close frame. The reason is truncated to fit a control
// frame.
func (c *Conn) WriteClose(code int, reason string) error {
	if len(reason) > MaxControlPayloadSize-2 {
		reason = reason[:MaxControlPayloadSize-2]
	}
	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	payload = append(payload, reason...)

	timeout := c.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = closeWriteTimeout
	}
	return c.writeFrame(&Frame{Fin: true, Opcode: OpClose, Payload: payload}, timeout)
}

// WritePing writes a Ping frame.
func (c *Conn) WritePing(payload []byte) error {
	return c.writeFrame(&Frame{Fin: true, Opcode: OpPing, Payload: payload}, c.cfg.WriteTimeout)
}

// CloseSent reports whether a Close frame has been written.
func (c *Conn) CloseSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent
}

func (c *Conn) writeFrame(f *Frame, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closeSent {
		return ErrCloseSent
	}
	if f.Opcode == OpClose {
		c.closeSent = true
	}

	if c.dl != nil {
		if timeout > 0 {
			c.dl.SetWriteDeadline(time.Now().Add(timeout))
		} else {
			c.dl.SetWriteDeadline(time.Time{})
		}
	}

	var err error
	c.buf, err = AppendFrame(c.buf[:0], f)
	if err != nil {
		return err
	}
	_, err = c.w.Write(c.buf)
	return err
}

// parseClosePayload extracts the status code and reason, defaulting to 1000.
func parseClosePayload(p []byte) (int, string) {
	if len(p) < 2 {
		return CloseNormalClosure, ""
	}
	return int(binary.BigEndian.Uint16(p[:2])), string(p[2:])
}
