// Package protocol implements the WebSocket wire format (RFC 6455): frame
// encoding and decoding, the opening handshake and server-side message
// reassembly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/luciancaetano/voxa"
)

// Opcode identifies the type of a frame.
type Opcode byte

// Frame opcodes.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether o is Close, Ping or Pong.
func (o Opcode) IsControl() bool {
	return o == OpClose || o == OpPing || o == OpPong
}

// IsValid reports whether o is one of the supported opcodes.
func (o Opcode) IsValid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%X)", byte(o))
	}
}

const (
	// MaxControlPayloadSize is the largest payload a control frame may carry.
	MaxControlPayloadSize = 125
	// DefaultMaxPayloadSize bounds a single frame and a reassembled message.
	DefaultMaxPayloadSize = 10 * 1024 * 1024 // 10MB

	finBit  = 0x80
	maskBit = 0x80
)

// Frame is a single unit of the wire protocol. Payload is always held
// unmasked; MaskKey is applied on the wire when Masked is set.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Frame errors.
var (
	ErrControlFrameTooLarge = errors.New(voxa.ErrControlFrameTooLarge)
	ErrFragmentedControl    = errors.New(voxa.ErrFragmentedControl)
	ErrUnsupportedOpcode    = errors.New(voxa.ErrUnsupportedOpcode)
	ErrFrameTooLarge        = errors.New("frame too large")
)

// FrameError is returned for frames that violate the protocol.
type FrameError struct {
	Err    error
	Opcode Opcode
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s frame: %v", e.Opcode, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Mask XORs p in place with key. Applying it twice restores p.
func Mask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i%4]
	}
}

// ReadFrame reads one frame from r. Payloads larger than maxPayload are
// rejected before they are read; maxPayload <= 0 means DefaultMaxPayloadSize.
//
// io.EOF is returned when r ends cleanly before the first header byte.
func ReadFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		Fin:    header[0]&finBit != 0,
		Opcode: Opcode(header[0] & 0x0F),
		Masked: header[1]&maskBit != 0,
	}
	length := uint64(header[1] & 0x7F)

	if !f.Opcode.IsValid() {
		return nil, &FrameError{Err: ErrUnsupportedOpcode, Opcode: f.Opcode}
	}
	if f.Opcode.IsControl() {
		if length > MaxControlPayloadSize {
			return nil, &FrameError{Err: ErrControlFrameTooLarge, Opcode: f.Opcode}
		}
		if !f.Fin {
			return nil, &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
		}
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, unexpected(err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, unexpected(err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > uint64(maxPayload) {
		return nil, &FrameError{Err: ErrFrameTooLarge, Opcode: f.Opcode}
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, unexpected(err)
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, unexpected(err)
	}
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}
	return f, nil
}

// unexpected turns a clean EOF inside a frame into io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// AppendFrame appends the wire encoding of f to dst.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if !f.Opcode.IsValid() {
		return dst, &FrameError{Err: ErrUnsupportedOpcode, Opcode: f.Opcode}
	}
	if f.Opcode.IsControl() {
		if len(f.Payload) > MaxControlPayloadSize {
			return dst, &FrameError{Err: ErrControlFrameTooLarge, Opcode: f.Opcode}
		}
		if !f.Fin {
			return dst, &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
		}
	}

	b0 := byte(f.Opcode)
	if f.Fin {
		b0 |= finBit
	}
	var b1 byte
	if f.Masked {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n < 126:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.Masked {
		dst = append(dst, f.MaskKey[:]...)
	}
	start := len(dst)
	dst = append(dst, f.Payload...)
	if f.Masked {
		Mask(dst[start:], f.MaskKey)
	}
	return dst, nil
}

// WriteFrame writes f to w with a single Write call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := AppendFrame(make([]byte, 0, 14+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
