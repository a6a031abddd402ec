package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// Handshake errors.
var (
	ErrInvalidMethod     = errors.New("invalid HTTP method")
	ErrMalformedRequest  = errors.New("malformed request line")
	ErrMissingUpgrade    = errors.New("missing or invalid Upgrade header")
	ErrMissingConnection = errors.New("missing or invalid Connection header")
	ErrMissingSecKey     = errors.New("missing Sec-WebSocket-Key header")
	ErrInvalidSecVersion = errors.New("unsupported Sec-WebSocket-Version")
)

// websocketGUID is appended to the client key before hashing (RFC 6455 section 1.3).
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// HandshakeError is returned when the upgrade request cannot be accepted.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return "handshake: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// UpgradeRequest is the parsed client side of the opening handshake.
type UpgradeRequest struct {
	Method string
	Target string
	Header textproto.MIMEHeader
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Negotiate reads the upgrade request from r, validates it and writes the
// 101 response to w. Nothing is written when the request is rejected.
//
// r must be the same buffered reader used afterwards for frames, since it
// may already hold bytes that follow the request headers.
func Negotiate(r *bufio.Reader, w io.Writer) (*UpgradeRequest, error) {
	req, err := ReadUpgradeRequest(r)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if _, err := io.WriteString(w, upgradeResponse(AcceptKey(req.Header.Get("Sec-WebSocket-Key")))); err != nil {
		return nil, fmt.Errorf("failed to write upgrade response: %w", err)
	}
	return req, nil
}

// ReadUpgradeRequest reads the request line and headers up to the blank line.
func ReadUpgradeRequest(r *bufio.Reader) (*UpgradeRequest, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("failed to read request line: %w", err)
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, &HandshakeError{Err: ErrMalformedRequest}
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("failed to read headers: %w", err)
	}

	return &UpgradeRequest{
		Method: parts[0],
		Target: parts[1],
		Header: header,
	}, nil
}

// Validate checks the headers required for a WebSocket upgrade.
func (r *UpgradeRequest) Validate() error {
	if r.Method != "GET" {
		return &HandshakeError{Err: ErrInvalidMethod}
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return &HandshakeError{Err: ErrMissingUpgrade}
	}
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return &HandshakeError{Err: ErrMissingConnection}
	}
	if strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key")) == "" {
		return &HandshakeError{Err: ErrMissingSecKey}
	}
	if v, ok := r.Header["Sec-Websocket-Version"]; ok && (len(v) == 0 || strings.TrimSpace(v[0]) != "13") {
		return &HandshakeError{Err: ErrInvalidSecVersion}
	}
	return nil
}

func upgradeResponse(accept string) string {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n")
	sb.WriteString("\r\n")
	return sb.String()
}
