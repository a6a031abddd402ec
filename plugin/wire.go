package plugin

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/luciancaetano/voxa"
)

// Operations carried in Call.Op.
const (
	OpInit    = "init"
	OpRequest = "request"
)

// maxLineSize bounds one JSON line in either direction.
const maxLineSize = 16 * 1024 * 1024

// Call is one line sent from the server to a plugin process.
type Call struct {
	Op string `json:"op"`

	// Set for OpInit.
	Server string `json:"server,omitempty"`

	// Set for OpRequest. Kind is "request", "text" or "binary"; Text holds
	// the raw payload for the first two.
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Text      string `json:"text,omitempty"`
	Binary    []byte `json:"binary,omitempty"`
}

// Message is a server message produced by a plugin process.
type Message struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (m Message) serverMessage() voxa.ServerMessage {
	var params any
	if len(m.Params) > 0 {
		params = m.Params
	}
	return voxa.ServerMessage{Type: m.Type, Params: params}
}

// Result is the line a plugin process answers each Call with.
type Result struct {
	Consumed   bool      `json:"consumed"`
	Error      string    `json:"error,omitempty"`
	Replies    []Message `json:"replies,omitempty"`
	Broadcasts []Message `json:"broadcasts,omitempty"`
}

// Serve runs the plugin side of the protocol: it reads Calls from r, passes
// each to handle and writes the Result to w, until r ends.
func Serve(r io.Reader, w io.Writer, handle func(Call) Result) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	enc := json.NewEncoder(w)

	for sc.Scan() {
		var call Call
		if err := json.Unmarshal(sc.Bytes(), &call); err != nil {
			if err := enc.Encode(Result{Error: fmt.Sprintf("decode call: %v", err)}); err != nil {
				return err
			}
			continue
		}
		if err := enc.Encode(handle(call)); err != nil {
			return err
		}
	}
	return sc.Err()
}
