package voxa

import "unicode/utf8"

// EnvelopeKind tells which field of an Envelope is populated.
type EnvelopeKind int

const (
	// EnvelopeRequest carries a decoded structured Request.
	EnvelopeRequest EnvelopeKind = iota
	// EnvelopeText carries UTF-8 text that is not a known request.
	EnvelopeText
	// EnvelopeBinary carries a payload that is not valid UTF-8.
	EnvelopeBinary
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvelopeRequest:
		return "request"
	case EnvelopeText:
		return "text"
	case EnvelopeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Envelope is one fully reassembled application message.
type Envelope struct {
	Kind    EnvelopeKind
	Request Request
	Text    string
	Binary  []byte
}

// DecodeEnvelope classifies a reassembled payload. Valid UTF-8 is first
// tried as a structured request and falls back to raw text; anything else
// is kept as binary. It never fails.
func DecodeEnvelope(payload []byte) Envelope {
	if !utf8.Valid(payload) {
		return Envelope{Kind: EnvelopeBinary, Binary: payload}
	}
	text := string(payload)
	req, err := DecodeRequest(payload)
	if err != nil {
		return Envelope{Kind: EnvelopeText, Text: text}
	}
	return Envelope{Kind: EnvelopeRequest, Request: req, Text: text}
}
