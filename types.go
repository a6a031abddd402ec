package voxa

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Record is a persisted chat message.
type Record struct {
	ID        int64  `json:"id"`
	ChannelID string `json:"channel_id"`
	Author    string `json:"from"`
	Contents  string `json:"contents"`
	Timestamp int64  `json:"timestamp"` // Unix seconds
}

// Request is one of the structured client messages: *SendMessage,
// *EditMessage or *DeleteMessage.
type Request interface {
	RequestType() string
}

// Client request types, as carried in the "type" field.
const (
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
)

// SendMessage posts a new message to a channel.
type SendMessage struct {
	ChannelID string `json:"channel_id"`
	Contents  string `json:"contents"`
}

// RequestType implements Request.
func (*SendMessage) RequestType() string { return TypeSendMessage }

// EditMessage replaces the contents of an existing message.
type EditMessage struct {
	ChannelID   string `json:"channel_id"`
	MessageID   string `json:"message_id"`
	NewContents string `json:"new_contents"`
}

// RequestType implements Request.
func (*EditMessage) RequestType() string { return TypeEditMessage }

// DeleteMessage removes a message from a channel.
type DeleteMessage struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// RequestType implements Request.
func (*DeleteMessage) RequestType() string { return TypeDeleteMessage }

// wireMessage is the tagged JSON representation shared by both directions.
type wireMessage struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

var errUnknownType = errors.New("unknown message type")

// DecodeRequest parses a tagged client message. Every field of the variant
// is required; unknown fields are ignored.
func DecodeRequest(data []byte) (Request, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	var (
		req    Request
		fields []string
	)
	switch w.Type {
	case TypeSendMessage:
		req, fields = &SendMessage{}, []string{"channel_id", "contents"}
	case TypeEditMessage:
		req, fields = &EditMessage{}, []string{"channel_id", "message_id", "new_contents"}
	case TypeDeleteMessage:
		req, fields = &DeleteMessage{}, []string{"channel_id", "message_id"}
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, w.Type)
	}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(w.Params, &present); err != nil {
		return nil, fmt.Errorf("params of %s: %w", w.Type, err)
	}
	for _, f := range fields {
		if _, ok := present[f]; !ok {
			return nil, fmt.Errorf("params of %s: missing field %q", w.Type, f)
		}
	}
	if err := json.Unmarshal(w.Params, req); err != nil {
		return nil, fmt.Errorf("params of %s: %w", w.Type, err)
	}
	return req, nil
}

// EncodeRequest produces the tagged JSON form of req.
func EncodeRequest(req Request) ([]byte, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: req.RequestType(), Params: params})
}

// Server message types, as carried in the "type" field.
const (
	TypeAuthenticated  = "authenticated"
	TypeError          = "error"
	TypeMessageCreate  = "message_create"
	TypeMessageUpdate  = "message_update"
	TypeMessageDelete  = "message_delete"
	TypePresenceUpdate = "presence_update"
	TypeTyping         = "typing"
)

// ServerMessage is a tagged message sent from the server to clients.
type ServerMessage struct {
	Type   string `json:"type"`
	Params any    `json:"params"`
}

// Authenticated is the payload of the authenticated message.
type Authenticated struct {
	UUID     string   `json:"uuid"`
	Messages []Record `json:"messages"`
}

// MessageDeleted is the payload of the message_delete message.
type MessageDeleted struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// PresenceUpdate is the payload of the presence_update message.
type PresenceUpdate struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Typing is the payload of the typing message.
type Typing struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// NewAuthenticated builds the reply sent once a session is authenticated.
func NewAuthenticated(userID string, backlog []Record) ServerMessage {
	if backlog == nil {
		backlog = []Record{}
	}
	return ServerMessage{Type: TypeAuthenticated, Params: Authenticated{UUID: userID, Messages: backlog}}
}

// NewMessageCreate wraps a freshly persisted record.
func NewMessageCreate(r Record) ServerMessage {
	return ServerMessage{Type: TypeMessageCreate, Params: r}
}

// NewMessageUpdate wraps an edited record.
func NewMessageUpdate(r Record) ServerMessage {
	return ServerMessage{Type: TypeMessageUpdate, Params: r}
}

// NewMessageDelete announces a deleted message.
func NewMessageDelete(channelID, messageID string) ServerMessage {
	return ServerMessage{Type: TypeMessageDelete, Params: MessageDeleted{ChannelID: channelID, MessageID: messageID}}
}

// NewError builds an error envelope.
func NewError(kind ErrorKind, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Params: ResponseError{Kind: kind, Message: message}}
}

// ErrorKind classifies an error envelope.
type ErrorKind string

const (
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindNotFound       ErrorKind = "not_found"
	KindInternalError  ErrorKind = "internal_error"
)

// ResponseError is the payload of the error message.
type ResponseError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// RequestError is returned by handlers for failures that are reported to the
// sender without closing the connection.
type RequestError struct {
	Kind    ErrorKind
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrUnauthorized is returned by authenticators when a token is rejected.
var ErrUnauthorized = errors.New("unauthorized")

// ServerIdentity is sent by the server right after the handshake.
type ServerIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientIdentity is the first message a client sends after the handshake.
type ClientIdentity struct {
	Version       string `json:"version"`
	AuthToken     string `json:"auth_token"`
	LastMessageID *int64 `json:"last_message_id,omitempty"`
}
