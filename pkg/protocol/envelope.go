package protocol

import (
	"errors"
	"fmt"
	"time"
)

// MessageType is the wire discriminator carried in every envelope.
type MessageType string

const (
	TypeWelcome            MessageType = "welcome"
	TypeSetName            MessageType = "set_name"
	TypeChatMessage        MessageType = "chat_message"
	TypeListUsersRequest   MessageType = "list_users_request"
	TypeUserList           MessageType = "user_list"
	TypeServerHello        MessageType = "server_hello"
	TypeClientConnected    MessageType = "client_connected"
	TypeClientDisconnected MessageType = "client_disconnected"
	TypeError              MessageType = "error"
)

// BroadcastTarget is the reserved recipient meaning "every connected client".
const BroadcastTarget = "all"

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
)

// User is one entry in a user_list envelope.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Server string `json:"server"`
}

// Envelope is one discrete protocol message, exchanged over every transport
// (client↔server and server↔server). Which fields are meaningful depends on
// Type; Validate enforces the required set per type.
//
// Envelopes are values: once constructed they are forwarded, inspected, or
// dropped, but never mutated in place. A hop that needs to change a field
// builds a new envelope.
type Envelope struct {
	Type MessageType `json:"type"`

	// welcome, client_connected, client_disconnected
	ClientID string `json:"client_id,omitempty"`
	Server   string `json:"server,omitempty"`

	// welcome greeting and error text
	Message string `json:"message,omitempty"`

	// set_name and server_hello
	Name string `json:"name,omitempty"`
	Port int    `json:"port,omitempty"`

	// chat_message
	Content      string    `json:"content,omitempty"`
	From         string    `json:"from,omitempty"`
	To           string    `json:"to,omitempty"`
	OriginServer string    `json:"origin_server,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`

	// Presence correlation. Mesh copies of list_users_request carry the
	// requester so replies can find their way back; user_list replies echo
	// RequesterID unchanged.
	RequesterID     string `json:"requester_id,omitempty"`
	RequesterServer string `json:"requester_server,omitempty"`
	Users           []User `json:"users,omitempty"`
}

// Validate checks that the envelope carries the required fields for its type.
// Fields stamped by the receiving server (from, origin_server, timestamp on
// chat messages) are not required at intake: clients never send them.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeWelcome:
		if e.ClientID == "" {
			return missingField(e.Type, "client_id")
		}
		if e.Server == "" {
			return missingField(e.Type, "server")
		}
		if e.Message == "" {
			return missingField(e.Type, "message")
		}
	case TypeSetName:
		if e.Name == "" {
			return missingField(e.Type, "name")
		}
	case TypeChatMessage:
		if e.Content == "" {
			return missingField(e.Type, "content")
		}
		if e.To == "" {
			return missingField(e.Type, "to")
		}
	case TypeListUsersRequest, TypeUserList:
		// No required fields. Client requests are bare; mesh copies carry
		// requester correlation but a missing requester only means the reply
		// has nowhere to land, which the aggregator already tolerates.
	case TypeServerHello:
		if e.Name == "" {
			return missingField(e.Type, "name")
		}
		if e.Port <= 0 {
			return missingField(e.Type, "port")
		}
	case TypeClientConnected, TypeClientDisconnected:
		if e.ClientID == "" {
			return missingField(e.Type, "client_id")
		}
		if e.Server == "" {
			return missingField(e.Type, "server")
		}
	case TypeError:
		if e.Message == "" {
			return missingField(e.Type, "message")
		}
	default:
		return &DecodeError{Type: e.Type, Err: ErrUnknownType}
	}
	return nil
}

func missingField(t MessageType, field string) error {
	return &DecodeError{Type: t, Field: field, Err: ErrMissingField}
}

// NewError builds an error envelope with the given text.
func NewError(message string) *Envelope {
	return &Envelope{Type: TypeError, Message: message}
}

// DecodeError describes a malformed or unrecognized envelope. It is a
// protocol-level error: the caller answers with an error envelope and keeps
// the connection open.
type DecodeError struct {
	Type  MessageType // envelope type, if one was present
	Field string      // offending field, if known
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("invalid %q envelope: %s %q", e.Type, e.Err, e.Field)
	case e.Type != "":
		return fmt.Sprintf("invalid %q envelope: %s", e.Type, e.Err)
	default:
		return fmt.Sprintf("invalid envelope: %s", e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
