// Package protocol defines the message envelope exchanged between replicas
// and the coordinator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"quill/internal/crdt"
	"quill/internal/ident"
)

type MessageType string

const (
	TypeOperation    MessageType = "OPERATION"
	TypeSyncRequest  MessageType = "SYNC_REQUEST"
	TypeSyncResponse MessageType = "SYNC_RESPONSE"
	TypeUserJoin     MessageType = "USER_JOIN"
	TypeUserList     MessageType = "USER_LIST"
)

var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the envelope for everything that crosses the transport.
type Message struct {
	Type       MessageType     `json:"type"`
	ClientID   string          `json:"clientId"`
	DocumentID string          `json:"documentId"`
	Operation  *crdt.Operation `json:"operation,omitempty"`
	// Content is the full text on SYNC_RESPONSE.
	Content string `json:"content,omitempty"`
	// CharacterIDs holds one identifier per rune of Content.
	CharacterIDs []ident.ID `json:"characterIds,omitempty"`
	// Users lists the connected clients on USER_JOIN and USER_LIST.
	Users []string `json:"users,omitempty"`
}

func NewOperation(clientID, docID string, op crdt.Operation) Message {
	return Message{Type: TypeOperation, ClientID: clientID, DocumentID: docID, Operation: &op}
}

func NewSyncRequest(clientID, docID string) Message {
	return Message{Type: TypeSyncRequest, ClientID: clientID, DocumentID: docID}
}

func NewSyncResponse(clientID, docID, text string, ids []ident.ID) Message {
	return Message{Type: TypeSyncResponse, ClientID: clientID, DocumentID: docID, Content: text, CharacterIDs: ids}
}

func NewUserJoin(clientID, docID string, users []string) Message {
	return Message{Type: TypeUserJoin, ClientID: clientID, DocumentID: docID, Users: users}
}

func NewUserList(clientID, docID string, users []string) Message {
	return Message{Type: TypeUserList, ClientID: clientID, DocumentID: docID, Users: users}
}

// Validate checks the fields required by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeOperation:
		if m.Operation == nil {
			return fmt.Errorf("%w: OPERATION without operation", ErrMalformedMessage)
		}
		if err := m.Operation.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	case TypeSyncResponse:
		if len(m.CharacterIDs) > 0 && len(m.CharacterIDs) != utf8.RuneCountInString(m.Content) {
			return fmt.Errorf("%w: %d ids for %d characters", ErrMalformedMessage,
				len(m.CharacterIDs), utf8.RuneCountInString(m.Content))
		}
	case TypeSyncRequest, TypeUserJoin, TypeUserList:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	if m.DocumentID == "" {
		return fmt.Errorf("%w: missing documentId", ErrMalformedMessage)
	}
	return nil
}

// Encode returns the JSON form of m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates one message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
