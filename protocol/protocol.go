/*
All of the definitions supported by the room hub protocol

Every message is a flat map of upper-case field names to values:
 - ID: unique token per message (32 hex characters, generated by the sender if absent)
 - TYPE: "<CATEGORY>/<NAME>" id of a MessageTypeSetting, see types.go
 - TO_ROOM (optional): name of the room the message is broadcast to
 - TO (optional): display name of a single addressee
 - SENT_BY (optional): display name of the sender, stamped by the hub or client when absent
 - ROOT_ID (optional): correlation id of the causal chain the message belongs to
 - MODEL_STATUS (optional): experiment phase flag, opaque to the hub
 - any type specific fields (DATA, NAME, ROOM, MESSAGE, ...)

Reserved rooms:
 - _command: every client joins, carries register/room/disconnect commands
 - _logging: logging sinks join, receives LOG/MESSAGES shadow copies of forwarded traffic
*/
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Envelope field names
const (
	FieldID          = "ID"
	FieldType        = "TYPE"
	FieldToRoom      = "TO_ROOM"
	FieldTo          = "TO"
	FieldSentBy      = "SENT_BY"
	FieldRootID      = "ROOT_ID"
	FieldModelStatus = "MODEL_STATUS"
)

// Payload field names used by the built-in message types
const (
	FieldData      = "DATA"
	FieldName      = "NAME"
	FieldRoom      = "ROOM"
	FieldMessage   = "MESSAGE"
	FieldSender    = "SENDER"
	FieldComponent = "COMPONENT"
	FieldWeights   = "WEIGHTS"
	FieldSettings  = "SETTINGS"
)

// Reserved room names
const (
	CommandRoom = "_command"
	LoggingRoom = "_logging"
)

// ReservedRooms are pre-created by the hub and never deleted
var ReservedRooms = []string{CommandRoom, LoggingRoom}

// IsReservedRoom reports whether room is one of the ReservedRooms
func IsReservedRoom(room string) bool {
	for _, r := range ReservedRooms {
		if r == room {
			return true
		}
	}
	return false
}

// NewID returns a fresh message id
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Payload holds the type specific fields of a message, plus any unknown fields passed through untouched.
type Payload map[string]any

// Message is the envelope exchanged between clients and the hub.
// String envelope fields are absent when empty.
type Message struct {
	ID          string
	Type        string
	ToRoom      string
	To          string
	SentBy      string
	RootID      string
	ModelStatus any
	Payload     Payload
}

// Category returns the CATEGORY part of the message TYPE id
func (m Message) Category() string {
	category, _, _ := strings.Cut(m.Type, "/")
	return category
}

func (m *Message) stringField(key string) *string {
	switch key {
	case FieldID:
		return &m.ID
	case FieldType:
		return &m.Type
	case FieldToRoom:
		return &m.ToRoom
	case FieldTo:
		return &m.To
	case FieldSentBy:
		return &m.SentBy
	case FieldRootID:
		return &m.RootID
	}
	return nil
}

// Has reports whether the field is present in the message
func (m Message) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Get returns the value of any envelope or payload field
func (m Message) Get(key string) (any, bool) {
	if p := m.stringField(key); p != nil {
		return *p, *p != ""
	}
	if key == FieldModelStatus {
		return m.ModelStatus, m.ModelStatus != nil
	}
	v, ok := m.Payload[key]
	return v, ok
}

// Value returns the value of a field, or nil when it is absent
func (m Message) Value(key string) any {
	if v, ok := m.Get(key); ok {
		return v
	}
	return nil
}

// String returns a field value if it is present and holds a string
func (m Message) String(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set assigns a field, routing envelope fields to their struct members.
// Envelope string fields only accept strings (nil clears them); others give an *InvalidFieldError.
func (m *Message) Set(key string, v any) error {
	if p := m.stringField(key); p != nil {
		switch s := v.(type) {
		case nil:
			*p = ""
		case string:
			*p = s
		default:
			return &InvalidFieldError{Field: key, Value: v}
		}
		return nil
	}
	if key == FieldModelStatus {
		m.ModelStatus = v
		return nil
	}
	if m.Payload == nil {
		m.Payload = make(Payload)
	}
	m.Payload[key] = v
	return nil
}

// Fields flattens the message into its wire map form
func (m Message) Fields() map[string]any {
	out := make(map[string]any, len(m.Payload)+7)
	for k, v := range m.Payload {
		out[k] = v
	}
	for _, key := range []string{FieldID, FieldType, FieldToRoom, FieldTo, FieldSentBy, FieldRootID} {
		if s := *m.stringField(key); s != "" {
			out[key] = s
		}
	}
	if m.ModelStatus != nil {
		out[FieldModelStatus] = m.ModelStatus
	}
	return out
}

// FromFields builds a message from its wire map form.
// The map values are adopted, not copied.
func FromFields(fields map[string]any) (Message, error) {
	var m Message
	for k, v := range fields {
		if err := m.Set(k, v); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// MarshalJSON encodes the message in its flat wire form
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Fields())
}

// Clone returns a deep copy; no maps or slices are shared with the original
func (m Message) Clone() Message {
	out := m
	out.ModelStatus = CopyValue(m.ModelStatus)
	if m.Payload != nil {
		out.Payload = make(Payload, len(m.Payload))
		for k, v := range m.Payload {
			out.Payload[k] = CopyValue(v)
		}
	}
	return out
}

// CopyValue deep copies the maps, slices and messages inside a field value
func CopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, e := range t {
			c[k] = CopyValue(e)
		}
		return c
	case Payload:
		c := make(Payload, len(t))
		for k, e := range t {
			c[k] = CopyValue(e)
		}
		return c
	case map[any]any:
		c := make(map[any]any, len(t))
		for k, e := range t {
			c[k] = CopyValue(e)
		}
		return c
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = CopyValue(e)
		}
		return c
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	case Message:
		return t.Clone()
	}
	return v
}
