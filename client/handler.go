package client

import (
	"github.com/CiaranWoodward/roomhub/protocol"
)

// Args holds the auxiliary values a handler declared in EventHandler.Params
type Args map[string]any

// HandleFunc handles one inbound message.
// A nil message means no response; an error is logged and also means no response.
type HandleFunc func(in protocol.Message, args Args) (*protocol.Message, error)

// Trigger selects the inbound messages an EventHandler fires on. It is immutable once built.
type Trigger struct {
	types map[*protocol.MessageTypeSetting]struct{}
	// nil when no rooms were given: only direct messages can match then
	rooms         map[string]struct{}
	directMessage bool
}

// NewTrigger matches messages of one of types that are either sent to one of rooms,
// or, when directMessage is set, sent to no room at all (addressed with TO only).
func NewTrigger(types []*protocol.MessageTypeSetting, rooms []string, directMessage bool) *Trigger {
	t := &Trigger{
		types:         make(map[*protocol.MessageTypeSetting]struct{}, len(types)),
		directMessage: directMessage,
	}
	for _, typ := range types {
		t.types[typ] = struct{}{}
	}
	if rooms != nil {
		t.rooms = make(map[string]struct{}, len(rooms))
		for _, room := range rooms {
			t.rooms[room] = struct{}{}
		}
	}
	return t
}

// Rooms the trigger listens on
func (t *Trigger) Rooms() []string {
	out := make([]string, 0, len(t.rooms))
	for room := range t.rooms {
		out = append(out, room)
	}
	return out
}

func (t *Trigger) Matches(m protocol.Message) bool {
	typ, err := protocol.ByID(m.Type)
	if err != nil {
		return false
	}
	if _, ok := t.types[typ]; !ok {
		return false
	}
	if m.ToRoom != "" {
		_, ok := t.rooms[m.ToRoom]
		return ok
	}
	return t.directMessage
}

// EventHandler binds a HandleFunc to a Trigger, and says where its responses go.
// All handlers of a client whose trigger matches fire, in no particular order.
type EventHandler struct {
	Handle HandleFunc
	// Names of the client Args passed to Handle; others are withheld
	Params []string
	// Overrides the TYPE of responses when set
	ResponseType *protocol.MessageTypeSetting
	// One copy of the response is sent to each room; no rooms means no response
	ResponseRooms []string
	// Display name responses are addressed to (TO)
	ResponseComponent string
	// Never fires when nil
	Trigger *Trigger
}

func (h *EventHandler) triggered(m protocol.Message) bool {
	return h.Trigger != nil && h.Trigger.Matches(m)
}

func (h *EventHandler) args(all map[string]any) Args {
	out := make(Args, len(h.Params))
	for _, name := range h.Params {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

// Stamp a handler result and fan it out into one independent copy per response room.
// A handler without response rooms emits nothing.
func (h *EventHandler) responses(resp protocol.Message) []protocol.Message {
	if len(h.ResponseRooms) == 0 {
		return nil
	}
	if resp.ID == "" {
		resp.ID = protocol.NewID()
	}
	if h.ResponseType != nil {
		resp.Type = h.ResponseType.ID
	}
	if h.ResponseComponent != "" {
		resp.To = h.ResponseComponent
	}

	out := make([]protocol.Message, 0, len(h.ResponseRooms))
	for _, room := range h.ResponseRooms {
		c := resp.Clone()
		c.ToRoom = room
		out = append(out, c)
	}
	return out
}

// Carry ROOT_ID and MODEL_STATUS over from the triggering message, and sign the response
func propagate(in, resp protocol.Message, self string) protocol.Message {
	if resp.RootID == "" {
		resp.RootID = in.RootID
	}
	if resp.ModelStatus == nil {
		resp.ModelStatus = protocol.CopyValue(in.ModelStatus)
	}
	if resp.SentBy == "" {
		resp.SentBy = self
	}
	return resp
}
