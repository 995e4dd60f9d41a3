package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType is returned when a TYPE id is not in the registry
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMissingRequiredField is matched by every MissingFieldError
	ErrMissingRequiredField = errors.New("missing required field")
	// ErrInvalidField is matched by every InvalidFieldError
	ErrInvalidField = errors.New("invalid field")
)

// InvalidFieldError is returned for an envelope field holding a value of the wrong kind
type InvalidFieldError struct {
	Field string
	Value any
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("%s: %s must be a string, got %T", ErrInvalidField, e.Field, e.Value)
}

func (e *InvalidFieldError) Is(target error) bool {
	return target == ErrInvalidField
}

// MissingFieldError names the first required field absent from a message
type MissingFieldError struct {
	Type  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("%s: %s message has no %s field", ErrMissingRequiredField, e.Type, e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingRequiredField
}

// MessageTypeSetting describes one message type. Settings are shared and must not be modified.
type MessageTypeSetting struct {
	// Stable wire id, "<CATEGORY>/<NAME>"
	ID   string
	Name string
	// Fields that must be present for a message of this type
	RequiredFields []string
	// Fields that may be present
	OptionalFields []string
}

func newType(category, name string, required, optional []string) *MessageTypeSetting {
	return &MessageTypeSetting{
		ID:             category + "/" + name,
		Name:           name,
		RequiredFields: required,
		OptionalFields: optional,
	}
}

func (s *MessageTypeSetting) String() string {
	return s.ID
}

// CheckFields reports whether every required field is present in m
func (s *MessageTypeSetting) CheckFields(m Message) bool {
	return s.Validate(m) == nil
}

// Validate returns a *MissingFieldError for the first required field absent from m
func (s *MessageTypeSetting) Validate(m Message) error {
	for _, field := range s.RequiredFields {
		if !m.Has(field) {
			return &MissingFieldError{Type: s.ID, Field: field}
		}
	}
	return nil
}

// Data message types
var Data = struct {
	Forward, Gradient, Reward, Text, Custom *MessageTypeSetting
}{
	Forward:  newType("DATA", "FORWARD", []string{FieldData}, []string{FieldRoom}),
	Gradient: newType("DATA", "GRADIENT", []string{FieldData}, []string{FieldRoom}),
	Reward:   newType("DATA", "REWARD", []string{FieldData}, []string{FieldRoom}),
	Text:     newType("DATA", "TEXT", []string{FieldData}, []string{FieldRoom}),
	Custom:   newType("DATA", "CUSTOM", nil, nil),
}

// Command message types
var Command = struct {
	Register, Disconnect, JoinRoom, LeaveRoom                      *MessageTypeSetting
	EnableLogging, DisableLogging                                  *MessageTypeSetting
	SaveModelWeights, LoadModelWeights, SaveSettings, LoadSettings *MessageTypeSetting
	Custom                                                         *MessageTypeSetting
}{
	Register:         newType("COMMAND", "REGISTER", []string{FieldName}, nil),
	Disconnect:       newType("COMMAND", "DISCONNECT", nil, nil),
	JoinRoom:         newType("COMMAND", "JOINROOM", []string{FieldRoom}, nil),
	LeaveRoom:        newType("COMMAND", "LEAVEROOM", []string{FieldRoom}, nil),
	EnableLogging:    newType("COMMAND", "ENABLELOGGING", nil, []string{FieldComponent}),
	DisableLogging:   newType("COMMAND", "DISABLELOGGING", nil, []string{FieldComponent}),
	SaveModelWeights: newType("COMMAND", "SAVEMODELWEIGHTS", nil, []string{FieldWeights, FieldComponent}),
	LoadModelWeights: newType("COMMAND", "LOADMODELWEIGHTS", nil, []string{FieldWeights, FieldComponent}),
	SaveSettings:     newType("COMMAND", "SAVESETTINGS", []string{FieldSettings}, []string{FieldComponent}),
	LoadSettings:     newType("COMMAND", "LOADSETTINGS", []string{FieldSettings}, []string{FieldComponent}),
	Custom:           newType("COMMAND", "CUSTOM", nil, nil),
}

// Log message types. Message has the wire id LOG/MESSAGES.
var Log = struct {
	ModelWeights, Settings, Message, KPI, Run, Custom *MessageTypeSetting
}{
	ModelWeights: newType("LOG", "MODELWEIGHTS", []string{FieldWeights, FieldComponent}, []string{"DM"}),
	Settings:     newType("LOG", "SETTINGS", []string{FieldSettings, FieldComponent}, []string{"DM"}),
	Message:      newType("LOG", "MESSAGES", []string{FieldMessage, FieldSender, FieldRoom}, nil),
	KPI:          newType("LOG", "KPI", []string{"KPI", FieldComponent, "TIME", "VALUE"}, nil),
	Run:          newType("LOG", "RUN", []string{"RUN"}, []string{"TYPE", "STARTTIME", "ENDTIME"}),
	Custom:       newType("LOG", "CUSTOM", nil, nil),
}

var allTypes = []*MessageTypeSetting{
	Data.Forward, Data.Gradient, Data.Reward, Data.Text, Data.Custom,
	Command.Register, Command.Disconnect, Command.JoinRoom, Command.LeaveRoom,
	Command.EnableLogging, Command.DisableLogging,
	Command.SaveModelWeights, Command.LoadModelWeights, Command.SaveSettings, Command.LoadSettings,
	Command.Custom,
	Log.ModelWeights, Log.Settings, Log.Message, Log.KPI, Log.Run, Log.Custom,
}

var typesByID = func() map[string]*MessageTypeSetting {
	m := make(map[string]*MessageTypeSetting, len(allTypes))
	for _, t := range allTypes {
		m[t.ID] = t
	}
	return m
}()

// Types lists every registered message type, DATA first, then COMMAND, then LOG
func Types() []*MessageTypeSetting {
	return append([]*MessageTypeSetting(nil), allTypes...)
}

// ByID looks up a message type across all categories
func ByID(id string) (*MessageTypeSetting, error) {
	t, ok := typesByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, id)
	}
	return t, nil
}

// Validate resolves the type of m and checks its required fields
func Validate(m Message) (*MessageTypeSetting, error) {
	t, err := ByID(m.Type)
	if err != nil {
		return nil, err
	}
	if err := t.Validate(m); err != nil {
		return t, err
	}
	return t, nil
}

// ModelStatusSetting is a phase of the experiment a message belongs to
type ModelStatusSetting struct {
	ID   int
	Name string
}

var (
	ModelStatusTrain    = ModelStatusSetting{ID: 1, Name: "TRAIN"}
	ModelStatusValidate = ModelStatusSetting{ID: 2, Name: "VALIDATE"}
)

// ModelStatusByID returns the model status with the given id
func ModelStatusByID(id int) (ModelStatusSetting, bool) {
	for _, s := range []ModelStatusSetting{ModelStatusTrain, ModelStatusValidate} {
		if s.ID == id {
			return s, true
		}
	}
	return ModelStatusSetting{}, false
}
