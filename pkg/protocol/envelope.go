package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope tags used on the wire. Each envelope is externally tagged,
// serde-style JSON: the tag is the single key and the variant is its value.
const (
	tagClient = "Clientmsg"
	tagServer = "Servermsg"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrEmptyEnvelope   = errors.New("envelope carries neither an intent nor a reply")
)

// Envelope is the unit carried by one frame. Exactly one of Intent and Reply is set.
type Envelope struct {
	Intent ClientIntent
	Reply  ServerReply
}

// IntentEnvelope wraps a client intent.
func IntentEnvelope(i ClientIntent) Envelope {
	return Envelope{Intent: i}
}

// ReplyEnvelope wraps a server reply.
func ReplyEnvelope(r ServerReply) Envelope {
	return Envelope{Reply: r}
}

// ===== Client intents =====

// IntentHandler receives a decoded intent. Adding a variant adds a method here,
// which breaks every handler until it deals with the new case.
type IntentHandler interface {
	HandleRegister(Register)
	HandleBroadcast(Broadcast)
	HandlePrivate(Private)
	HandleCommand(Command)
}

// ClientIntent is the closed set of messages a client sends to the relay.
type ClientIntent interface {
	Dispatch(h IntentHandler)
	Kind() string
	isClientIntent()
}

// Register claims a name for the connection.
type Register struct {
	Name string `json:"name"`
}

// Broadcast is a line for every connected user.
type Broadcast struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

// Private is a line for a single named user.
type Private struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// Command is a slash command such as "/users" or "/history".
type Command struct {
	From    string `json:"from"`
	Command string `json:"command"`
}

func (m Register) Dispatch(h IntentHandler)  { h.HandleRegister(m) }
func (m Broadcast) Dispatch(h IntentHandler) { h.HandleBroadcast(m) }
func (m Private) Dispatch(h IntentHandler)   { h.HandlePrivate(m) }
func (m Command) Dispatch(h IntentHandler)   { h.HandleCommand(m) }

func (Register) Kind() string  { return "Register" }
func (Broadcast) Kind() string { return "Broadcast" }
func (Private) Kind() string   { return "Private" }
func (Command) Kind() string   { return "Command" }

func (Register) isClientIntent()  {}
func (Broadcast) isClientIntent() {}
func (Private) isClientIntent()   {}
func (Command) isClientIntent()   {}

// ===== Server replies =====

// ReplyHandler receives a decoded reply. See IntentHandler.
type ReplyHandler interface {
	HandleBroadcastMessage(BroadcastMessage)
	HandlePrivateMessage(PrivateMessage)
	HandleUserList(UserList)
	HandleHistory(History)
	HandleError(Error)
	HandleSystem(System)
	HandleExit(Exit)
}

// ServerReply is the closed set of messages the relay sends to a client.
type ServerReply interface {
	Dispatch(h ReplyHandler)
	Kind() string
	// Recipient returns the addressed name, or "" for System and Exit.
	Recipient() string
	isServerReply()
}

type BroadcastMessage struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

type PrivateMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// UserList answers "/users". Names travel under the "content" key.
type UserList struct {
	Names []string `json:"content"`
	To    string   `json:"to"`
}

// History answers "/history". Text travels under the "content" key.
type History struct {
	Text string `json:"content"`
	To   string `json:"to"`
}

type Error struct {
	Content string `json:"content"`
	To      string `json:"to"`
}

// System is a relay notice for everyone (joins, leaves, empty user list).
type System struct {
	Content string `json:"content"`
}

// Exit tells the client the relay is shutting down.
type Exit struct{}

func (m BroadcastMessage) Dispatch(h ReplyHandler) { h.HandleBroadcastMessage(m) }
func (m PrivateMessage) Dispatch(h ReplyHandler)   { h.HandlePrivateMessage(m) }
func (m UserList) Dispatch(h ReplyHandler)         { h.HandleUserList(m) }
func (m History) Dispatch(h ReplyHandler)          { h.HandleHistory(m) }
func (m Error) Dispatch(h ReplyHandler)            { h.HandleError(m) }
func (m System) Dispatch(h ReplyHandler)           { h.HandleSystem(m) }
func (m Exit) Dispatch(h ReplyHandler)             { h.HandleExit(m) }

func (BroadcastMessage) Kind() string { return "BroadcastMessage" }
func (PrivateMessage) Kind() string   { return "PrivateMessage" }
func (UserList) Kind() string         { return "UserList" }
func (History) Kind() string          { return "History" }
func (Error) Kind() string            { return "Error" }
func (System) Kind() string           { return "System" }
func (Exit) Kind() string             { return "Exit" }

func (BroadcastMessage) Recipient() string { return "" }
func (m PrivateMessage) Recipient() string { return m.To }
func (m UserList) Recipient() string       { return m.To }
func (m History) Recipient() string        { return m.To }
func (m Error) Recipient() string          { return m.To }
func (System) Recipient() string           { return "" }
func (Exit) Recipient() string             { return "" }

func (BroadcastMessage) isServerReply() {}
func (PrivateMessage) isServerReply()   {}
func (UserList) isServerReply()         {}
func (History) isServerReply()          {}
func (Error) isServerReply()            {}
func (System) isServerReply()           {}
func (Exit) isServerReply()             {}

// ===== JSON encoding =====

// MarshalJSON writes {"Clientmsg":{"<Kind>":{...}}} or {"Servermsg":{"<Kind>":{...}}}.
// Exit has no fields and is written as the bare string "Exit".
func (e Envelope) MarshalJSON() ([]byte, error) {
	switch {
	case e.Intent != nil && e.Reply != nil:
		return nil, fmt.Errorf("%w: both intent and reply set", ErrInvalidEnvelope)
	case e.Intent != nil:
		inner, err := marshalVariant(e.Intent.Kind(), e.Intent)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{tagClient: inner})
	case e.Reply != nil:
		var inner json.RawMessage
		var err error
		if _, ok := e.Reply.(Exit); ok {
			inner, err = json.Marshal(Exit{}.Kind())
		} else {
			inner, err = marshalVariant(e.Reply.Kind(), e.Reply)
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{tagServer: inner})
	default:
		return nil, ErrEmptyEnvelope
	}
}

func marshalVariant(kind string, v any) (json.RawMessage, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{kind: body})
}

// UnmarshalJSON is the inverse of MarshalJSON. Unknown fields inside a known
// variant are ignored; unknown tags are rejected.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	tag, inner, err := singleTag(data)
	if err != nil {
		return err
	}

	switch tag {
	case tagClient:
		intent, err := decodeIntent(inner)
		if err != nil {
			return err
		}
		*e = Envelope{Intent: intent}
	case tagServer:
		reply, err := decodeReply(inner)
		if err != nil {
			return err
		}
		*e = Envelope{Reply: reply}
	default:
		return fmt.Errorf("%w: unknown envelope tag %q", ErrInvalidEnvelope, tag)
	}
	return nil
}

// singleTag splits {"Tag": value} into its tag and raw value.
func singleTag(data []byte) (string, json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one tag, got %d", ErrInvalidEnvelope, len(obj))
	}
	for tag, inner := range obj {
		return tag, inner, nil
	}
	return "", nil, ErrInvalidEnvelope
}

func decodeIntent(data []byte) (ClientIntent, error) {
	kind, body, err := singleTag(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "Register":
		return intentAs[Register](body)
	case "Broadcast":
		return intentAs[Broadcast](body)
	case "Private":
		return intentAs[Private](body)
	case "Command":
		return intentAs[Command](body)
	default:
		return nil, fmt.Errorf("%w: unknown client intent %q", ErrInvalidEnvelope, kind)
	}
}

func decodeReply(data []byte) (ServerReply, error) {
	// Unit variants arrive as a bare string.
	var unit string
	if err := json.Unmarshal(data, &unit); err == nil {
		if unit == (Exit{}).Kind() {
			return Exit{}, nil
		}
		return nil, fmt.Errorf("%w: unknown server reply %q", ErrInvalidEnvelope, unit)
	}

	kind, body, err := singleTag(data)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "BroadcastMessage":
		return replyAs[BroadcastMessage](body)
	case "PrivateMessage":
		return replyAs[PrivateMessage](body)
	case "UserList":
		return replyAs[UserList](body)
	case "History":
		return replyAs[History](body)
	case "Error":
		return replyAs[Error](body)
	case "System":
		return replyAs[System](body)
	case "Exit":
		return Exit{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown server reply %q", ErrInvalidEnvelope, kind)
	}
}

func intentAs[T ClientIntent](body json.RawMessage) (ClientIntent, error) {
	var m T
	if err := decodeBody(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func replyAs[T ServerReply](body json.RawMessage) (ServerReply, error) {
	var m T
	if err := decodeBody(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeBody(body json.RawMessage, v any) error {
	if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return fmt.Errorf("%w: null variant body", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
