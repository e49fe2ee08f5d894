package event

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Frames are JSON objects of the form {"event": "<name>", "data": {...}}.

// ErrUnknownType is wrapped into the error returned by Decode for event
// names without a decoder. Callers log-and-drop these rather than failing
// the connection: new server versions may push event kinds an older client
// does not know about.
var ErrUnknownType = fmt.Errorf("unknown event type")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var decoders = map[Type]func(json.RawMessage) (Event, error){
	TypeMessageCreated:  decodeInto[MessageCreated],
	TypeMessageEdited:   decodeInto[MessageEdited],
	TypeMessageDeleted:  decodeInto[MessageDeleted],
	TypeReadAdvanced:    decodeInto[ReadAdvanced],
	TypeTypingChanged:   decodeInto[TypingChanged],
	TypeMembersChanged:  decodeInto[MembersChanged],
	TypeRoomRenamed:     decodeInto[RoomRenamed],
	TypeRoomChanged:     decodeInto[RoomChanged],
	TypePresenceChanged: decodeInto[PresenceChanged],
	TypeProfileUpdated:  decodeInto[ProfileUpdated],
	TypeReactionsSet:    decodeInto[ReactionsSet],
}

func decodeInto[T any, PT interface {
	*T
	Event
}](data json.RawMessage) (Event, error) {
	ev := PT(new(T))
	if len(data) > 0 {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Decode parses one inbound frame into its typed event. The event name is
// peeked first so malformed payloads can be attributed to a type in logs.
func Decode(frame []byte) (Event, error) {
	name := gjson.GetBytes(frame, "event").Str
	if name == "" {
		return nil, fmt.Errorf("missing event name in frame")
	}
	decode, ok := decoders[Type(name)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, name)
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", name, err)
	}
	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w", name, err)
	}
	return ev, nil
}

// Marshal builds one outbound frame for a command or event.
func Marshal(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return json.Marshal(envelope{Event: name, Data: data})
}
