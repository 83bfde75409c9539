package protocol

import "encoding/json"

// Inbound events, emitted by clients.
const (
	EventJoinUserRoom         = "user:joinUserRoom"
	EventNewContactMessage    = "contact:newContactMessage"
	EventUpdateContactMessage = "contact:updateContactMessage"
	EventDeleteContactMessage = "contact:deleteContactMessage"
	EventReadContactMessage   = "contact:readContactMessage"
	EventReactContactMessage  = "contact:reactContactMessage"
)

// Outbound events. The receive* names are suffixed with ":<recipientId>".
const (
	EventJoined                       = "joined"
	EventReceiveContactMessage        = "receiveContactMessage"
	EventReceiveUpdatedContactMessage = "receiveUpdatedContactMessage"
	EventReceiveDeletedContactMessage = "receiveDeletedContactMessage"
	EventReceiveMessageRead           = "receiveMessageRead"
	EventReceiveContactMessageReact   = "receiveContactMessageReaction"
)

const (
	ackSuffix   = ":ack"
	errorSuffix = ":error"
)

// AckEvent names the sender-only acknowledgement for an inbound event.
func AckEvent(event string) string { return event + ackSuffix }

// ErrorEvent names the sender-only rejection for an inbound event.
func ErrorEvent(event string) string { return event + errorSuffix }

// RecipientEvent scopes an outbound event name to one identity.
func RecipientEvent(event, recipientID string) string { return event + ":" + recipientID }

// Frame is the unit written to and read from a relay websocket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Decode unmarshals the frame's data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(f.Data, v)
}
