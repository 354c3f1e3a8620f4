package wire

import (
	"encoding/json"
	"time"
)

// MessageType is the tag carried in the envelope's type field.
type MessageType string

const (
	TypeLocation       MessageType = "LOCATION"
	TypeLocationUpdate MessageType = "LOCATION_UPDATE"
	TypeSOS            MessageType = "SOS"
	TypePing           MessageType = "PING"
	TypePong           MessageType = "PONG"
	TypeAck            MessageType = "ACK"
	TypeCommand        MessageType = "COMMAND"
	TypeAlert          MessageType = "ALERT"
	TypeGroupUpdate    MessageType = "GROUP_UPDATE"
	TypeMessage        MessageType = "MESSAGE"
)

// Message is the envelope exchanged on the tracking connection,
// identical in both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewMessage builds an envelope around data, stamping it with the
// current time. A nil data produces an envelope with no data field.
func NewMessage(t MessageType, data any) (Message, error) {
	msg := Message{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, WrapError(err, CodeProtocol, "failed to encode message data")
	}
	msg.Data = raw
	return msg, nil
}

// MustMessage is NewMessage for payload types that cannot fail to encode.
func MustMessage(t MessageType, data any) Message {
	msg, err := NewMessage(t, data)
	if err != nil {
		panic(err)
	}
	return msg
}

// DecodeData unmarshals the envelope's data field into out.
func (m Message) DecodeData(out any) error {
	if len(m.Data) == 0 {
		return NewError(CodeProtocol, "message %s carries no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return WrapError(err, CodeProtocol, "failed to decode message data")
	}
	return nil
}

// LocationPayload is the data field of an outbound LOCATION message.
type LocationPayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Accuracy   float64 `json:"accuracy,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	Heading    float64 `json:"heading,omitempty"`
	Altitude   float64 `json:"altitude,omitempty"`
	Battery    int     `json:"battery,omitempty"`
	UserName   string  `json:"user_name"`
	CapturedAt int64   `json:"captured_at,omitempty"`
}

// NewLocationPayload converts a reading into the wire shape.
func NewLocationPayload(r PositionReading, userName string) LocationPayload {
	return LocationPayload{
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		Accuracy:   r.Accuracy,
		Speed:      r.SpeedKmh,
		Heading:    r.Heading,
		Altitude:   r.Altitude,
		Battery:    r.BatteryPercent,
		UserName:   userName,
		CapturedAt: r.CapturedAt,
	}
}

// LocationBatchPayload is the data field of the LOCATION_UPDATE batch
// sent when the durability queue drains after a reconnect.
type LocationBatchPayload struct {
	Updates []LocationPayload `json:"updates"`
}

// SOSPayload is the data field of an outbound SOS message.
type SOSPayload struct {
	Message   string  `json:"message,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	UserName  string  `json:"user_name"`
}

// SafetyAnalysis is the server's assessment embedded in a LOCATION ack.
type SafetyAnalysis struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// AckPayload is the data field of an inbound ACK message.
type AckPayload struct {
	Received string          `json:"received,omitempty"`
	Analysis *SafetyAnalysis `json:"analysis,omitempty"`
}

// Command names the server may push inside a COMMAND envelope.
const (
	CommandSendLocation = "send_location_now"
)

// CommandPayload is the data field of an inbound COMMAND message.
type CommandPayload struct {
	Name string `json:"name"`
}

// SOSStatusPayload is the data field of an inbound SOS message carrying
// a server-side lifecycle update for an emergency signal.
type SOSStatusPayload struct {
	ID          string       `json:"id"`
	Status      SignalStatus `json:"status"`
	ResponderID string       `json:"responder_id,omitempty"`
}
