package ws

import "time"

type MessageType string

const (
	MsgAegisPickedUp MessageType = "aegis-picked-up"
	MsgRoshanKilled  MessageType = "roshan-killed"
	MsgRefresh       MessageType = "refresh"
	MsgUpdateMedal   MessageType = "update-medal"
	MsgError         MessageType = "error"
)

// DataType is the message type carrying one throttled entity slice.
func DataType(entity string) MessageType {
	return MessageType("DATA_" + entity)
}

type Message struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// AegisPayload describes the current aegis holder. An empty payload
// clears the overlay.
type AegisPayload struct {
	PlayerID   int       `json:"playerId"`
	ExpireS    int       `json:"expireS"`
	ExpireDate time.Time `json:"expireDate"`
	Snatched   bool      `json:"snatched,omitempty"`
}

// RoshanPayload describes the respawn window after a kill.
type RoshanPayload struct {
	MinS    int       `json:"minS"`
	MaxS    int       `json:"maxS"`
	MinDate time.Time `json:"minDate"`
	MaxDate time.Time `json:"maxDate"`
}

type MedalPayload struct {
	Rank int `json:"rank"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
