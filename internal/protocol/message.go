package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the envelope for all browser WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal payload")
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeBotStatus    = "bot:status"
	TypeBotLog       = "bot:log"
	TypeBotPosition  = "bot:position"
	TypeBotInventory = "bot:inventory"
	TypeBotError     = "bot:error"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Client → Server message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrBotNotFound    = "BOT_NOT_FOUND"
)

// Server → Client payloads. Every bot payload carries botId.

type BotStatusPayload struct {
	BotID     string     `json:"botId"`
	Status    string     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type BotLogPayload struct {
	BotID     string    `json:"botId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

type BotErrorPayload struct {
	BotID string `json:"botId"`
	Error string `json:"error"`
}

type SubscriptionPayload struct {
	BotID string `json:"botId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// WithBotID merges botId into a JSON object reported by a bot. Values
// that are not objects are wrapped as {"botId": ..., "data": ...}.
func WithBotID(botID string, data json.RawMessage) (json.RawMessage, error) {
	id, err := json.Marshal(botID)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if len(data) > 0 && json.Unmarshal(data, &obj) == nil && obj != nil {
		obj["botId"] = id
		return json.Marshal(obj)
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{"botId": id, "data": data})
}
