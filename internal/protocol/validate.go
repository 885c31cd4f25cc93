package protocol

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSubscribe:   true,
	TypeUnsubscribe: true,
}

// ValidateClientMessage validates a raw JSON message from a browser client
// and returns it together with the bot it targets. The payload may be
// {"botId": "..."} or the bare bot ID string.
func ValidateClientMessage(raw []byte) (*Message, string, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, "", errors.Wrap(err, "invalid JSON")
	}

	if msg.Type == "" {
		return nil, "", errors.New("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, "", errors.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, "", errors.New("missing 'payload' field")
	}

	botID, err := payloadBotID(msg.Payload)
	if err != nil {
		return nil, "", errors.Wrapf(err, "invalid payload for %s", msg.Type)
	}
	if botID == "" {
		return nil, "", errors.Errorf("missing required field 'botId' in %s payload", msg.Type)
	}

	return &msg, botID, nil
}

func payloadBotID(payload json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(payload, &id); err == nil {
		return strings.TrimSpace(id), nil
	}
	var p SubscriptionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", err
	}
	return strings.TrimSpace(p.BotID), nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
