package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Bot → hub side-channel message types.
const (
	LinkPosition  = "position"
	LinkInventory = "inventory"
	LinkReady     = "ready"
	LinkError     = "error"
)

// LinkMessage is one report a running bot sends over its side channel.
type LinkMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var validLinkTypes = map[string]bool{
	LinkPosition:  true,
	LinkInventory: true,
	LinkReady:     true,
	LinkError:     true,
}

// ParseLinkMessage decodes and checks a side-channel message.
func ParseLinkMessage(raw []byte) (*LinkMessage, error) {
	var msg LinkMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if !validLinkTypes[msg.Type] {
		return nil, errors.Errorf("unknown link message type: %q", msg.Type)
	}
	if (msg.Type == LinkPosition || msg.Type == LinkInventory) && len(msg.Data) == 0 {
		return nil, errors.Errorf("missing 'data' in %s message", msg.Type)
	}
	return &msg, nil
}

// ErrorText extracts the message of an error report. Data may be a string
// or an object with a "message" field.
func (m *LinkMessage) ErrorText() string {
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(m.Data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(m.Data)
}
