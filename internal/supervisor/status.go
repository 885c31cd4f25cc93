package supervisor

import (
	"encoding/json"
	"time"

	"mindcraft-hub/internal/botlog"
)

// Status is the lifecycle state of a bot.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusOnline   Status = "online"
	StatusError    Status = "error"
	StatusStopping Status = "stopping"
)

// canStart reports whether a start is accepted from s.
func (s Status) canStart() bool {
	return s == StatusOffline || s == StatusError
}

// canStop reports whether a stop is accepted from s.
func (s Status) canStop() bool {
	return s == StatusStarting || s == StatusOnline
}

// running reports whether a process may exist in state s.
func (s Status) running() bool {
	return s == StatusStarting || s == StatusOnline || s == StatusStopping
}

// BotStatus is the externally visible state of one bot.
type BotStatus struct {
	Status    Status     `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Result is returned by Start and Stop. Operational failures are reported
// here rather than as Go errors.
type Result struct {
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	MissingKeys []string `json:"missingKeys,omitempty"`
	// NotFound is set when the bot or task does not exist.
	NotFound bool `json:"-"`
	// Conflict is set when the bot's current state refuses the request.
	Conflict bool `json:"-"`
}

func fail(msg string) Result {
	return Result{Error: msg}
}

func reject(msg string) Result {
	return Result{Error: msg, Conflict: true}
}

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventStatus    EventKind = "status"
	EventLog       EventKind = "log"
	EventPosition  EventKind = "position"
	EventInventory EventKind = "inventory"
	EventError     EventKind = "error"
)

// Event is published to every subscribed Handler.
type Event struct {
	Kind   EventKind
	BotID  string
	Status BotStatus       // EventStatus
	Log    botlog.Entry    // EventLog
	Data   json.RawMessage // EventPosition, EventInventory
	Error  string          // EventError
}
