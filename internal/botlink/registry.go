package botlink

import (
	"sync"

	ws "nhooyr.io/websocket"
)

// Registry keeps at most one side-channel connection per bot.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*ws.Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*ws.Conn)} }

// Replace sets the connection for a bot and closes the previous one if present.
func (r *Registry) Replace(botID string, c *ws.Conn) (prevClosed bool) {
	r.mu.Lock()
	old := r.conns[botID]
	r.conns[botID] = c
	r.mu.Unlock()

	if old != nil && old != c {
		_ = old.Close(ws.StatusPolicyViolation, "replaced")
		prevClosed = true
	}
	return
}

// Remove drops the bot's connection, but only if c is still the current one.
func (r *Registry) Remove(botID string, c *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[botID] == c {
		delete(r.conns, botID)
	}
}

func (r *Registry) Connected(botID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[botID] != nil
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every connection, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*ws.Conn)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(ws.StatusGoingAway, "server shutting down")
	}
}
