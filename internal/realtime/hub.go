// Package realtime fans bot events out to browser WebSocket clients. Each
// bot has a room; a client only receives events for the rooms it joined.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/protocol"
	"mindcraft-hub/internal/supervisor"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	sendBufferSize = 256
)

// RoomName returns the room that carries events for botID.
func RoomName(botID string) string {
	return "bot:" + botID
}

// Hub manages browser connections and per-bot rooms.
type Hub struct {
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client // room → client ID → client

	// subscriptions mirrors room membership by bot ID for introspection.
	subsMu        sync.Mutex
	subscriptions map[string]map[string]struct{} // bot ID → client IDs
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Hub) { h.log = l }
}

// WithCheckOrigin restricts which origins may open a connection. By
// default every origin is accepted.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		log: logrus.WithField("component", "realtime"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:       make(map[string]*client),
		rooms:         make(map[string]map[string]*client),
		subscriptions: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades an HTTP connection and serves it until the
// client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  h,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.log.WithField("client", c.id).Debug("client connected")

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("client", c.id).Debug("websocket read error")
			}
			return
		}

		c.hub.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient drops a disconnected client from every room and from the
// subscription index.
func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for room, members := range h.rooms {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	// Nothing can send once the client is out of every map.
	close(c.send)
	h.mu.Unlock()

	h.subsMu.Lock()
	for botID, ids := range h.subscriptions {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(h.subscriptions, botID)
		}
	}
	h.subsMu.Unlock()

	h.log.WithField("client", c.id).Debug("client disconnected")
}

// handleMessage processes a validated client message.
func (h *Hub) handleMessage(c *client, raw []byte) {
	msg, botID, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		h.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSubscribe:
		if !h.Subscribe(c.id, botID) {
			return
		}
		h.sendTo(c, protocol.TypeSubscribed, protocol.SubscriptionPayload{BotID: botID})
	case protocol.TypeUnsubscribe:
		h.Unsubscribe(c.id, botID)
		h.sendTo(c, protocol.TypeUnsubscribed, protocol.SubscriptionPayload{BotID: botID})
	}
}

// Subscribe joins a connected client to the bot's room. It reports false
// for unknown clients.
func (h *Hub) Subscribe(clientID, botID string) bool {
	if h == nil {
		return false
	}
	room := RoomName(botID)

	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*client)
		h.rooms[room] = members
	}
	members[clientID] = c
	h.mu.Unlock()

	h.subsMu.Lock()
	ids, ok := h.subscriptions[botID]
	if !ok {
		ids = make(map[string]struct{})
		h.subscriptions[botID] = ids
	}
	ids[clientID] = struct{}{}
	h.subsMu.Unlock()

	h.log.WithFields(logrus.Fields{"client": clientID, "room": room}).Debug("joined room")
	return true
}

// Unsubscribe removes the client from the bot's room.
func (h *Hub) Unsubscribe(clientID, botID string) {
	if h == nil {
		return
	}
	room := RoomName(botID)

	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, clientID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	h.subsMu.Lock()
	if ids, ok := h.subscriptions[botID]; ok {
		delete(ids, clientID)
		if len(ids) == 0 {
			delete(h.subscriptions, botID)
		}
	}
	h.subsMu.Unlock()
}

// SubscriberCount returns how many clients follow botID.
func (h *Hub) SubscriberCount(botID string) int {
	if h == nil {
		return 0
	}
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subscriptions[botID])
}

// ActiveSubscriptions returns the subscriber count of every followed bot.
func (h *Hub) ActiveSubscriptions() map[string]int {
	out := make(map[string]int)
	if h == nil {
		return out
	}
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	for botID, ids := range h.subscriptions {
		out[botID] = len(ids)
	}
	return out
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastBotStatus sends a status change to the bot's room.
func (h *Hub) BroadcastBotStatus(botID string, st supervisor.BotStatus) {
	h.emit(botID, protocol.TypeBotStatus, protocol.BotStatusPayload{
		BotID:     botID,
		Status:    string(st.Status),
		PID:       st.PID,
		StartTime: st.StartTime,
		Error:     st.Error,
	})
}

// BroadcastBotLog sends one log line to the bot's room.
func (h *Hub) BroadcastBotLog(botID string, e botlog.Entry) {
	h.emit(botID, protocol.TypeBotLog, protocol.BotLogPayload{
		BotID:     botID,
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Message:   e.Message,
		Source:    e.Source,
	})
}

// BroadcastBotPosition forwards a position report to the bot's room.
func (h *Hub) BroadcastBotPosition(botID string, data json.RawMessage) {
	h.emitRaw(botID, protocol.TypeBotPosition, data)
}

// BroadcastBotInventory forwards an inventory report to the bot's room.
func (h *Hub) BroadcastBotInventory(botID string, data json.RawMessage) {
	h.emitRaw(botID, protocol.TypeBotInventory, data)
}

// BroadcastBotError sends an error message to the bot's room.
func (h *Hub) BroadcastBotError(botID, message string) {
	h.emit(botID, protocol.TypeBotError, protocol.BotErrorPayload{BotID: botID, Error: message})
}

func (h *Hub) emitRaw(botID, msgType string, data json.RawMessage) {
	payload, err := protocol.WithBotID(botID, data)
	if err != nil {
		if h != nil {
			h.log.WithError(err).WithField("bot", botID).Warn("bad bot payload")
		}
		return
	}
	h.emit(botID, msgType, payload)
}

// emit delivers one message to every member of the bot's room. A nil hub
// drops the message.
func (h *Hub) emit(botID, msgType string, payload interface{}) {
	if h == nil {
		logrus.WithFields(logrus.Fields{"bot": botID, "type": msgType}).Debug("no realtime hub, dropping event")
		return
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		h.log.WithError(err).Warn("encode event")
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[RoomName(botID)] {
		select {
		case c.send <- data:
		default:
			h.log.WithFields(logrus.Fields{"client": c.id, "type": msgType}).Warn("client queue full, dropping event")
		}
	}
}

func (h *Hub) sendTo(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) sendError(c *client, code, message string) {
	msg, _ := protocol.NewErrorMessage(code, message)
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

// EventSource is anything that publishes supervisor events.
type EventSource interface {
	Subscribe(supervisor.Handler) (unsubscribe func())
}

// Attach forwards every event from src to the matching room.
func (h *Hub) Attach(src EventSource) (detach func()) {
	return src.Subscribe(func(ev supervisor.Event) {
		switch ev.Kind {
		case supervisor.EventStatus:
			h.BroadcastBotStatus(ev.BotID, ev.Status)
		case supervisor.EventLog:
			h.BroadcastBotLog(ev.BotID, ev.Log)
		case supervisor.EventPosition:
			h.BroadcastBotPosition(ev.BotID, ev.Data)
		case supervisor.EventInventory:
			h.BroadcastBotInventory(ev.BotID, ev.Data)
		case supervisor.EventError:
			h.BroadcastBotError(ev.BotID, ev.Error)
		}
	})
}

// Close disconnects every client.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
