// Package botlink accepts the side-channel connection a running bot opens
// back to the hub and turns its reports into supervisor calls.
package botlink

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	ws "nhooyr.io/websocket"

	"mindcraft-hub/internal/protocol"
)

const maxMessageSize = 1 << 20

// Reporter is the part of the supervisor a bot link talks to.
type Reporter interface {
	VerifyLinkToken(botID, token string) bool
	MarkReady(botID string)
	ReportPosition(botID string, data json.RawMessage)
	ReportInventory(botID string, data json.RawMessage)
	ReportError(botID, message string)
}

type Server struct {
	rep       Reporter
	reg       *Registry
	log       logrus.FieldLogger
	onMessage func(msgType string)
}

type Option func(*Server)

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

// OnMessage registers a hook called with the type of every accepted report.
func OnMessage(fn func(msgType string)) Option {
	return func(s *Server) { s.onMessage = fn }
}

func NewServer(rep Reporter, reg *Registry, opts ...Option) *Server {
	s := &Server{rep: rep, reg: reg, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }

// ServeHTTP handles GET /ws/bot?botId=<id> with "Authorization: Bearer <token>".
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	botID := r.URL.Query().Get("botId")
	if botID == "" {
		http.Error(w, "missing botId", http.StatusBadRequest)
		return
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if !s.rep.VerifyLinkToken(botID, strings.TrimPrefix(authz, "Bearer ")) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := ws.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).WithField("bot", botID).Warn("bot link accept failed")
		return
	}
	c.SetReadLimit(maxMessageSize)

	log := s.log.WithField("bot", botID)
	if s.reg.Replace(botID, c) {
		log.Info("bot link replaced")
	}
	log.Debug("bot link connected")

	ctx := r.Context()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			break
		}
		if typ != ws.MessageText && typ != ws.MessageBinary {
			continue
		}
		msg, err := protocol.ParseLinkMessage(data)
		if err != nil {
			log.WithError(err).Debug("invalid bot link message")
			continue
		}
		s.dispatch(botID, msg)
	}
	_ = c.Close(ws.StatusNormalClosure, "done")
	s.reg.Remove(botID, c)
	log.Debug("bot link disconnected")
}

func (s *Server) dispatch(botID string, msg *protocol.LinkMessage) {
	switch msg.Type {
	case protocol.LinkPosition:
		s.rep.ReportPosition(botID, msg.Data)
	case protocol.LinkInventory:
		s.rep.ReportInventory(botID, msg.Data)
	case protocol.LinkReady:
		s.rep.MarkReady(botID)
	case protocol.LinkError:
		s.rep.ReportError(botID, msg.ErrorText())
	}
	if s.onMessage != nil {
		s.onMessage(msg.Type)
	}
}
