package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/logstore"
)

func (s *server) handleSessionsList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.Logs.AllSessions()})
}

func (s *server) handleBotSessions(c *gin.Context) {
	id := c.Param("botId")
	c.JSON(http.StatusOK, gin.H{"botId": id, "sessions": s.Logs.BotSessions(id)})
}

func (s *server) handleSessionInfo(c *gin.Context) {
	sess, err := s.Logs.SessionInfo(c.Param("sessionId"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *server) handleSessionLogs(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.Logs.ReadSessionLogs(c.Param("sessionId"), q)
	if err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *server) handleSessionDelete(c *gin.Context) {
	if err := s.Logs.DeleteSession(c.Param("sessionId")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *server) handleSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"clients":       s.Realtime.ClientCount(),
		"subscriptions": s.Realtime.ActiveSubscriptions(),
	})
}

func (s *server) storeError(c *gin.Context, err error) {
	if errors.Is(err, logstore.ErrNotFound) {
		writeError(c, http.StatusNotFound, "session not found")
		return
	}
	s.Logger.WithError(err).Error("log store request failed")
	writeError(c, http.StatusInternalServerError, err.Error())
}

func parseQuery(c *gin.Context) (logstore.Query, error) {
	var q logstore.Query
	if v := c.Query("level"); v != "" {
		level, ok := botlog.ParseLevelName(v)
		if !ok {
			return q, errors.Errorf("invalid level %q", v)
		}
		q.Level = level
	}
	var err error
	if q.Limit, err = nonNegative(c, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = nonNegative(c, "offset"); err != nil {
		return q, err
	}
	return q, nil
}

func nonNegative(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}
