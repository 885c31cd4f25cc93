package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"mindcraft-hub/internal/supervisor"
)

type botSummary struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Status supervisor.Status `json:"status"`
}

type botStatusResponse struct {
	BotID string `json:"botId"`
	supervisor.BotStatus
}

type startRequest struct {
	TaskID string `json:"taskId"`
}

func (s *server) handleBotsList(c *gin.Context) {
	profiles := s.Catalog.Profiles()
	out := make([]botSummary, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, botSummary{ID: p.ID, Name: p.Name, Status: s.Supervisor.Status(p.ID).Status})
	}
	c.JSON(http.StatusOK, gin.H{"bots": out})
}

func (s *server) handleStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, s.Supervisor.Statuses())
}

func (s *server) handleBotStatus(c *gin.Context) {
	id := c.Param("botId")
	c.JSON(http.StatusOK, botStatusResponse{BotID: id, BotStatus: s.Supervisor.Status(id)})
}

func (s *server) handlePrerequisites(c *gin.Context) {
	id := c.Param("botId")
	if _, ok := s.Catalog.BotProfile(id); !ok {
		writeError(c, http.StatusNotFound, "bot not found")
		return
	}
	c.JSON(http.StatusOK, s.Supervisor.ValidatePrerequisites(id))
}

func (s *server) handleRecentLogs(c *gin.Context) {
	id := c.Param("botId")
	c.JSON(http.StatusOK, gin.H{"botId": id, "logs": s.Supervisor.RecentLogs(id)})
}

func (s *server) handleStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	res := s.Supervisor.Start(c.Param("botId"), req.TaskID)
	c.JSON(resultStatus(res), res)
}

func (s *server) handleStop(c *gin.Context) {
	res := s.Supervisor.Stop(c.Param("botId"))
	c.JSON(resultStatus(res), res)
}

// resultStatus maps a lifecycle result onto an HTTP status.
func resultStatus(res supervisor.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case res.NotFound:
		return http.StatusNotFound
	case len(res.MissingKeys) > 0:
		return http.StatusBadRequest
	case res.Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
