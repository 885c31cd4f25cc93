// Package api is the dashboard's HTTP surface: bot lifecycle control, log
// session queries and the WebSocket endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mindcraft-hub/internal/botlog"
	"mindcraft-hub/internal/catalog"
	"mindcraft-hub/internal/logstore"
	"mindcraft-hub/internal/supervisor"
)

// Supervisor is the lifecycle controller the API drives.
type Supervisor interface {
	Start(botID, taskID string) supervisor.Result
	Stop(botID string) supervisor.Result
	Status(botID string) supervisor.BotStatus
	Statuses() map[string]supervisor.BotStatus
	ValidatePrerequisites(botID string) supervisor.Prerequisites
	RecentLogs(botID string) []botlog.Entry
}

// LogStore serves persisted log sessions.
type LogStore interface {
	AllSessions() []logstore.Session
	BotSessions(botID string) []logstore.Session
	SessionInfo(sessionID string) (logstore.Session, error)
	ReadSessionLogs(sessionID string, q logstore.Query) (*logstore.Page, error)
	DeleteSession(sessionID string) error
}

// Catalog lists configured bots.
type Catalog interface {
	Profiles() []catalog.Profile
	BotProfile(id string) (*catalog.Profile, bool)
}

// Realtime reports browser subscription state.
type Realtime interface {
	ActiveSubscriptions() map[string]int
	ClientCount() int
}

type Deps struct {
	Supervisor Supervisor
	Logs       LogStore
	Catalog    Catalog
	Realtime   Realtime

	Hub       http.Handler // GET /ws
	BotLink   http.Handler // GET /ws/bot
	Metrics   http.Handler // GET /metrics
	StaticDir string
	Logger    logrus.FieldLogger
}

type server struct {
	Deps
}

// NewRouter builds the gin engine serving every route.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	s := &server{Deps: d}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger), corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	if d.Hub != nil {
		r.GET("/ws", gin.WrapH(d.Hub))
	}
	if d.BotLink != nil {
		r.GET("/ws/bot", gin.WrapH(d.BotLink))
	}

	api := r.Group("/api")

	bots := api.Group("/bots")
	bots.GET("", s.handleBotsList)
	bots.GET("/status", s.handleStatuses)
	botID := bots.Group("/:botId")
	botID.GET("/status", s.handleBotStatus)
	botID.GET("/prerequisites", s.handlePrerequisites)
	botID.GET("/logs", s.handleRecentLogs)
	botID.POST("/start", s.handleStart)
	botID.POST("/stop", s.handleStop)

	logs := api.Group("/logs")
	logs.GET("/sessions", s.handleSessionsList)
	logs.GET("/bots/:botId/sessions", s.handleBotSessions)
	logs.GET("/sessions/:sessionId", s.handleSessionInfo)
	logs.GET("/sessions/:sessionId/logs", s.handleSessionLogs)
	logs.DELETE("/sessions/:sessionId", s.handleSessionDelete)

	if d.Realtime != nil {
		api.GET("/realtime/subscriptions", s.handleSubscriptions)
	}

	if d.StaticDir != "" {
		r.NoRoute(gin.WrapH(http.FileServer(http.Dir(d.StaticDir))))
	}
	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("http request")
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}
