package main

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

//go:embed templates/*
var templatesFS embed.FS

// maskedSecret replaces secret config values in responses
const maskedSecret = "********"

// WebServer handles HTTP requests using Gin
type WebServer struct {
	store       *Store
	config      *Config
	configMutex sync.RWMutex
	router      *gin.Engine
	hub         *PanelHub
	startedAt   time.Time
	logger      zerolog.Logger
}

// NewWebServer creates a new web server with Gin
func NewWebServer(store *Store, config *Config) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// API routes always answer with JSON, even after a panic
	router.Use(func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if strings.HasPrefix(c.Request.URL.Path, "/api/") {
					c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
					c.Abort()
				} else {
					c.AbortWithStatus(http.StatusInternalServerError)
				}
			}
		}()
		c.Next()
	})

	ws := &WebServer{
		store:     store,
		config:    config,
		router:    router,
		hub:       newPanelHub(),
		startedAt: time.Now(),
		logger:    componentLogger("web"),
	}

	go ws.hub.run()

	ws.setupRoutes()
	return ws
}

// setupRoutes configures all the routes
func (ws *WebServer) setupRoutes() {
	tmpl := template.Must(template.New("").ParseFS(templatesFS, "templates/*"))
	ws.router.SetHTMLTemplate(tmpl)

	ws.router.GET("/", ws.panelHandler)

	api := ws.router.Group("/api")
	{
		api.GET("/status", ws.statusHandler)
		api.GET("/config", ws.getConfigHandler)
		api.POST("/config", ws.updateConfigHandler)
		api.GET("/sessions", ws.sessionsHandler)
		api.POST("/sessions/:id/recheck", ws.recheckHandler)
		api.POST("/sessions/:id/notify", ws.notifyHandler)
		api.GET("/checkins", ws.checkInsHandler)
	}

	ws.router.GET("/ws/panel", ws.panelSocketHandler)
}

// currentConfig returns the configuration new sessions are created with
func (ws *WebServer) currentConfig() *Config {
	ws.configMutex.RLock()
	defer ws.configMutex.RUnlock()
	return ws.config
}

// panelHandler serves the panel page
func (ws *WebServer) panelHandler(c *gin.Context) {
	c.HTML(http.StatusOK, "panel.html", gin.H{
		"Version": Version,
	})
}

// panelSocketHandler starts a page session for a browser panel
func (ws *WebServer) panelSocketHandler(c *gin.Context) {
	ws.hub.servePanel(c.Writer, c.Request, ws.currentConfig(), ws.store)
}

// statusHandler returns agent status
func (ws *WebServer) statusHandler(c *gin.Context) {
	cfg := ws.currentConfig()
	c.JSON(http.StatusOK, gin.H{
		"version":       Version,
		"local_api_url": cfg.LocalAPIURL,
		"sessions":      ws.hub.Count(),
		"uptime":        time.Since(ws.startedAt).Round(time.Second).String(),
	})
}

// getConfigHandler returns current configuration
func (ws *WebServer) getConfigHandler(c *gin.Context) {
	config, err := ws.store.GetAllConfig()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := config[ConfigKeyLocalAPIKey]; ok && config[ConfigKeyLocalAPIKey] != "" {
		config[ConfigKeyLocalAPIKey] = maskedSecret
	}
	c.JSON(http.StatusOK, config)
}

// updateConfigHandler validates and stores configuration values. Running
// sessions keep their configuration, new sessions pick up the change.
func (ws *WebServer) updateConfigHandler(c *gin.Context) {
	var values map[string]string
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	// A masked key posted back from GET means unchanged.
	if values[ConfigKeyLocalAPIKey] == maskedSecret {
		delete(values, ConfigKeyLocalAPIKey)
	}

	for key, value := range values {
		if err := validateConfigValue(key, value); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	for key, value := range values {
		if err := ws.store.SetConfigValue(key, value); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	newConfig, err := LoadConfig(ws.store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	ws.configMutex.Lock()
	ws.config = newConfig
	ws.configMutex.Unlock()

	ws.hub.Broadcast(PanelMessage{Type: panelMsgConfig, Timestamp: time.Now()})
	ws.logger.Info().Int("keys", len(values)).Msg("Configuration updated")

	c.JSON(http.StatusOK, gin.H{"message": "Configuration updated successfully"})
}

// sessionsHandler lists the live page sessions
func (ws *WebServer) sessionsHandler(c *gin.Context) {
	snapshots := []SessionSnapshot{}
	for _, session := range ws.hub.Sessions() {
		if snap, ok := session.Snapshot(); ok {
			snapshots = append(snapshots, snap)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": snapshots})
}

// recheckHandler runs the check-in again for one session
func (ws *WebServer) recheckHandler(c *gin.Context) {
	session := ws.hub.Session(c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	if err := session.Recheck(); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrIdentityIncomplete), errors.Is(err, ErrCheckInInFlight):
			status = http.StatusConflict
		case errors.Is(err, ErrSessionStopped):
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "Check-in started"})
}

// notifyHandler shows a notification in one session, for testing the popup
func (ws *WebServer) notifyHandler(c *gin.Context) {
	session := ws.hub.Session(c.Param("id"))
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}
	if req.Title == "" || req.BodyMarkup == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errIncompleteNotification.Error()})
		return
	}

	session.Show(req)
	c.JSON(http.StatusAccepted, gin.H{"message": "Notification queued"})
}

// checkInsHandler returns the recent check-in history
func (ws *WebServer) checkInsHandler(c *gin.Context) {
	limit := 20
	if str := c.Query("limit"); str != "" {
		parsed, err := strconv.Atoi(str)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	records, err := ws.store.RecentCheckIns(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkins": records})
}

// Handler returns the HTTP handler, used by tests and the server
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server
func (ws *WebServer) Start(addr string) error {
	return ws.router.Run(addr)
}
