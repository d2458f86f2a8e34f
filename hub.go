package main

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Panel websocket limits
const (
	panelWriteWait  = 10 * time.Second
	panelPongWait   = 60 * time.Second
	panelPingPeriod = 54 * time.Second
	panelReadLimit  = 4096
	panelHelloWait  = 10 * time.Second
)

// PanelMessage is one message between the agent and a browser panel
type PanelMessage struct {
	Type          string        `json:"type"`
	Timestamp     time.Time     `json:"timestamp"`
	Popup         *PopupContent `json:"popup,omitempty"`
	URL           string        `json:"url,omitempty"`
	Suffix        string        `json:"suffix,omitempty"`
	SetupNeeded   *bool         `json:"setup_needed,omitempty"`
	SetupComplete *bool         `json:"setup_complete,omitempty"`
	QRCodeBase64  string        `json:"qr_code_base64,omitempty"`
	State         string        `json:"state,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
}

// panelInbound is a message sent by the browser panel
type panelInbound struct {
	Type    string `json:"type"`
	PageURL string `json:"page_url"`
	Event   string `json:"event"`
	Regions bool   `json:"regions"`
}

// Panel message types
const (
	panelMsgHello       = "hello"
	panelMsgUIEvent     = "ui_event"
	panelMsgWelcome     = "welcome"
	panelMsgPopupRender = "popup_render"
	panelMsgPopupFade   = "popup_fade"
	panelMsgPopupHide   = "popup_hide"
	panelMsgOpenURL     = "open_url"
	panelMsgTitle       = "title_append"
	panelMsgRegions     = "regions"
	panelMsgSetupLink   = "setup_link"
	panelMsgConnection  = "connection"
	panelMsgConfig      = "config_updated"
)

var errPanelClosed = errors.New("panel client closed")

// PanelHub tracks connected browser panels and their page sessions
type PanelHub struct {
	clients    map[*PanelClient]bool
	register   chan *PanelClient
	unregister chan *PanelClient
	broadcast  chan []byte
	mutex      sync.RWMutex
	logger     zerolog.Logger
}

// PanelClient is one browser panel connection. It is the view its page session renders into.
type PanelClient struct {
	hub          *PanelHub
	conn         *websocket.Conn
	send         chan []byte
	session      *PageSession
	regionsReady atomic.Bool
	closed       bool
	sendMutex    sync.Mutex
	logger       zerolog.Logger
}

var _ SessionView = (*PanelClient)(nil)

func newPanelHub() *PanelHub {
	return &PanelHub{
		clients:    make(map[*PanelClient]bool),
		register:   make(chan *PanelClient),
		unregister: make(chan *PanelClient),
		broadcast:  make(chan []byte),
		logger:     componentLogger("panel_hub"),
	}
}

// run starts the hub
func (h *PanelHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info().Int("clients", count).Msg("Panel connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info().Int("clients", count).Msg("Panel disconnected")

		case message := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				if err := client.enqueue(message); err != nil {
					h.logger.Debug().Err(err).Msg("Skipping panel during broadcast")
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// Broadcast sends msg to every connected panel
func (h *PanelHub) Broadcast(msg PanelMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to marshal broadcast")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Debug().Msg("Hub busy, dropping broadcast")
	}
}

// Sessions returns the sessions of all connected panels, oldest first
func (h *PanelHub) Sessions() []*PageSession {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	sessions := make([]*PageSession, 0, len(h.clients))
	for client := range h.clients {
		if client.session != nil {
			sessions = append(sessions, client.session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Session finds a connected panel's session by id
func (h *PanelHub) Session(id string) *PageSession {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		if client.session != nil && client.session.ID == id {
			return client.session
		}
	}
	return nil
}

// Count returns the number of connected panels
func (h *PanelHub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// servePanel upgrades the request and runs a page session for it
func (h *PanelHub) servePanel(w http.ResponseWriter, r *http.Request, cfg *Config, recorder CheckInRecorder) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Panels are served from the printer's own frontend
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Panel websocket upgrade failed")
		return
	}

	conn.SetReadLimit(panelReadLimit)
	conn.SetReadDeadline(time.Now().Add(panelHelloWait))
	var hello panelInbound
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != panelMsgHello {
		h.logger.Warn().Err(err).Msg("Panel did not send hello")
		conn.Close()
		return
	}

	client := &PanelClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}
	client.regionsReady.Store(hello.Regions)

	session, err := NewPageSession(cfg, hello.PageURL, client, recorder, clock.New())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create page session")
		conn.Close()
		return
	}
	client.session = session
	client.logger = h.logger.With().Str("session", session.ID).Logger()

	h.register <- client

	go client.writePump()
	client.push(PanelMessage{Type: panelMsgWelcome, SessionID: session.ID})
	session.Start()
	go client.readPump()
}

// readPump forwards browser events to the session until the panel goes away
func (c *PanelClient) readPump() {
	defer func() {
		c.session.Stop()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(panelPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(panelPongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("Panel websocket error")
			}
			return
		}

		var msg panelInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed panel message")
			continue
		}
		if msg.Type != panelMsgUIEvent {
			continue
		}
		if msg.Event == UIEventPageReady {
			c.regionsReady.Store(true)
		}
		c.session.HandleUIEvent(msg.Event)
	}
}

// writePump writes queued messages and keepalive pings to the browser
func (c *PanelClient) writePump() {
	ticker := time.NewTicker(panelPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(panelWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(panelWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *PanelClient) push(msg PanelMessage) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to marshal panel message")
		return
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Debug().Err(err).Str("type", msg.Type).Msg("Dropping panel message")
	}
}

func (c *PanelClient) enqueue(data []byte) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if c.closed {
		return errPanelClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("panel send buffer full")
	}
}

func (c *PanelClient) closeSend() {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *PanelClient) RenderPopup(content PopupContent) {
	c.push(PanelMessage{Type: panelMsgPopupRender, Popup: &content})
}

func (c *PanelClient) FadeOutPopup() {
	c.push(PanelMessage{Type: panelMsgPopupFade})
}

func (c *PanelClient) HidePopup() {
	c.push(PanelMessage{Type: panelMsgPopupHide})
}

func (c *PanelClient) OpenURL(url string) {
	c.push(PanelMessage{Type: panelMsgOpenURL, URL: url})
}

func (c *PanelClient) AppendTitle(suffix string) {
	c.push(PanelMessage{Type: panelMsgTitle, Suffix: suffix})
}

func (c *PanelClient) SetRegions(setupNeeded, setupComplete bool) {
	c.push(PanelMessage{Type: panelMsgRegions, SetupNeeded: &setupNeeded, SetupComplete: &setupComplete})
}

func (c *PanelClient) SetSetupLink(url, qrCodeBase64 string) {
	c.push(PanelMessage{Type: panelMsgSetupLink, URL: url, QRCodeBase64: qrCodeBase64})
}

func (c *PanelClient) RegionsAvailable() bool {
	return c.regionsReady.Load()
}

func (c *PanelClient) ConnectionChanged(state ConnectionState) {
	c.push(PanelMessage{Type: panelMsgConnection, State: string(state)})
}
