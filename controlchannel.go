package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ConnectionState represents the state of the control channel
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ErrNotConnected is returned by Send while the channel is not connected
var ErrNotConnected = errors.New("control channel not connected")

// linearBackOff grows the reconnect delay by one unit per consecutive failure
// up to maxCount units and never stops.
type linearBackOff struct {
	unit     time.Duration
	maxCount int
	count    int
}

func newLinearBackOff(unit time.Duration, maxCount int) *linearBackOff {
	return &linearBackOff{unit: unit, maxCount: maxCount}
}

// NextBackOff counts one more failure and returns the delay before the next attempt
func (b *linearBackOff) NextBackOff() time.Duration {
	if b.count < b.maxCount {
		b.count++
	}
	return time.Duration(b.count) * b.unit
}

// Reset clears the failure counter after a successful connection
func (b *linearBackOff) Reset() {
	b.count = 0
}

// Count returns the current retry counter
func (b *linearBackOff) Count() int {
	return b.count
}

// ControlChannel owns the single logical connection to the local control API.
// All methods must be called from the owning event loop.
type ControlChannel struct {
	url      string
	header   http.Header
	apiKey   string
	loop     *eventLoop
	dialer   *websocket.Dialer
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	backoff  *linearBackOff
	retry    *timerSlot
	onState  func(ConnectionState)
	handlers []func(InboundMessage)

	state      ConnectionState
	conn       *websocket.Conn
	generation uint64
	nextID     int64
	pending    map[int64]string
	closed     bool
}

// NewControlChannel creates a channel for the given websocket URL. Connect must be
// called from the loop to start it.
func NewControlChannel(url, apiKey string, loop *eventLoop, clk clock.Clock, logger zerolog.Logger) *ControlChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &ControlChannel{
		url:     url,
		apiKey:  apiKey,
		loop:    loop,
		dialer:  &websocket.Dialer{HandshakeTimeout: HandshakeTimeout},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		backoff: newLinearBackOff(ReconnectUnit, MaxRetryCounter),
		retry:   newTimerSlot(clk, loop),
		state:   StateDisconnected,
		pending: make(map[int64]string),
		nextID:  1,
	}
}

// Subscribe registers a handler for every inbound message, in arrival order
func (c *ControlChannel) Subscribe(fn func(InboundMessage)) {
	c.handlers = append(c.handlers, fn)
}

// OnStateChange registers a callback for connection state transitions
func (c *ControlChannel) OnStateChange(fn func(ConnectionState)) {
	c.onState = fn
}

// State returns the current connection state
func (c *ControlChannel) State() ConnectionState {
	return c.state
}

// RetryCount returns the current retry counter
func (c *ControlChannel) RetryCount() int {
	return c.backoff.Count()
}

// Connect tears down any existing channel and starts a new dial
func (c *ControlChannel) Connect() {
	if c.closed {
		return
	}

	c.retry.cancel()
	c.teardown()
	c.setState(StateConnecting)

	generation := c.generation
	c.logger.Debug().Str("url", c.url).Uint64("generation", generation).Msg("Connecting control channel")

	go func() {
		conn, resp, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil && resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		if !c.loop.post(func() { c.handleDial(generation, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

// handleDial completes a dial attempt started by Connect
func (c *ControlChannel) handleDial(generation uint64, conn *websocket.Conn, err error) {
	if generation != c.generation || c.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		c.logger.Warn().Err(err).Msg("Control channel connection failed")
		c.handleDisconnect()
		return
	}

	c.conn = conn
	c.backoff.Reset()
	c.setState(StateConnected)
	c.logger.Info().Str("url", c.url).Msg("Control channel connected")

	go c.readLoop(generation, conn)

	c.Send(MethodGetDatabaseItem, databaseQuery(KeyPrinterID), IntentPrinterID)
	c.Send(MethodGetDatabaseItem, databaseQuery(KeyPluginVersion), IntentPluginVersion)
	c.Send(MethodIdentifyConnection, identifyParams(c.apiKey), IntentIdentify)
}

// readLoop reads frames until the connection fails and posts them to the loop
func (c *ControlChannel) readLoop(generation uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.loop.post(func() { c.handleClosed(generation, err) })
			return
		}
		c.loop.post(func() { c.handleFrame(generation, data) })
	}
}

func (c *ControlChannel) handleFrame(generation uint64, data []byte) {
	if generation != c.generation {
		return
	}

	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed control channel message")
		return
	}

	if msg.ID != nil {
		if intent, ok := c.pending[*msg.ID]; ok {
			delete(c.pending, *msg.ID)
			msg.Intent = intent
		}
	}
	if msg.Error != nil {
		c.logger.Warn().Str("intent", msg.Intent).Int("code", msg.Error.Code).Str("error", msg.Error.Message).Msg("Control API returned an error")
	}

	for _, fn := range c.handlers {
		fn(msg)
	}
}

func (c *ControlChannel) handleClosed(generation uint64, err error) {
	if generation != c.generation {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warn().Err(err).Msg("Control channel closed unexpectedly")
	} else {
		c.logger.Info().Err(err).Msg("Control channel closed")
	}

	c.teardown()
	c.handleDisconnect()
}

// handleDisconnect counts the failure and schedules the next attempt
func (c *ControlChannel) handleDisconnect() {
	c.setState(StateDisconnected)
	if c.closed {
		return
	}

	delay := c.backoff.NextBackOff()
	c.logger.Info().Dur("delay", delay).Int("retry", c.backoff.Count()).Msg("Reconnecting control channel")
	c.retry.arm(delay, c.Connect)
}

// teardown closes the live connection and invalidates its pending callbacks
func (c *ControlChannel) teardown() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.pending = make(map[int64]string)
}

// Send writes a request. While not connected it is a no-op that returns ErrNotConnected.
func (c *ControlChannel) Send(method string, params interface{}, intent string) (int64, error) {
	if c.state != StateConnected || c.conn == nil {
		c.logger.Debug().Str("method", method).Msg("Send called but control channel not connected")
		return 0, ErrNotConnected
	}

	id := c.nextID
	c.nextID++

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(ChannelWriteLimit))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn().Err(err).Str("method", method).Msg("Failed to send control channel request")
		return 0, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	if intent != "" {
		c.pending[id] = intent
	}
	c.logger.Debug().Int64("id", id).Str("method", method).Msg("Sent control channel request")
	return id, nil
}

// Close stops the channel for good
func (c *ControlChannel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.retry.cancel()
	if c.conn != nil {
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.teardown()
	c.setState(StateDisconnected)
}

func (c *ControlChannel) setState(state ConnectionState) {
	if c.state == state {
		return
	}
	c.state = state
	if c.onState != nil {
		c.onState(state)
	}
}
