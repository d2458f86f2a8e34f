package main

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Popup states
const (
	PopupHidden            = "hidden"
	PopupVisible           = "visible"
	PopupAutoHideScheduled = "autohide_scheduled"
	PopupAutoHideSuspended = "autohide_suspended"
)

// Popup events
const (
	popupEventShow       = "show"
	popupEventSchedule   = "schedule"
	popupEventHoverEnter = "hover_enter"
	popupEventHoverLeave = "hover_leave"
	popupEventHide       = "hide"
)

// Notification severities
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityError   = "error"
	SeverityNotice  = "notice"
)

// NotificationRequest is a request to show the popup
type NotificationRequest struct {
	Title                     string  `json:"title"`
	BodyMarkup                string  `json:"body"`
	Severity                  string  `json:"severity"`
	ActionLabel               string  `json:"actionLabel,omitempty"`
	ActionURL                 string  `json:"actionUrl,omitempty"`
	AutoHideSeconds           float64 `json:"autoHideSeconds"`
	RestrictToRelayedSessions bool    `json:"restrictToRelayedSessions"`
}

// AutoHide returns the auto-hide duration, zero when the popup stays until closed
func (r NotificationRequest) AutoHide() time.Duration {
	if r.AutoHideSeconds <= 0 {
		return 0
	}
	return time.Duration(r.AutoHideSeconds * float64(time.Second))
}

// wireNotification is the notification payload as sent by the plugin and the check-in service
type wireNotification struct {
	Title                 string  `json:"title"`
	Text                  string  `json:"text"`
	MsgType               string  `json:"msg_type"`
	ActionText            *string `json:"action_text"`
	ActionLink            *string `json:"action_link"`
	ShowForSec            float64 `json:"show_for_sec"`
	OnlyShowIfLoadedViaOE *bool   `json:"only_show_if_loaded_via_oe"`

	// Some senders wrap the payload in a Notification object.
	Wrapped *wireNotification `json:"Notification,omitempty"`
}

var errIncompleteNotification = errors.New("notification is missing title or text")

// toRequest validates the payload. restrictDefault applies when the payload
// does not say whether the popup is relay-only.
func (w *wireNotification) toRequest(restrictDefault bool) (NotificationRequest, error) {
	if w.Wrapped != nil {
		return w.Wrapped.toRequest(restrictDefault)
	}
	if w.Title == "" || w.Text == "" {
		return NotificationRequest{}, errIncompleteNotification
	}

	req := NotificationRequest{
		Title:                     w.Title,
		BodyMarkup:                w.Text,
		Severity:                  w.MsgType,
		AutoHideSeconds:           w.ShowForSec,
		RestrictToRelayedSessions: restrictDefault,
	}
	if w.ActionText != nil {
		req.ActionLabel = *w.ActionText
	}
	if w.ActionLink != nil {
		req.ActionURL = *w.ActionLink
	}
	if w.OnlyShowIfLoadedViaOE != nil {
		req.RestrictToRelayedSessions = *w.OnlyShowIfLoadedViaOE
	}
	return req, nil
}

// PopupContent is what the view renders for a visible popup
type PopupContent struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	Severity    string `json:"severity"`
	Color       string `json:"color"`
	ActionLabel string `json:"actionLabel,omitempty"`
	ActionURL   string `json:"actionUrl,omitempty"`
}

// PopupView is the single popup region. Only the notification engine drives it.
type PopupView interface {
	RenderPopup(content PopupContent)
	FadeOutPopup()
	HidePopup()
	OpenURL(url string)
}

var severityColors = map[string]string{
	SeverityInfo:    "#414141",
	SeverityNotice:  "#414141",
	SeveritySuccess: "#2e7d32",
	SeverityError:   "#c62828",
}

// severityColor maps a severity to its popup color, unknown values use the info color
func severityColor(severity string) string {
	if color, ok := severityColors[strings.ToLower(severity)]; ok {
		return color
	}
	return severityColors[SeverityInfo]
}

var leadingBreak = regexp.MustCompile(`(?i)^<br\s*/?>`)

// stripLeadingBreak removes one leading line-break tag
func stripLeadingBreak(markup string) string {
	if loc := leadingBreak.FindStringIndex(markup); loc != nil {
		return markup[loc[1]:]
	}
	return markup
}

// NotificationEngine drives the single popup slot. All methods must be
// called from the owning event loop.
type NotificationEngine struct {
	machine  *fsm.FSM
	view     PopupView
	autoHide *timerSlot
	fade     *timerSlot
	relayed  bool
	current  *NotificationRequest
	logger   zerolog.Logger
}

// NewNotificationEngine creates an engine in the hidden state
func NewNotificationEngine(view PopupView, relayed bool, loop *eventLoop, clk clock.Clock, logger zerolog.Logger) *NotificationEngine {
	e := &NotificationEngine{
		view:     view,
		autoHide: newTimerSlot(clk, loop),
		fade:     newTimerSlot(clk, loop),
		relayed:  relayed,
		logger:   logger,
	}

	e.machine = fsm.NewFSM(
		PopupHidden,
		fsm.Events{
			{Name: popupEventShow, Src: []string{PopupHidden, PopupVisible, PopupAutoHideScheduled, PopupAutoHideSuspended}, Dst: PopupVisible},
			{Name: popupEventSchedule, Src: []string{PopupVisible}, Dst: PopupAutoHideScheduled},
			{Name: popupEventHoverEnter, Src: []string{PopupAutoHideScheduled}, Dst: PopupAutoHideSuspended},
			{Name: popupEventHoverLeave, Src: []string{PopupAutoHideSuspended}, Dst: PopupAutoHideScheduled},
			{Name: popupEventHide, Src: []string{PopupVisible, PopupAutoHideScheduled, PopupAutoHideSuspended}, Dst: PopupHidden},
		},
		fsm.Callbacks{
			"leave_" + PopupAutoHideScheduled: func(_ context.Context, _ *fsm.Event) {
				e.autoHide.cancel()
			},
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Debug().Str("from", ev.Src).Str("to", ev.Dst).Str("event", ev.Event).Msg("Popup state changed")
			},
		},
	)

	return e
}

// State returns the current popup state
func (e *NotificationEngine) State() string {
	return e.machine.Current()
}

// Current returns the request being shown, nil when hidden
func (e *NotificationEngine) Current() *NotificationRequest {
	if e.State() == PopupHidden {
		return nil
	}
	return e.current
}

// SetRelayed updates whether the session is a relayed session
func (e *NotificationEngine) SetRelayed(relayed bool) {
	e.relayed = relayed
}

// Show displays req, replacing any visible popup. It returns false when the
// request is restricted to relayed sessions and this session is not one.
func (e *NotificationEngine) Show(req NotificationRequest) bool {
	if req.RestrictToRelayedSessions && !e.relayed {
		e.logger.Debug().Str("title", req.Title).Msg("Dropping relay-only notification")
		return false
	}

	e.fade.cancel()
	e.current = &req
	e.fire(popupEventShow)

	e.view.RenderPopup(PopupContent{
		Title:       req.Title,
		Body:        stripLeadingBreak(req.BodyMarkup),
		Severity:    req.Severity,
		Color:       severityColor(req.Severity),
		ActionLabel: req.ActionLabel,
		ActionURL:   req.ActionURL,
	})

	if d := req.AutoHide(); d > 0 {
		e.fire(popupEventSchedule)
		e.autoHide.arm(d, e.expire)
	}

	e.logger.Info().Str("title", req.Title).Str("severity", req.Severity).Msg("Showing notification")
	return true
}

// HoverEnter cancels a scheduled auto-hide
func (e *NotificationEngine) HoverEnter() {
	if e.State() != PopupAutoHideScheduled {
		return
	}
	e.fire(popupEventHoverEnter)
}

// HoverLeave re-arms auto-hide for the full original duration
func (e *NotificationEngine) HoverLeave() {
	if e.State() != PopupAutoHideSuspended || e.current == nil {
		return
	}
	e.fire(popupEventHoverLeave)
	e.autoHide.arm(e.current.AutoHide(), e.expire)
}

// Touch extends a scheduled auto-hide for pointers that cannot report leaving
func (e *NotificationEngine) Touch() {
	if e.State() != PopupAutoHideScheduled {
		return
	}
	e.autoHide.arm(e.autoHide.remaining()+TouchExtension, e.expire)
}

// Close hides the popup immediately
func (e *NotificationEngine) Close() {
	if e.State() == PopupHidden {
		return
	}
	e.fire(popupEventHide)
	e.fade.cancel()
	e.view.HidePopup()
}

// Action opens the action link and closes the popup
func (e *NotificationEngine) Action() {
	if e.State() == PopupHidden || e.current == nil {
		return
	}
	if e.current.ActionURL != "" {
		e.view.OpenURL(e.current.ActionURL)
	}
	e.Close()
}

// Stop cancels all pending timers
func (e *NotificationEngine) Stop() {
	e.autoHide.cancel()
	e.fade.cancel()
}

func (e *NotificationEngine) expire() {
	if e.State() != PopupAutoHideScheduled {
		return
	}
	e.fire(popupEventHide)
	e.view.FadeOutPopup()
	e.fade.arm(FadeDuration, e.view.HidePopup)
}

// HandleMessage shows notifications pushed over the control channel
func (e *NotificationEngine) HandleMessage(msg InboundMessage) {
	events, err := msg.AgentEvents()
	if errors.Is(err, errNotAgentEvent) {
		return
	}
	if err != nil {
		e.logger.Warn().Err(err).Msg("Dropping malformed agent event")
		return
	}

	for _, ev := range events {
		if ev.Event != AgentEventNotify {
			continue
		}
		req, err := decodeNotification(ev.Data, false)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Dropping malformed notification event")
			continue
		}
		e.Show(req)
	}
}

// decodeNotification parses a wire notification payload
func decodeNotification(data []byte, restrictDefault bool) (NotificationRequest, error) {
	if len(data) == 0 {
		return NotificationRequest{}, errIncompleteNotification
	}
	var wire wireNotification
	if err := json.Unmarshal(data, &wire); err != nil {
		return NotificationRequest{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	return wire.toRequest(restrictDefault)
}

// fire sends event to the state machine. Self transitions are not errors.
func (e *NotificationEngine) fire(event string) {
	err := e.machine.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	e.logger.Warn().Err(err).Str("event", event).Str("state", e.machine.Current()).Msg("Popup transition failed")
}
