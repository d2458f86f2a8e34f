package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Browser events accepted by a page session
const (
	UIEventHoverEnter = "hover_enter"
	UIEventHoverLeave = "hover_leave"
	UIEventTouch      = "touch"
	UIEventClose      = "close"
	UIEventAction     = "action"
	UIEventPageReady  = "page_ready"
	UIEventRecheck    = "recheck"
)

var (
	// ErrIdentityIncomplete is returned by Recheck before both identity facts are known
	ErrIdentityIncomplete = errors.New("printer identity not resolved yet")
	// ErrSessionStopped is returned once the session loop has exited
	ErrSessionStopped = errors.New("page session stopped")
	// ErrCheckInInFlight is returned by Recheck while a check-in is still running
	ErrCheckInInFlight = errors.New("check-in already in flight")
)

// SessionView is everything a session renders into
type SessionView interface {
	PopupView
	PageView
	ConnectionChanged(state ConnectionState)
}

// SessionSnapshot is a point-in-time view of a session for the status API
type SessionSnapshot struct {
	ID               string                  `json:"id"`
	PageURL          string                  `json:"page_url"`
	Relayed          bool                    `json:"relayed"`
	Locality         *LocalityClassification `json:"locality,omitempty"`
	Connection       ConnectionState         `json:"connection"`
	RetryCount       int                     `json:"retry_count"`
	Identity         IdentityFacts           `json:"identity"`
	IdentityComplete bool                    `json:"identity_complete"`
	PluginSemver     string                  `json:"plugin_semver,omitempty"`
	Popup            string                  `json:"popup"`
	Linked           bool                    `json:"linked"`
	CreatedAt        time.Time               `json:"created_at"`
}

// PageSession is the agent instance for one page view. It owns the control
// channel, identity resolver, popup engine, check-in reporter and page state,
// and runs them all on its own event loop.
type PageSession struct {
	ID        string
	PageURL   string
	CreatedAt time.Time

	loop     *eventLoop
	view     SessionView
	channel  *ControlChannel
	resolver *IdentityResolver
	engine   *NotificationEngine
	page     *PageState
	checkin  *CheckInReporter
	locality *LocalityReporter
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	relayed        bool
	classification *LocalityClassification
	checkInFlight  bool
}

// NewPageSession builds a session for the page at pageURL
func NewPageSession(cfg *Config, pageURL string, view SessionView, recorder CheckInRecorder, clk clock.Clock) (*PageSession, error) {
	channelURL, err := cfg.ControlChannelURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build control channel URL: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}

	id := uuid.NewString()
	base := log.With().Str("session", id).Logger()
	sub := func(component string) zerolog.Logger {
		return base.With().Str("component", component).Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := newEventLoop()
	relayed := IsRelayedURL(pageURL, cfg.RelayDomains)

	s := &PageSession{
		ID:        id,
		PageURL:   pageURL,
		CreatedAt: time.Now(),
		loop:      loop,
		view:      view,
		channel:   NewControlChannel(channelURL, cfg.LocalAPIKey, loop, clk, sub("control_channel")),
		resolver:  NewIdentityResolver(sub("identity")),
		engine:    NewNotificationEngine(view, relayed, loop, clk, sub("notification")),
		page:      NewPageState(view, cfg.AddPrinterURL, loop, clk, sub("page")),
		checkin:   NewCheckInReporter(cfg.CheckInURL, cfg.ClientType, cfg.HTTPTimeout, recorder, sub("checkin")),
		locality:  NewLocalityReporter(cfg.ReportURL(), cfg.LocalAPIKey, cfg.HTTPTimeout, sub("topology")),
		logger:    sub("session"),
		ctx:       ctx,
		cancel:    cancel,
		relayed:   relayed,
	}

	s.channel.Subscribe(s.resolver.HandleMessage)
	s.channel.Subscribe(s.engine.HandleMessage)
	s.channel.OnStateChange(view.ConnectionChanged)
	s.resolver.OnComplete(s.identityComplete)

	return s, nil
}

// Start runs the session loop and begins connecting
func (s *PageSession) Start() {
	go s.loop.run()
	s.loop.post(s.start)
}

func (s *PageSession) start() {
	s.logger.Info().Str("page_url", s.PageURL).Bool("relayed", s.relayed).Msg("Page session started")

	c, err := Classify(s.PageURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("page_url", s.PageURL).Msg("Failed to classify page address")
	} else {
		s.classification = &c
		if c.IsLocal {
			go func() {
				if err := s.locality.Report(s.ctx, c); err != nil {
					s.logger.Warn().Err(err).Msg("Failed to report local frontend port")
				}
			}()
		}
	}

	s.channel.Connect()
}

// Stop tears the session down. It is safe to call more than once.
func (s *PageSession) Stop() {
	s.loop.call(func() {
		s.channel.Close()
		s.engine.Stop()
		s.page.Stop()
	})
	s.cancel()
	s.loop.stop()
}

// Show displays a notification in this session's popup
func (s *PageSession) Show(req NotificationRequest) {
	s.loop.post(func() { s.engine.Show(req) })
}

// HandleUIEvent applies one browser event
func (s *PageSession) HandleUIEvent(event string) {
	s.loop.post(func() {
		switch event {
		case UIEventHoverEnter:
			s.engine.HoverEnter()
		case UIEventHoverLeave:
			s.engine.HoverLeave()
		case UIEventTouch:
			s.engine.Touch()
		case UIEventClose:
			s.engine.Close()
		case UIEventAction:
			s.engine.Action()
		case UIEventPageReady:
			s.page.MarkReady()
		case UIEventRecheck:
			if err := s.recheck(); err != nil {
				s.logger.Info().Err(err).Msg("Recheck skipped")
			}
		default:
			s.logger.Debug().Str("event", event).Msg("Ignoring unknown UI event")
		}
	})
}

// Recheck runs the check-in again with the resolved identity
func (s *PageSession) Recheck() error {
	var err error
	if !s.loop.call(func() { err = s.recheck() }) {
		return ErrSessionStopped
	}
	return err
}

func (s *PageSession) recheck() error {
	facts := s.resolver.Facts()
	if !facts.Complete() {
		return ErrIdentityIncomplete
	}
	return s.startCheckIn(facts)
}

// Snapshot returns the current session state
func (s *PageSession) Snapshot() (SessionSnapshot, bool) {
	var snap SessionSnapshot
	ok := s.loop.call(func() {
		snap = SessionSnapshot{
			ID:               s.ID,
			PageURL:          s.PageURL,
			Relayed:          s.relayed,
			Locality:         s.classification,
			Connection:       s.channel.State(),
			RetryCount:       s.channel.RetryCount(),
			Identity:         s.resolver.Facts(),
			IdentityComplete: s.resolver.Fired(),
			PluginSemver:     pluginSemver(s.resolver.Version()),
			Popup:            s.engine.State(),
			Linked:           s.page.Linked(),
			CreatedAt:        s.CreatedAt,
		}
	})
	return snap, ok
}

func (s *PageSession) identityComplete(facts IdentityFacts) {
	s.page.ShowSetupLink(facts.PrinterID)
	if err := s.startCheckIn(facts); err != nil {
		s.logger.Debug().Err(err).Msg("Check-in not started")
	}
}

func (s *PageSession) startCheckIn(facts IdentityFacts) error {
	if s.checkInFlight {
		return ErrCheckInInFlight
	}
	s.checkInFlight = true

	go func() {
		result, err := s.checkin.CheckIn(s.ctx, facts.PrinterID, facts.PluginVersion, s.relayed)
		s.loop.post(func() { s.applyCheckIn(result, err) })
	}()
	return nil
}

// applyCheckIn merges the check-in directives into the page
func (s *PageSession) applyCheckIn(result *CheckInResult, err error) {
	s.checkInFlight = false
	if err != nil || result == nil {
		return
	}

	if len(result.Notification) > 0 && string(result.Notification) != "null" {
		req, err := decodeNotification(result.Notification, false)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed check-in notification")
		} else {
			s.engine.Show(req)
		}
	}
	if result.PrinterName != nil {
		s.page.AppendTitle(*result.PrinterName, s.relayed)
	}
	if result.IsLinked != nil && *result.IsLinked {
		s.page.SetLinked(true)
	}
}
