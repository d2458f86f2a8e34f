package main

import (
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

// PageView is the page around the popup: its title and the setup regions
type PageView interface {
	AppendTitle(suffix string)
	SetRegions(setupNeeded, setupComplete bool)
	SetSetupLink(url, qrCodeBase64 string)
	RegionsAvailable() bool
}

// PageState applies check-in directives to the page. All methods must be
// called from the owning event loop.
type PageState struct {
	view          PageView
	poll          *timerSlot
	addPrinterURL string
	logger        zerolog.Logger

	ready         bool
	titleAppended bool
	linkedPending bool
	linked        bool
	pollAttempts  int
}

// NewPageState creates the page state for one session
func NewPageState(view PageView, addPrinterURL string, loop *eventLoop, clk clock.Clock, logger zerolog.Logger) *PageState {
	return &PageState{
		view:          view,
		poll:          newTimerSlot(clk, loop),
		addPrinterURL: addPrinterURL,
		logger:        logger,
	}
}

// AppendTitle adds the printer name to the page title once, and only for relayed sessions
func (p *PageState) AppendTitle(printerName string, relayed bool) {
	if !relayed || printerName == "" || p.titleAppended {
		return
	}
	p.titleAppended = true
	p.view.AppendTitle(" - " + printerName)
}

// Linked reports whether the setup complete region is shown
func (p *PageState) Linked() bool {
	return p.linked
}

// SetLinked switches the page to the setup complete regions. The regions may
// not exist yet, so the change waits for the page ready signal or a bounded poll.
func (p *PageState) SetLinked(linked bool) {
	if !linked || p.linked {
		return
	}
	p.linkedPending = true
	p.pollAttempts = 0
	p.applyLinked()
}

// MarkReady records that the page has finished building its regions
func (p *PageState) MarkReady() {
	if p.ready {
		return
	}
	p.ready = true
	if p.linkedPending {
		p.poll.cancel()
		p.applyLinked()
	}
}

func (p *PageState) applyLinked() {
	if p.ready || p.view.RegionsAvailable() {
		p.poll.cancel()
		p.linkedPending = false
		p.linked = true
		p.view.SetRegions(false, true)
		p.logger.Debug().Msg("Printer is linked, showing setup complete")
		return
	}

	if p.pollAttempts >= RegionPollMaxAttempts {
		// Still pending, a later ready signal applies it.
		p.logger.Warn().Int("attempts", p.pollAttempts).Msg("Setup regions never appeared, waiting for page ready")
		return
	}
	p.pollAttempts++
	p.poll.arm(RegionPollInterval, p.applyLinked)
}

// ShowSetupLink renders the add-printer link and its QR code in the setup needed region
func (p *PageState) ShowSetupLink(printerID string) {
	link, err := setupLink(p.addPrinterURL, printerID)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to build setup link")
		return
	}

	qrCode, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to generate setup QR code")
		p.view.SetSetupLink(link, "")
		return
	}
	p.view.SetSetupLink(link, base64.StdEncoding.EncodeToString(qrCode))
}

// Stop cancels the region poll
func (p *PageState) Stop() {
	p.poll.cancel()
}

func setupLink(base, printerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid add printer URL: %w", err)
	}
	q := u.Query()
	q.Set("isFromKlipper", "true")
	q.Set("printerid", printerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
