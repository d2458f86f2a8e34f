package main

import (
	"sync"
	"sync/atomic"
)

// fakeView records everything a session renders
type fakeView struct {
	mu          sync.Mutex
	events      []string
	rendered    []PopupContent
	opened      []string
	titles      []string
	regions     [][2]bool
	setupLinks  []string
	qrCodes     []string
	states      []ConnectionState
	regionsLive atomic.Bool
}

var _ SessionView = (*fakeView)(nil)

func (v *fakeView) record(event string) {
	v.events = append(v.events, event)
}

func (v *fakeView) RenderPopup(content PopupContent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("render")
	v.rendered = append(v.rendered, content)
}

func (v *fakeView) FadeOutPopup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("fade")
}

func (v *fakeView) HidePopup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("hide")
}

func (v *fakeView) OpenURL(url string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.record("open")
	v.opened = append(v.opened, url)
}

func (v *fakeView) AppendTitle(suffix string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.titles = append(v.titles, suffix)
}

func (v *fakeView) SetRegions(setupNeeded, setupComplete bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regions = append(v.regions, [2]bool{setupNeeded, setupComplete})
}

func (v *fakeView) SetSetupLink(url, qrCodeBase64 string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setupLinks = append(v.setupLinks, url)
	v.qrCodes = append(v.qrCodes, qrCodeBase64)
}

func (v *fakeView) RegionsAvailable() bool {
	return v.regionsLive.Load()
}

func (v *fakeView) ConnectionChanged(state ConnectionState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.states = append(v.states, state)
}

func (v *fakeView) Events() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.events...)
}

func (v *fakeView) Rendered() []PopupContent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]PopupContent(nil), v.rendered...)
}

func (v *fakeView) Opened() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.opened...)
}

func (v *fakeView) Titles() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.titles...)
}

func (v *fakeView) Regions() [][2]bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([][2]bool(nil), v.regions...)
}

func (v *fakeView) SetupLinks() ([]string, []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.setupLinks...), append([]string(nil), v.qrCodes...)
}

func (v *fakeView) States() []ConnectionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ConnectionState(nil), v.states...)
}

// fakeRecorder collects check-in records
type fakeRecorder struct {
	mu      sync.Mutex
	records []CheckInRecord
}

func (r *fakeRecorder) RecordCheckIn(rec CheckInRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) Records() []CheckInRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CheckInRecord(nil), r.records...)
}
