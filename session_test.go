package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCheckInService answers check-ins with a fixed response
type fakeCheckInService struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []CheckInRequest
	response interface{}
	hold     chan struct{}
}

func newFakeCheckInService(t *testing.T, response interface{}) *fakeCheckInService {
	t.Helper()
	f := &fakeCheckInService{response: response}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req CheckInRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		hold := f.hold
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.response)
	}))
	t.Cleanup(f.server.Close)
	return f
}

// holdResponses makes the service wait for the returned release func before answering
func (f *fakeCheckInService) holdResponses(t *testing.T) func() {
	t.Helper()
	hold := make(chan struct{})
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(hold) }) }
	t.Cleanup(release)
	return release
}

func (f *fakeCheckInService) Requests() []CheckInRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckInRequest(nil), f.requests...)
}

func testSessionConfig(api *fakeControlAPI, checkin *fakeCheckInService) *Config {
	return &Config{
		LocalAPIURL:   api.baseURL(),
		ReportPath:    DefaultReportPath,
		CheckInURL:    checkin.server.URL + "/api/plugin/ui/checkin",
		RelayDomains:  []string{"octoeverywhere.com", "octoeverywhere.dev"},
		ClientType:    DefaultClientType,
		HTTPTimeout:   5 * time.Second,
		AddPrinterURL: DefaultAddPrinterURL,
	}
}

func answerIdentity(t *testing.T, conn *websocket.Conn, reqs []testRPCRequest, printerID, version string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqs[0].ID,
		"result":  map[string]interface{}{"namespace": IdentityNamespace, "key": KeyPrinterID, "value": printerID},
	}))
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      reqs[1].ID,
		"result":  map[string]interface{}{"namespace": IdentityNamespace, "key": KeyPluginVersion, "value": version},
	}))
}

func TestPageSessionRelayedCheckIn(t *testing.T) {
	api := newFakeControlAPI(t)
	service := newFakeCheckInService(t, map[string]interface{}{
		"Status": 200,
		"Result": map[string]interface{}{
			"Notification": map[string]interface{}{"title": "Welcome back", "text": "<br>Remote access is on", "msg_type": "success"},
			"PrinterName":  "Voron",
			"IsLinked":     true,
		},
	})
	view := &fakeView{}
	view.regionsLive.Store(true)
	recorder := &fakeRecorder{}

	session, err := NewPageSession(testSessionConfig(api, service), "https://abc123.octoeverywhere.com/", view, recorder, clock.NewMock())
	require.NoError(t, err)
	session.Start()
	t.Cleanup(session.Stop)

	conn := api.accept(t)
	reqs := readHandshake(t, conn)
	answerIdentity(t, conn, reqs, "PRINTER1", "2.5.0")

	require.Eventually(t, func() bool { return len(view.Regions()) == 1 }, testWait, testTick)

	requests := service.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, CheckInRequest{PrinterId: "PRINTER1", PluginVersion: "2.5.0", ClientType: DefaultClientType, IsConnectedViaRelay: true}, requests[0])

	rendered := view.Rendered()
	require.Len(t, rendered, 1)
	assert.Equal(t, "Welcome back", rendered[0].Title)
	assert.Equal(t, "Remote access is on", rendered[0].Body)
	assert.Equal(t, []string{" - Voron"}, view.Titles())
	assert.Equal(t, [][2]bool{{false, true}}, view.Regions())

	links, _ := view.SetupLinks()
	require.Len(t, links, 1)
	assert.Contains(t, links[0], "printerid=PRINTER1")

	// Relayed pages are never reported to the local API.
	select {
	case body := <-api.reports:
		t.Fatalf("unexpected port report: %s", body)
	default:
	}

	// Redelivered identity facts must not check in again.
	answerIdentity(t, conn, reqs, "PRINTER1", "2.5.0")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, service.Requests(), 1)

	snap, ok := session.Snapshot()
	require.True(t, ok)
	assert.True(t, snap.Relayed)
	assert.True(t, snap.IdentityComplete)
	assert.Equal(t, "2.5.0", snap.PluginSemver)
	assert.True(t, snap.Linked)
	assert.Equal(t, StateConnected, snap.Connection)
	assert.Equal(t, IdentityFacts{PrinterID: "PRINTER1", PluginVersion: "2.5.0"}, snap.Identity)
	require.NotNil(t, snap.Locality)
	assert.False(t, snap.Locality.IsLocal)

	// An explicit recheck is the only way to check in again.
	require.NoError(t, session.Recheck())
	require.Eventually(t, func() bool { return len(service.Requests()) == 2 }, testWait, testTick)

	require.Eventually(t, func() bool { return len(recorder.Records()) == 2 }, testWait, testTick)
}

func TestPageSessionRecheckWhileCheckInInFlight(t *testing.T) {
	api := newFakeControlAPI(t)
	service := newFakeCheckInService(t, map[string]interface{}{"Status": 200})
	release := service.holdResponses(t)
	recorder := &fakeRecorder{}

	session, err := NewPageSession(testSessionConfig(api, service), "https://abc123.octoeverywhere.com/", &fakeView{}, recorder, clock.NewMock())
	require.NoError(t, err)
	session.Start()
	t.Cleanup(session.Stop)

	conn := api.accept(t)
	reqs := readHandshake(t, conn)
	answerIdentity(t, conn, reqs, "PRINTER1", "2.5.0")

	require.Eventually(t, func() bool { return len(service.Requests()) == 1 }, testWait, testTick)
	assert.ErrorIs(t, session.Recheck(), ErrCheckInInFlight)

	release()
	require.Eventually(t, func() bool { return len(recorder.Records()) == 1 }, testWait, testTick)

	// The result is applied on the loop after it is recorded.
	require.Eventually(t, func() bool { return session.Recheck() == nil }, testWait, testTick)
	require.Eventually(t, func() bool { return len(service.Requests()) == 2 }, testWait, testTick)
}

func TestPageSessionLocalPageReportsPort(t *testing.T) {
	api := newFakeControlAPI(t)
	service := newFakeCheckInService(t, map[string]interface{}{"Status": 500})
	view := &fakeView{}
	recorder := &fakeRecorder{}

	session, err := NewPageSession(testSessionConfig(api, service), "http://192.168.1.20:8080/x", view, recorder, clock.NewMock())
	require.NoError(t, err)
	session.Start()
	t.Cleanup(session.Stop)

	select {
	case body := <-api.reports:
		var report map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &report))
		assert.Equal(t, ReportCommandSetPort, report["command"])
		assert.Equal(t, float64(8080), report["port"])
		assert.Equal(t, false, report["isHttps"])
		assert.Equal(t, "http://192.168.1.20:8080/x", report["url"])
	case <-time.After(testWait):
		t.Fatal("local port was never reported")
	}

	conn := api.accept(t)
	reqs := readHandshake(t, conn)
	answerIdentity(t, conn, reqs, "PRINTER9", "2.5.0")

	require.Eventually(t, func() bool { return len(recorder.Records()) == 1 }, testWait, testTick)
	assert.Equal(t, 500, recorder.Records()[0].Status)
	assert.False(t, recorder.Records()[0].Relayed)

	// A rejected check-in changes nothing on the page.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, view.Rendered())
	assert.Empty(t, view.Titles())
	assert.Empty(t, view.Regions())

	snap, ok := session.Snapshot()
	require.True(t, ok)
	assert.False(t, snap.Relayed)
	require.NotNil(t, snap.Locality)
	assert.True(t, snap.Locality.IsLocal)
	assert.Equal(t, 8080, snap.Locality.Port)
}

func TestPageSessionUIEvents(t *testing.T) {
	api := newFakeControlAPI(t)
	service := newFakeCheckInService(t, map[string]interface{}{"Status": 200})
	view := &fakeView{}

	session, err := NewPageSession(testSessionConfig(api, service), "http://printer.local/", view, nil, clock.NewMock())
	require.NoError(t, err)
	session.Start()
	t.Cleanup(session.Stop)

	session.Show(NotificationRequest{Title: "Test", BodyMarkup: "popup", ActionURL: "https://octoeverywhere.com/x", AutoHideSeconds: 30})
	session.HandleUIEvent(UIEventHoverEnter)

	require.Eventually(t, func() bool {
		snap, _ := session.Snapshot()
		return snap.Popup == PopupAutoHideSuspended
	}, testWait, testTick)

	session.HandleUIEvent(UIEventAction)
	require.Eventually(t, func() bool {
		snap, _ := session.Snapshot()
		return snap.Popup == PopupHidden
	}, testWait, testTick)
	assert.Equal(t, []string{"https://octoeverywhere.com/x"}, view.Opened())

	session.HandleUIEvent("unknown")
	session.HandleUIEvent(UIEventPageReady)
	_, ok := session.Snapshot()
	assert.True(t, ok)
}

func TestPageSessionRecheckBeforeIdentity(t *testing.T) {
	api := newFakeControlAPI(t)
	service := newFakeCheckInService(t, map[string]interface{}{"Status": 200})

	session, err := NewPageSession(testSessionConfig(api, service), "noprotocolhere", &fakeView{}, nil, clock.NewMock())
	require.NoError(t, err)
	session.Start()

	assert.ErrorIs(t, session.Recheck(), ErrIdentityIncomplete)

	snap, ok := session.Snapshot()
	require.True(t, ok)
	assert.Nil(t, snap.Locality)

	// An unclassifiable address is never reported to the local API.
	api.accept(t)
	select {
	case body := <-api.reports:
		t.Fatalf("unexpected port report: %s", body)
	case <-time.After(200 * time.Millisecond):
	}

	session.Stop()
	session.Stop()
	assert.ErrorIs(t, session.Recheck(), ErrSessionStopped)
	assert.Empty(t, service.Requests())
}

func TestNewPageSessionRejectsBadLocalAPI(t *testing.T) {
	cfg := &Config{LocalAPIURL: "ftp://printer.local"}
	_, err := NewPageSession(cfg, "http://printer.local", &fakeView{}, nil, nil)
	assert.Error(t, err)
}
