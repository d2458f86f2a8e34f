package main

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCheckInHost = "https://octoeverywhere.com"

func newTestCheckInReporter(recorder CheckInRecorder) *CheckInReporter {
	r := NewCheckInReporter(DefaultCheckInURL, DefaultClientType, 5*time.Second, recorder, zerolog.Nop())
	gock.InterceptClient(r.httpClient)
	return r
}

func TestCheckInSuccess(t *testing.T) {
	defer gock.Off()

	gock.New(testCheckInHost).
		Post("/api/plugin/ui/checkin").
		MatchType("json").
		JSON(map[string]interface{}{
			"PrinterId":           "PRINTER1",
			"PluginVersion":       "2.5.0",
			"ClientType":          DefaultClientType,
			"IsConnectedViaRelay": true,
		}).
		Reply(200).
		JSON(map[string]interface{}{
			"Status": 200,
			"Result": map[string]interface{}{
				"Notification": map[string]interface{}{"title": "Welcome", "text": "Your printer is online"},
				"PrinterName":  "Voron",
				"IsLinked":     true,
			},
		})

	recorder := &fakeRecorder{}
	r := newTestCheckInReporter(recorder)

	result, err := r.CheckIn(context.Background(), "PRINTER1", "2.5.0", true)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.NotNil(t, result.PrinterName)
	assert.Equal(t, "Voron", *result.PrinterName)
	require.NotNil(t, result.IsLinked)
	assert.True(t, *result.IsLinked)

	req, err := decodeNotification(result.Notification, false)
	require.NoError(t, err)
	assert.Equal(t, "Welcome", req.Title)

	assert.True(t, gock.IsDone())

	records := recorder.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "PRINTER1", records[0].PrinterID)
	assert.Equal(t, 200, records[0].Status)
	assert.True(t, records[0].Linked)
	assert.True(t, records[0].Relayed)
	assert.Empty(t, records[0].Error)
}

func TestCheckInSendsNoCredentials(t *testing.T) {
	defer gock.Off()

	gock.New(testCheckInHost).
		Post("/api/plugin/ui/checkin").
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			return req.Header.Get("Cookie") == "" && req.Header.Get("Authorization") == "", nil
		}).
		Reply(200).
		JSON(map[string]interface{}{"Status": 200})

	r := newTestCheckInReporter(nil)
	assert.Nil(t, r.httpClient.Jar)

	result, err := r.CheckIn(context.Background(), "PRINTER1", "2.5.0", false)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Nil(t, result.PrinterName)
	assert.Nil(t, result.IsLinked)
	assert.Empty(t, result.Notification)
}

func TestCheckInFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus int
		rejected   bool
	}{
		{
			name: "status field not 200",
			setup: func() {
				gock.New(testCheckInHost).Post("/api/plugin/ui/checkin").
					Reply(200).JSON(map[string]interface{}{"Status": 500})
			},
			wantStatus: 500,
			rejected:   true,
		},
		{
			name: "http error",
			setup: func() {
				gock.New(testCheckInHost).Post("/api/plugin/ui/checkin").
					Reply(503).BodyString("maintenance")
			},
			wantStatus: 503,
			rejected:   true,
		},
		{
			name: "malformed body",
			setup: func() {
				gock.New(testCheckInHost).Post("/api/plugin/ui/checkin").
					Reply(200).BodyString("<html>")
			},
			wantStatus: 200,
		},
		{
			name: "transport failure",
			setup: func() {
				gock.New(testCheckInHost).Post("/api/plugin/ui/checkin").
					ReplyError(context.DeadlineExceeded)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.setup()

			recorder := &fakeRecorder{}
			r := newTestCheckInReporter(recorder)

			result, err := r.CheckIn(context.Background(), "PRINTER1", "2.5.0", false)
			require.Error(t, err)
			assert.Nil(t, result)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrCheckInRejected))

			records := recorder.Records()
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantStatus, records[0].Status)
			assert.NotEmpty(t, records[0].Error)
		})
	}
}
