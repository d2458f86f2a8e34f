package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrCheckInRejected is returned when the service answers with a non-200 status
var ErrCheckInRejected = errors.New("check-in rejected")

// CheckInRequest is the body sent to the check-in service
type CheckInRequest struct {
	PrinterId           string
	PluginVersion       string
	ClientType          int
	IsConnectedViaRelay bool
}

// CheckInResponse is the check-in service reply
type CheckInResponse struct {
	Status int
	Result *CheckInResult
}

// CheckInResult holds the directives returned by a successful check-in
type CheckInResult struct {
	Notification json.RawMessage `json:",omitempty"`
	PrinterName  *string         `json:",omitempty"`
	IsLinked     *bool           `json:",omitempty"`
}

// CheckInRecorder persists check-in outcomes
type CheckInRecorder interface {
	RecordCheckIn(rec CheckInRecord) error
}

// CheckInReporter performs the anonymous check-in call
type CheckInReporter struct {
	url        string
	clientType int
	httpClient *http.Client
	recorder   CheckInRecorder
	logger     zerolog.Logger
}

// NewCheckInReporter creates a reporter. The HTTP client has no cookie jar
// and no credentials are ever attached.
func NewCheckInReporter(url string, clientType int, timeout time.Duration, recorder CheckInRecorder, logger zerolog.Logger) *CheckInReporter {
	return &CheckInReporter{
		url:        url,
		clientType: clientType,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		recorder: recorder,
		logger:   logger,
	}
}

// CheckIn posts the printer identity and returns the service directives
func (r *CheckInReporter) CheckIn(ctx context.Context, printerID, pluginVersion string, relayed bool) (*CheckInResult, error) {
	rec := CheckInRecord{
		PrinterID:   printerID,
		Version:     pluginVersion,
		Relayed:     relayed,
		CheckedInAt: time.Now(),
	}

	result, status, err := r.post(ctx, CheckInRequest{
		PrinterId:           printerID,
		PluginVersion:       pluginVersion,
		ClientType:          r.clientType,
		IsConnectedViaRelay: relayed,
	})
	rec.Status = status
	if err != nil {
		rec.Error = err.Error()
		r.logger.Warn().Err(err).Str("printer_id", printerID).Msg("Check-in failed")
	} else if result != nil && result.IsLinked != nil {
		rec.Linked = *result.IsLinked
	}
	r.record(rec)

	return result, err
}

func (r *CheckInReporter) post(ctx context.Context, body CheckInRequest) (*CheckInResult, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal check-in: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create check-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to send check-in: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read check-in response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("%w: http %d - %s", ErrCheckInRejected, resp.StatusCode, string(data))
	}

	var parsed CheckInResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode check-in response: %w", err)
	}
	if parsed.Status != http.StatusOK {
		return nil, parsed.Status, fmt.Errorf("%w: status %d", ErrCheckInRejected, parsed.Status)
	}
	if parsed.Result == nil {
		parsed.Result = &CheckInResult{}
	}
	return parsed.Result, parsed.Status, nil
}

func (r *CheckInReporter) record(rec CheckInRecord) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordCheckIn(rec); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to record check-in")
	}
}
