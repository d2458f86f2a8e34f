package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Topology classification errors
var (
	ErrNoProtocol    = errors.New("url has no protocol")
	ErrMalformedHost = errors.New("url has no hostname")
	ErrBadPort       = errors.New("url has an invalid port")
)

// LocalityClassification describes how the page was reached
type LocalityClassification struct {
	IsLocal   bool   `json:"isLocal"`
	Scheme    string `json:"scheme"`
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	SourceURL string `json:"sourceUrl"`
}

// IsHTTPS reports whether the page was served over https
func (c LocalityClassification) IsHTTPS() bool {
	return c.Scheme == "https"
}

// Classify derives the locality of a page address. Hostnames that are IPv6
// literals, mDNS names or made only of digits and dots count as local.
func Classify(rawURL string) (LocalityClassification, error) {
	lower := strings.ToLower(rawURL)

	protoEnd := strings.Index(lower, "://")
	if protoEnd == -1 {
		return LocalityClassification{}, ErrNoProtocol
	}

	hostStart := protoEnd + 3
	hostEnd := len(lower)
	if slash := strings.Index(lower[hostStart:], "/"); slash != -1 {
		hostEnd = hostStart + slash
	}
	if hostEnd <= hostStart {
		return LocalityClassification{}, ErrMalformedHost
	}

	scheme := "http"
	port := 80
	if strings.HasPrefix(lower, "https://") {
		scheme = "https"
		port = 443
	}

	span := lower[hostStart:hostEnd]

	// Colons inside an IPv6 literal are not port delimiters.
	searchFrom := 0
	if open := strings.Index(span, "["); open != -1 {
		if closing := strings.Index(span[open:], "]"); closing != -1 {
			searchFrom = open + closing + 1
		}
	}

	hostname := span
	if colon := strings.Index(span[searchFrom:], ":"); colon != -1 {
		hostname = span[:searchFrom+colon]
		parsed, err := strconv.Atoi(span[searchFrom+colon+1:])
		if err != nil || parsed < 0 {
			return LocalityClassification{}, fmt.Errorf("%w: %q", ErrBadPort, span[searchFrom+colon+1:])
		}
		port = parsed
	}

	return LocalityClassification{
		IsLocal:   isLocalHostname(hostname),
		Scheme:    scheme,
		Hostname:  hostname,
		Port:      port,
		SourceURL: rawURL,
	}, nil
}

func isLocalHostname(hostname string) bool {
	if strings.Contains(hostname, "[") && strings.Contains(hostname, "]") {
		return true
	}
	if strings.HasSuffix(hostname, ".local") {
		return true
	}
	if hostname == "" {
		return false
	}
	for _, char := range hostname {
		if (char < '0' || char > '9') && char != '.' {
			return false
		}
	}
	return true
}

// IsRelayedURL reports whether the page address belongs to one of the relay domains
func IsRelayedURL(rawURL string, domains []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimPrefix(domain, "."))
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// localPortReport is the body of the local report endpoint
type localPortReport struct {
	Command string `json:"command"`
	Port    int    `json:"port"`
	IsHTTPS bool   `json:"isHttps"`
	URL     string `json:"url"`
}

// LocalityReporter tells the local API which address the page was served from
type LocalityReporter struct {
	reportURL  string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewLocalityReporter creates a reporter posting to reportURL
func NewLocalityReporter(reportURL, apiKey string, timeout time.Duration, logger zerolog.Logger) *LocalityReporter {
	return &LocalityReporter{
		reportURL: reportURL,
		apiKey:    apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: logger,
	}
}

// Report posts a local classification. Non-local classifications are not reported.
func (r *LocalityReporter) Report(ctx context.Context, c LocalityClassification) error {
	if !c.IsLocal {
		r.logger.Debug().Str("url", c.SourceURL).Msg("Page is not local, skipping port report")
		return nil
	}

	body, err := json.Marshal(localPortReport{
		Command: ReportCommandSetPort,
		Port:    c.Port,
		IsHTTPS: c.IsHTTPS(),
		URL:     c.SourceURL,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal port report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.reportURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create port report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-Api-Key", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send port report: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode > 299 {
		r.logger.Warn().Int("status", resp.StatusCode).Msg("Local port report was rejected")
		return nil
	}

	r.logger.Info().Int("port", c.Port).Bool("https", c.IsHTTPS()).Msg("Reported local frontend port")
	return nil
}
