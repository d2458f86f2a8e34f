package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the agent
type Config struct {
	LocalAPIURL   string
	LocalAPIKey   string
	ReportPath    string
	CheckInURL    string
	RelayDomains  []string
	ClientType    int
	WebPort       string
	HTTPTimeout   time.Duration
	LogLevel      string
	AddPrinterURL string
	DBFile        string
}

// FileConfig is the optional bootstrap file. Values present in the file are
// written into the configuration table at startup.
type FileConfig struct {
	LocalAPIURL   string   `toml:"local_api_url"`
	LocalAPIKey   string   `toml:"local_api_key"`
	ReportPath    string   `toml:"report_path"`
	CheckInURL    string   `toml:"checkin_url"`
	RelayDomains  []string `toml:"relay_domains"`
	ClientType    int      `toml:"client_type"`
	WebPort       string   `toml:"web_port"`
	HTTPTimeout   int      `toml:"http_timeout"`
	LogLevel      string   `toml:"log_level"`
	AddPrinterURL string   `toml:"add_printer_url"`
}

// LoadConfig loads configuration from database
func LoadConfig(store *Store) (*Config, error) {
	configValues, err := store.GetAllConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from database: %w", err)
	}

	clientType := DefaultClientType
	if str, exists := configValues[ConfigKeyClientType]; exists {
		if parsed, err := strconv.Atoi(str); err == nil {
			clientType = parsed
		}
	}

	httpTimeout := DefaultHTTPTimeout
	if str, exists := configValues[ConfigKeyHTTPTimeout]; exists {
		if parsed, err := strconv.Atoi(str); err == nil && parsed > 0 {
			httpTimeout = parsed
		}
	}

	config := &Config{
		LocalAPIURL:   valueOrDefault(configValues, ConfigKeyLocalAPIURL, DefaultLocalAPIURL),
		LocalAPIKey:   configValues[ConfigKeyLocalAPIKey],
		ReportPath:    valueOrDefault(configValues, ConfigKeyReportPath, DefaultReportPath),
		CheckInURL:    valueOrDefault(configValues, ConfigKeyCheckInURL, DefaultCheckInURL),
		RelayDomains:  splitList(valueOrDefault(configValues, ConfigKeyRelayDomains, DefaultRelayDomains)),
		ClientType:    clientType,
		WebPort:       valueOrDefault(configValues, ConfigKeyWebPort, DefaultWebPort),
		HTTPTimeout:   time.Duration(httpTimeout) * time.Second,
		LogLevel:      valueOrDefault(configValues, ConfigKeyLogLevel, DefaultLogLevel),
		AddPrinterURL: valueOrDefault(configValues, ConfigKeyAddPrinterURL, DefaultAddPrinterURL),
		DBFile:        getDBFilePath(),
	}

	return config, nil
}

// ControlChannelURL returns the websocket address of the local control API
func (c *Config) ControlChannelURL() (string, error) {
	u, err := url.Parse(c.LocalAPIURL)
	if err != nil {
		return "", fmt.Errorf("invalid local API URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	u.Path = ControlChannelPath
	return u.String(), nil
}

// ReportURL returns the absolute address of the local port report endpoint
func (c *Config) ReportURL() string {
	return strings.TrimSuffix(c.LocalAPIURL, "/") + "/" + strings.TrimPrefix(c.ReportPath, "/")
}

// LoadConfigFile reads the bootstrap TOML file. An explicit path must exist;
// otherwise the default search paths are tried and a missing file is not an error.
func LoadConfigFile(explicitPath string) (*FileConfig, string, error) {
	paths := []string{explicitPath}
	if explicitPath == "" {
		paths = configSearchPaths(DefaultConfigFile)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if explicitPath != "" {
				return nil, "", fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			continue
		}

		var fc FileConfig
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return &fc, path, nil
	}

	return nil, "", nil
}

// configSearchPaths returns the ordered list of places to look for the config file
func configSearchPaths(filename string) []string {
	paths := []string{filepath.Join("/etc/panelagent", filename)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "panelagent", filename))
	}
	return append(paths, filepath.Join(".", filename))
}

// ApplyFileConfig writes the values set in the file into the configuration table
func ApplyFileConfig(store *Store, fc *FileConfig) error {
	if fc == nil {
		return nil
	}

	values := map[string]string{
		ConfigKeyLocalAPIURL:   fc.LocalAPIURL,
		ConfigKeyLocalAPIKey:   fc.LocalAPIKey,
		ConfigKeyReportPath:    fc.ReportPath,
		ConfigKeyCheckInURL:    fc.CheckInURL,
		ConfigKeyRelayDomains:  strings.Join(fc.RelayDomains, ","),
		ConfigKeyWebPort:       fc.WebPort,
		ConfigKeyLogLevel:      fc.LogLevel,
		ConfigKeyAddPrinterURL: fc.AddPrinterURL,
	}
	if fc.ClientType != 0 {
		values[ConfigKeyClientType] = strconv.Itoa(fc.ClientType)
	}
	if fc.HTTPTimeout > 0 {
		values[ConfigKeyHTTPTimeout] = strconv.Itoa(fc.HTTPTimeout)
	}

	for key, value := range values {
		if value == "" {
			continue
		}
		if err := validateConfigValue(key, value); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		if err := store.SetConfigValue(key, value); err != nil {
			return err
		}
		log.Debug().Str("key", key).Msg("Applied config file value")
	}
	return nil
}

// validateConfigValue checks a single configuration value before it is stored
func validateConfigValue(key, value string) error {
	switch key {
	case ConfigKeyLocalAPIURL, ConfigKeyCheckInURL, ConfigKeyAddPrinterURL:
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL", key)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must use http or https", key)
		}
	case ConfigKeyWebPort:
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%s must be a port between 1 and 65535", key)
		}
	case ConfigKeyClientType, ConfigKeyHTTPTimeout:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%s must be a non-negative integer", key)
		}
	case ConfigKeyReportPath:
		if !strings.HasPrefix(value, "/") {
			return fmt.Errorf("%s must start with /", key)
		}
	case ConfigKeyRelayDomains:
		for _, domain := range splitList(value) {
			if err := validateDomain(domain); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	case ConfigKeyLogLevel, ConfigKeyLocalAPIKey:
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return nil
}

// validateDomain validates a relay domain suffix
func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("invalid domain format")
	}
	if strings.HasPrefix(domain, "-") || strings.HasSuffix(domain, "-") || strings.HasPrefix(domain, ".") {
		return fmt.Errorf("invalid domain format")
	}
	for _, char := range domain {
		if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') || char == '.' || char == '-') {
			return fmt.Errorf("invalid domain format: contains invalid characters")
		}
	}
	return nil
}

func valueOrDefault(values map[string]string, key, def string) string {
	if v := strings.TrimSpace(values[key]); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// getDBFilePath returns the database file path, checking environment variable first
func getDBFilePath() string {
	if dbPath := os.Getenv("PANELAGENT_DB_PATH"); dbPath != "" {
		return filepath.Join(dbPath, DefaultDBFileName)
	}
	return DefaultDBFileName
}
