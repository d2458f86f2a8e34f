package main

import "time"

// Version is reported to the local API in the identify message.
const Version = "1.4.0"

// Default configuration values
const (
	DefaultLocalAPIURL   = "http://127.0.0.1:7125"
	DefaultReportPath    = "/api/plugin/octoeverywhere"
	DefaultCheckInURL    = "https://octoeverywhere.com/api/plugin/ui/checkin"
	DefaultRelayDomains  = "octoeverywhere.com,octoeverywhere.dev"
	DefaultAddPrinterURL = "https://octoeverywhere.com/getstarted"
	DefaultClientType    = 1
	DefaultWebPort       = "5050"
	DefaultHTTPTimeout   = 10 // seconds
	DefaultLogLevel      = "info"
	DefaultDBFileName    = "panelagent.db"
	DefaultConfigFile    = "panelagent.toml"
)

// Database configuration keys
const (
	ConfigKeyLocalAPIURL   = "local_api_url"
	ConfigKeyLocalAPIKey   = "local_api_key"
	ConfigKeyReportPath    = "report_path"
	ConfigKeyCheckInURL    = "checkin_url"
	ConfigKeyRelayDomains  = "relay_domains"
	ConfigKeyClientType    = "client_type"
	ConfigKeyWebPort       = "web_port"
	ConfigKeyHTTPTimeout   = "http_timeout"
	ConfigKeyLogLevel      = "log_level"
	ConfigKeyAddPrinterURL = "add_printer_url"
)

// Local control API (Moonraker JSON-RPC)
const (
	ControlChannelPath = "/websocket"

	MethodGetDatabaseItem    = "server.database.get_item"
	MethodIdentifyConnection = "server.connection.identify"
	MethodNotifyAgentEvent   = "notify_agent_event"

	IdentityNamespace    = "octoeverywhere"
	KeyPrinterID         = "public.printerId"
	KeyPluginVersion     = "public.pluginVersion"
	AgentEventNotify     = "oe-notification"
	IdentifyClientName   = "OctoEverywhere"
	IdentifyClientType   = "agent"
	IdentifyClientURL    = "https://octoeverywhere.com"
	ReportCommandSetPort = "setFrontendLocalPort"
)

// Request intents, used to correlate responses by id
const (
	IntentPrinterID     = "printer_id"
	IntentPluginVersion = "plugin_version"
	IntentIdentify      = "identify"
)

// Reconnect policy
const (
	ReconnectUnit     = 500 * time.Millisecond
	MaxRetryCounter   = 20
	HandshakeTimeout  = 10 * time.Second
	ChannelWriteLimit = 10 * time.Second
)

// Popup timing
const (
	TouchExtension = 5 * time.Second
	FadeDuration   = 500 * time.Millisecond
)

// Page region polling
const (
	RegionPollInterval    = 500 * time.Millisecond
	RegionPollMaxAttempts = 10
)
