package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Command line flags
	var (
		port       = flag.String("port", DefaultWebPort, "Panel web interface port")
		host       = flag.String("host", "0.0.0.0", "Panel web interface host")
		configFile = flag.String("config", "", "Path to a TOML bootstrap config file")
		pageURL    = flag.String("page-url", "", "Run a single headless session for this page address instead of the web interface")
	)
	flag.Parse()

	if err := initLogger(DefaultLogLevel, "stdout"); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logger")
	}

	store, err := OpenStore(getDBFilePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	fileConfig, path, err := LoadConfigFile(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config file")
	}
	if fileConfig != nil {
		if err := ApplyFileConfig(store, fileConfig); err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("Failed to apply config file")
		}
		log.Info().Str("path", path).Msg("Applied config file")
	}

	config, err := LoadConfig(store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := initLogger(config.LogLevel, "stdout"); err != nil {
		log.Warn().Err(err).Str("level", config.LogLevel).Msg("Invalid log level, keeping info")
	}

	// Override port from config if not specified
	if *port == DefaultWebPort && config.WebPort != DefaultWebPort {
		*port = config.WebPort
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *pageURL != "" {
		log.Info().Str("page_url", *pageURL).Str("local_api", config.LocalAPIURL).Msg("Starting headless session")

		session, err := NewPageSession(config, *pageURL, newLogView(), store, clock.New())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create session")
		}
		session.Start()

		<-sigChan
		log.Info().Msg("Shutting down session...")
		session.Stop()
		return
	}

	addr := net.JoinHostPort(*host, *port)
	log.Info().Str("version", Version).Str("addr", addr).Str("local_api", config.LocalAPIURL).Msg("Starting panel agent")

	webServer := NewWebServer(store, config)
	go func() {
		if err := webServer.Start(addr); err != nil {
			log.Fatal().Err(err).Msg("Web server error")
		}
	}()

	<-sigChan
	log.Info().Msg("Shutting down panel agent...")
}

// logView renders a headless session into the log
type logView struct {
	logger zerolog.Logger
}

func newLogView() *logView {
	return &logView{logger: componentLogger("headless_view")}
}

func (v *logView) RenderPopup(content PopupContent) {
	v.logger.Info().Str("title", content.Title).Str("body", content.Body).Str("severity", content.Severity).Str("action", content.ActionURL).Msg("Popup shown")
}

func (v *logView) FadeOutPopup() {
	v.logger.Debug().Msg("Popup fading out")
}

func (v *logView) HidePopup() {
	v.logger.Info().Msg("Popup hidden")
}

func (v *logView) OpenURL(url string) {
	v.logger.Info().Str("url", url).Msg("Open URL requested")
}

func (v *logView) AppendTitle(suffix string) {
	v.logger.Info().Str("suffix", suffix).Msg("Page title updated")
}

func (v *logView) SetRegions(setupNeeded, setupComplete bool) {
	v.logger.Info().Bool("setup_needed", setupNeeded).Bool("setup_complete", setupComplete).Msg("Setup regions updated")
}

func (v *logView) SetSetupLink(url, qrCodeBase64 string) {
	v.logger.Info().Str("url", url).Bool("qr_code", qrCodeBase64 != "").Msg("Setup link available")
}

// RegionsAvailable is always true, a headless page has nothing to wait for
func (v *logView) RegionsAvailable() bool {
	return true
}

func (v *logView) ConnectionChanged(state ConnectionState) {
	v.logger.Info().Str("state", string(state)).Msg("Control channel state changed")
}
