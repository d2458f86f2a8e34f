package main

import (
	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
)

// IdentityFacts are the two values needed before checking in
type IdentityFacts struct {
	PrinterID     string `json:"printerId,omitempty"`
	PluginVersion string `json:"pluginVersion,omitempty"`
}

// Complete reports whether both facts are known
func (f IdentityFacts) Complete() bool {
	return f.PrinterID != "" && f.PluginVersion != ""
}

// IdentityResolver collects identity facts from control channel messages and
// fires its completion callback once per session.
type IdentityResolver struct {
	facts      IdentityFacts
	version    *semver.Version
	fired      bool
	onComplete func(IdentityFacts)
	logger     zerolog.Logger
}

// NewIdentityResolver creates an empty resolver
func NewIdentityResolver(logger zerolog.Logger) *IdentityResolver {
	return &IdentityResolver{logger: logger}
}

// OnComplete sets the callback run when both facts are first known
func (r *IdentityResolver) OnComplete(fn func(IdentityFacts)) {
	r.onComplete = fn
}

// Facts returns the facts collected so far
func (r *IdentityResolver) Facts() IdentityFacts {
	return r.facts
}

// Version returns the parsed plugin version, nil when unknown or not semantic
func (r *IdentityResolver) Version() *semver.Version {
	return r.version
}

// Fired reports whether identity completion has already been raised
func (r *IdentityResolver) Fired() bool {
	return r.fired
}

// HandleMessage inspects one inbound message for identity query results
func (r *IdentityResolver) HandleMessage(msg InboundMessage) {
	qr, ok := msg.QueryResult()
	if !ok {
		return
	}

	key := qr.Key
	switch msg.Intent {
	case IntentPrinterID:
		key = KeyPrinterID
	case IntentPluginVersion:
		key = KeyPluginVersion
	case "":
		// Unsolicited or uncorrelated, match on shape.
		if qr.Namespace != IdentityNamespace {
			return
		}
	default:
		return
	}

	value, ok := qr.StringValue()
	if !ok {
		r.logger.Debug().Str("key", key).Msg("Identity query returned no value")
		return
	}

	switch key {
	case KeyPrinterID:
		r.facts.PrinterID = value
	case KeyPluginVersion:
		r.facts.PluginVersion = value
		v, err := semver.NewVersion(value)
		if err != nil {
			r.logger.Warn().Str("version", value).Msg("Plugin version is not a semantic version")
		}
		r.version = v
	default:
		return
	}

	if r.fired || !r.facts.Complete() {
		return
	}
	r.fired = true

	r.logger.Info().Str("printer_id", r.facts.PrinterID).Str("plugin_version", r.facts.PluginVersion).Msg("Identity resolved")
	if r.onComplete != nil {
		r.onComplete(r.facts)
	}
}

// pluginSemver renders the canonical form of a parsed version, empty when nil
func pluginSemver(v *semver.Version) string {
	if v == nil {
		return ""
	}
	return v.String()
}
