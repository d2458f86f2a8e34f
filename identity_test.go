package main

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryResponse(t *testing.T, id int64, intent, namespace, key string, value interface{}) InboundMessage {
	t.Helper()
	result, err := json.Marshal(map[string]interface{}{"namespace": namespace, "key": key, "value": value})
	require.NoError(t, err)
	return InboundMessage{ID: &id, Result: result, Intent: intent}
}

func TestIdentityResolverFiresOnce(t *testing.T) {
	r := NewIdentityResolver(zerolog.Nop())

	var fired []IdentityFacts
	r.OnComplete(func(f IdentityFacts) { fired = append(fired, f) })

	r.HandleMessage(queryResponse(t, 1, IntentPrinterID, IdentityNamespace, KeyPrinterID, "PRINTER1"))
	assert.Empty(t, fired)
	assert.False(t, r.Fired())

	r.HandleMessage(queryResponse(t, 2, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, "2.5.0"))
	require.Len(t, fired, 1)
	assert.Equal(t, IdentityFacts{PrinterID: "PRINTER1", PluginVersion: "2.5.0"}, fired[0])

	// A reconnect re-delivers both facts, twice each.
	for i := 0; i < 2; i++ {
		r.HandleMessage(queryResponse(t, int64(10+i), IntentPrinterID, IdentityNamespace, KeyPrinterID, "PRINTER1"))
		r.HandleMessage(queryResponse(t, int64(20+i), IntentPluginVersion, IdentityNamespace, KeyPluginVersion, "2.5.0"))
	}
	assert.Len(t, fired, 1)
	assert.True(t, r.Fired())
}

func TestIdentityResolverShapeFallback(t *testing.T) {
	r := NewIdentityResolver(zerolog.Nop())

	count := 0
	r.OnComplete(func(IdentityFacts) { count++ })

	// Uncorrelated results are matched on namespace and key.
	r.HandleMessage(queryResponse(t, 7, "", IdentityNamespace, KeyPluginVersion, "2.5.0"))
	r.HandleMessage(queryResponse(t, 8, "", "other_namespace", KeyPrinterID, "WRONG"))
	assert.Equal(t, IdentityFacts{PluginVersion: "2.5.0"}, r.Facts())

	r.HandleMessage(queryResponse(t, 9, "", IdentityNamespace, KeyPrinterID, "PRINTER2"))
	assert.Equal(t, 1, count)
	assert.Equal(t, "PRINTER2", r.Facts().PrinterID)
}

func TestIdentityResolverIgnoresUnusableMessages(t *testing.T) {
	r := NewIdentityResolver(zerolog.Nop())
	r.OnComplete(func(IdentityFacts) { t.Fatal("identity should not complete") })

	id := int64(3)
	tests := []struct {
		name string
		msg  InboundMessage
	}{
		{"push event", InboundMessage{Method: MethodNotifyAgentEvent, Params: []byte(`[]`)}},
		{"error response", InboundMessage{ID: &id, Intent: IntentPrinterID, Error: &RPCError{Code: -32601, Message: "not found"}}},
		{"null value", queryResponse(t, 4, IntentPrinterID, IdentityNamespace, KeyPrinterID, nil)},
		{"empty value", queryResponse(t, 5, IntentPrinterID, IdentityNamespace, KeyPrinterID, "")},
		{"numeric value", queryResponse(t, 6, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, 12)},
		{"identify reply", InboundMessage{ID: &id, Intent: IntentIdentify, Result: []byte(`{"connection_id":1}`)}},
		{"unknown key", queryResponse(t, 7, "", IdentityNamespace, "public.other", "x")},
		{"malformed result", InboundMessage{ID: &id, Result: []byte(`[1,2]`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.HandleMessage(tt.msg)
		})
	}
	assert.Equal(t, IdentityFacts{}, r.Facts())
}

func TestIdentityResolverAcceptsNonSemverVersion(t *testing.T) {
	r := NewIdentityResolver(zerolog.Nop())

	var got IdentityFacts
	r.OnComplete(func(f IdentityFacts) { got = f })

	r.HandleMessage(queryResponse(t, 1, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, "dev-build"))
	r.HandleMessage(queryResponse(t, 2, IntentPrinterID, IdentityNamespace, KeyPrinterID, "PRINTER1"))
	assert.Equal(t, "dev-build", got.PluginVersion)
	assert.Nil(t, r.Version())
}

func TestIdentityResolverParsesVersion(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2.5.0", "2.5.0"},
		{"v2.5", "2.5.0"},
		{"3.0.1-beta.2", "3.0.1-beta.2"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			r := NewIdentityResolver(zerolog.Nop())
			r.HandleMessage(queryResponse(t, 1, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, tt.raw))

			require.NotNil(t, r.Version())
			assert.Equal(t, tt.want, r.Version().String())
			assert.Equal(t, tt.raw, r.Facts().PluginVersion)
		})
	}

	// A later unparseable value clears the parsed version.
	r := NewIdentityResolver(zerolog.Nop())
	r.HandleMessage(queryResponse(t, 1, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, "2.5.0"))
	r.HandleMessage(queryResponse(t, 2, IntentPluginVersion, IdentityNamespace, KeyPluginVersion, "nightly"))
	assert.Nil(t, r.Version())
}
