package main

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// rpcRequest is a JSON-RPC 2.0 request sent on the control channel
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int64       `json:"id"`
}

// RPCError is the error object of a failed JSON-RPC request
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// InboundMessage is one decoded frame from the control channel. Intent is
// filled in by the channel when ID matches a request it sent.
type InboundMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`

	Intent string `json:"-"`
}

// IsResponse reports whether the message answers a request
func (m InboundMessage) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// queryResult is the result of a database get_item query
type queryResult struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// QueryResult decodes the message result as a database item
func (m InboundMessage) QueryResult() (queryResult, bool) {
	var qr queryResult
	if len(m.Result) == 0 || m.Error != nil {
		return qr, false
	}
	if err := json.Unmarshal(m.Result, &qr); err != nil {
		return qr, false
	}
	return qr, qr.Key != ""
}

// StringValue returns the query value when it is a JSON string
func (q queryResult) StringValue() (string, bool) {
	var s string
	if len(q.Value) == 0 {
		return "", false
	}
	if err := json.Unmarshal(q.Value, &s); err != nil {
		return "", false
	}
	return s, s != ""
}

// agentEvent is one entry of a notify_agent_event push
type agentEvent struct {
	Agent string          `json:"agent"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var errNotAgentEvent = errors.New("not an agent event")

// AgentEvents decodes the params of a notify_agent_event push
func (m InboundMessage) AgentEvents() ([]agentEvent, error) {
	if m.Method != MethodNotifyAgentEvent {
		return nil, errNotAgentEvent
	}
	var events []agentEvent
	if err := json.Unmarshal(m.Params, &events); err != nil {
		return nil, fmt.Errorf("malformed agent event params: %w", err)
	}
	return events, nil
}

func databaseQuery(key string) map[string]string {
	return map[string]string{
		"namespace": IdentityNamespace,
		"key":       key,
	}
}

func identifyParams(apiKey string) map[string]string {
	params := map[string]string{
		"client_name": IdentifyClientName,
		"version":     Version,
		"type":        IdentifyClientType,
		"url":         IdentifyClientURL,
	}
	if apiKey != "" {
		params["api_key"] = apiKey
	}
	return params
}
