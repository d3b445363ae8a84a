package transport

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// Kind identifies a message independently of the protocol that carries it.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionInit
	KindConnectionAck
	KindConnectionError
	KindConnectionTerminate
	KindKeepAlive
	KindPing
	KindPong
	KindSubscribe
	KindNext
	KindError
	KindComplete
	KindStop
)

var kindNames = map[Kind]string{
	KindUnknown:             "Unknown",
	KindConnectionInit:      "ConnectionInit",
	KindConnectionAck:       "ConnectionAck",
	KindConnectionError:     "ConnectionError",
	KindConnectionTerminate: "ConnectionTerminate",
	KindKeepAlive:           "KeepAlive",
	KindPing:                "Ping",
	KindPong:                "Pong",
	KindSubscribe:           "Subscribe",
	KindNext:                "Next",
	KindError:               "Error",
	KindComplete:            "Complete",
	KindStop:                "Stop",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is a decoded protocol envelope. Payload is left raw so that each side can decode it
// into whatever shape the kind calls for.
type Message struct {
	Kind    Kind
	ID      string
	Payload json.RawMessage

	// For KindUnknown, the type string that was received.
	Type string
}

// HasPayload returns true if the payload field is present and not null.
func (m *Message) HasPayload() bool {
	return len(m.Payload) > 0 && string(m.Payload) != "null"
}

// QueryPayload is the payload of a start / subscribe message and the body of a graphql-sse
// request.
type QueryPayload struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName *string                `json:"operationName"`
	Extensions    map[string]interface{} `json:"extensions,omitempty"`
}

// NewQueryPayload builds a payload, normalizing an empty operation name to null and nil variables
// to an empty object.
func NewQueryPayload(query string, variables map[string]interface{}, operationName string, extensions map[string]interface{}) *QueryPayload {
	p := &QueryPayload{
		Query:      query,
		Variables:  variables,
		Extensions: extensions,
	}
	if p.Variables == nil {
		p.Variables = map[string]interface{}{}
	}
	if operationName != "" {
		p.OperationName = &operationName
	}
	return p
}

// GetOperationName returns the operation name or an empty string.
func (p *QueryPayload) GetOperationName() string {
	if p.OperationName == nil {
		return ""
	}
	return *p.OperationName
}

// DecodeQueryPayload decodes a start / subscribe payload.
func DecodeQueryPayload(msg *Message) (*QueryPayload, error) {
	if !msg.HasPayload() {
		return nil, &DecodeError{Reason: "message is missing the 'payload' property"}
	}
	var payload QueryPayload
	if err := jsoniter.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, &DecodeError{Reason: "unable to deserialize payload", Err: err}
	}
	return &payload, nil
}

// Protocol is a codec strategy for one WebSocket subprotocol. The connection state machines on
// both sides are shared and only differ where a Protocol tells them to.
type Protocol interface {
	// Subprotocol returns the Sec-WebSocket-Protocol name.
	Subprotocol() string

	// Encode serializes a message. Kinds the protocol has no wire name for are an error.
	Encode(msg *Message) ([]byte, error)

	// Decode deserializes a message, discriminating strictly on the type field. Unrecognized types
	// decode to KindUnknown. Malformed input is a *DecodeError.
	Decode(data []byte) (*Message, error)

	// ErrorPayload encodes the payload of an error message.
	ErrorPayload(errs graphql.ErrorList) (json.RawMessage, error)

	// DecodeErrorPayload decodes the payload of an error message.
	DecodeErrorPayload(payload json.RawMessage) (graphql.ErrorList, error)

	// KeepAlive returns the message kind periodically sent by the server to keep connections open.
	KeepAlive() Kind

	// StopKind returns the kind a client sends to cancel an operation.
	StopKind() Kind

	// Legacy returns true for the subscriptions-transport-ws protocol.
	Legacy() bool
}

// Legacy is the subscriptions-transport-ws protocol, negotiated as "graphql-ws".
var Legacy Protocol = legacyProtocol{}

// Modern is the graphql-ws library protocol, negotiated as "graphql-transport-ws".
var Modern Protocol = modernProtocol{}

// ProtocolFor returns the protocol for the given subprotocol name. An empty name selects the
// legacy protocol.
func ProtocolFor(subprotocol string) (Protocol, bool) {
	switch subprotocol {
	case Modern.Subprotocol():
		return Modern, true
	case Legacy.Subprotocol(), "":
		return Legacy, true
	}
	return nil, false
}

// Subprotocols lists the supported subprotocols in order of preference.
func Subprotocols() []string {
	return []string{Modern.Subprotocol(), Legacy.Subprotocol()}
}

// Negotiate picks the protocol for a connection given the subprotocols offered by the client and
// the one selected during the upgrade. If the client offered subprotocols but none were
// acceptable, a SubprotocolNotAcceptable error is returned.
func Negotiate(offered []string, selected string) (Protocol, error) {
	if selected == "" && len(offered) > 0 {
		return nil, &CloseError{
			Code:   SubprotocolNotAcceptable,
			Reason: "Subprotocol not acceptable",
		}
	}
	p, ok := ProtocolFor(selected)
	if !ok {
		return nil, &CloseError{
			Code:   SubprotocolNotAcceptable,
			Reason: "Subprotocol not acceptable",
		}
	}
	return p, nil
}

// envelope is the JSON shape shared by both protocols.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type rawEnvelope struct {
	ID      *string         `json:"id"`
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(types map[Kind]string, msg *Message) ([]byte, error) {
	t, ok := types[msg.Kind]
	if !ok {
		return nil, errors.Errorf("message kind %v is not supported by this protocol", msg.Kind)
	}
	env := envelope{
		ID:   msg.ID,
		Type: t,
	}
	if msg.HasPayload() {
		env.Payload = msg.Payload
	}
	data, err := jsoniter.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling message")
	}
	return data, nil
}

func decodeEnvelope(kinds map[string]Kind, data []byte) (*Message, error) {
	var env rawEnvelope
	if err := jsoniter.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "unable to deserialize message", Err: err}
	}
	if env.Type == nil || *env.Type == "" {
		return nil, &DecodeError{Reason: "message is missing the 'type' property"}
	}
	msg := &Message{
		Kind:    kinds[*env.Type],
		Type:    *env.Type,
		Payload: env.Payload,
	}
	if env.ID != nil {
		msg.ID = *env.ID
	}
	return msg, nil
}

func invert(types map[Kind]string) map[string]Kind {
	ret := make(map[string]Kind, len(types))
	for k, v := range types {
		ret[v] = k
	}
	return ret
}
