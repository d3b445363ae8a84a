package transport

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// https://github.com/enisdenjo/graphql-ws/blob/master/PROTOCOL.md
var modernTypes = map[Kind]string{
	KindConnectionInit: "connection_init",
	KindConnectionAck:  "connection_ack",
	KindPing:           "ping",
	KindPong:           "pong",
	KindSubscribe:      "subscribe",
	KindNext:           "next",
	KindError:          "error",
	KindComplete:       "complete",
}

var modernKinds = invert(modernTypes)

type modernProtocol struct{}

func (modernProtocol) Subprotocol() string { return "graphql-transport-ws" }
func (modernProtocol) StopKind() Kind      { return KindComplete }
func (modernProtocol) Legacy() bool        { return false }

// Pong may be sent without a ping as a unidirectional heartbeat.
func (modernProtocol) KeepAlive() Kind { return KindPong }

func (modernProtocol) Encode(msg *Message) ([]byte, error) {
	return encodeEnvelope(modernTypes, msg)
}

func (modernProtocol) Decode(data []byte) (*Message, error) {
	return decodeEnvelope(modernKinds, data)
}

func (modernProtocol) ErrorPayload(errs graphql.ErrorList) (json.RawMessage, error) {
	if len(errs) == 0 {
		errs = graphql.ErrorList{{Message: "unknown error"}}
	}
	buf, err := jsoniter.Marshal(errs)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal error payload")
	}
	return buf, nil
}

func (modernProtocol) DecodeErrorPayload(payload json.RawMessage) (graphql.ErrorList, error) {
	return decodeErrors(payload)
}
