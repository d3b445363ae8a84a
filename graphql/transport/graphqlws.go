package transport

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// https://github.com/apollographql/subscriptions-transport-ws/blob/master/PROTOCOL.md
var legacyTypes = map[Kind]string{
	KindConnectionInit:      "connection_init",
	KindConnectionAck:       "connection_ack",
	KindConnectionError:     "connection_error",
	KindConnectionTerminate: "connection_terminate",
	KindKeepAlive:           "ka",
	KindSubscribe:           "start",
	KindStop:                "stop",
	KindNext:                "data",
	KindError:               "error",
	KindComplete:            "complete",
}

var legacyKinds = invert(legacyTypes)

type legacyProtocol struct{}

func (legacyProtocol) Subprotocol() string { return "graphql-ws" }
func (legacyProtocol) KeepAlive() Kind     { return KindKeepAlive }
func (legacyProtocol) StopKind() Kind      { return KindStop }
func (legacyProtocol) Legacy() bool        { return true }

func (legacyProtocol) Encode(msg *Message) ([]byte, error) {
	if msg.Kind == KindConnectionInit && !msg.HasPayload() {
		// existing servers expect the payload key to be present, even if null
		data, err := jsoniter.Marshal(&struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}{
			Type:    legacyTypes[KindConnectionInit],
			Payload: json.RawMessage("null"),
		})
		return data, errors.Wrap(err, "error marshaling message")
	}
	return encodeEnvelope(legacyTypes, msg)
}

func (legacyProtocol) Decode(data []byte) (*Message, error) {
	return decodeEnvelope(legacyKinds, data)
}

// The legacy protocol carries a single error object.
func (legacyProtocol) ErrorPayload(errs graphql.ErrorList) (json.RawMessage, error) {
	var err *graphql.Error
	if len(errs) > 0 {
		err = errs[0]
	} else {
		err = &graphql.Error{Message: "unknown error"}
	}
	buf, marshalErr := jsoniter.Marshal(err)
	if marshalErr != nil {
		return nil, errors.Wrap(marshalErr, "unable to marshal error payload")
	}
	return buf, nil
}

func (legacyProtocol) DecodeErrorPayload(payload json.RawMessage) (graphql.ErrorList, error) {
	return decodeErrors(payload)
}

// decodeErrors accepts a single error object, a list of errors or a response with errors.
func decodeErrors(payload json.RawMessage) (graphql.ErrorList, error) {
	if len(payload) == 0 || string(payload) == "null" {
		return graphql.ErrorList{{Message: "unknown error"}}, nil
	}
	var list graphql.ErrorList
	if err := jsoniter.Unmarshal(payload, &list); err == nil {
		return list, nil
	}
	var wrapper struct {
		Errors graphql.ErrorList `json:"errors"`
	}
	if err := jsoniter.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Errors) > 0 {
		return wrapper.Errors, nil
	}
	var single graphql.Error
	if err := jsoniter.Unmarshal(payload, &single); err != nil {
		return nil, &DecodeError{Reason: "unable to deserialize error payload", Err: err}
	}
	return graphql.ErrorList{&single}, nil
}
