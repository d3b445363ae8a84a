package transport

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// CloseCode is a WebSocket close code defined by the GraphQL over WebSocket protocols.
type CloseCode int

const (
	NormalClosure                    CloseCode = websocket.CloseNormalClosure
	BadRequest                       CloseCode = 4400
	Unauthorized                     CloseCode = 4401
	Forbidden                        CloseCode = 4403
	SubprotocolNotAcceptable         CloseCode = 4406
	ConnectionInitialisationTimeout  CloseCode = 4408
	SubscriberAlreadyExists          CloseCode = 4409
	TooManyInitialisationRequests    CloseCode = 4429
	InternalServerError              CloseCode = 4500
	ConnectionAcknowledgementTimeout CloseCode = 4504
)

// CloseError is a protocol error. The connection it occurred on is closed with Code.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (err *CloseError) Error() string {
	return fmt.Sprintf("graphql websocket closed with %d: %s", int(err.Code), err.Reason)
}

// Timeout returns true for the handshake timeout codes.
func (err *CloseError) Timeout() bool {
	return err.Code == ConnectionInitialisationTimeout || err.Code == ConnectionAcknowledgementTimeout
}

// AsCloseError converts a gorilla close error carrying a protocol code into a *CloseError.
func AsCloseError(err error) (*CloseError, bool) {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr, true
	}
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) && wsErr.Code >= 4000 {
		return &CloseError{
			Code:   CloseCode(wsErr.Code),
			Reason: wsErr.Text,
		}, true
	}
	return nil, false
}

// DecodeError is returned for messages that can't be deserialized. Connections that receive one
// are closed with BadRequest.
type DecodeError struct {
	Reason string
	Err    error
}

func (err *DecodeError) Error() string {
	if err.Err != nil {
		return err.Reason + ": " + err.Err.Error()
	}
	return err.Reason
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// ErrConnectionClosed is returned when sending on or waiting for a connection that is closed.
var ErrConnectionClosed = errors.New("graphql websocket connection closed")
