package subfu

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config defines the executor and other parameters for a Server.
type Config struct {
	Logger               logrus.FieldLogger
	WebSocketOriginCheck func(r *http.Request) bool

	// Executor is invoked to execute GraphQL operations. It is required.
	Executor Executor

	// If given, Apollo persisted queries are supported by the server:
	// https://www.apollographql.com/docs/react/api/link/persisted-queries/
	PersistedQueryStorage PersistedQueryStorage

	// If given, this function is invoked when the server receives the connection init payload. If
	// an error is returned, the connection is rejected. Otherwise the returned context will become
	// associated with the connection.
	//
	// This is commonly used for authentication.
	HandleInit func(ctx context.Context, parameters json.RawMessage) (context.Context, error)

	// The time clients have to send connection_init after connecting. Defaults to 10 seconds.
	ConnectionInitTimeout time.Duration

	// The interval at which keep-alives are sent. Defaults to 15 seconds. Negative values disable
	// keep-alives.
	KeepAliveInterval time.Duration

	// The number of messages that may be queued for each WebSocket connection before operations
	// stop pulling from their streams. Defaults to 100.
	SendBufferSize int
}
