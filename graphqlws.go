package subfu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/subfu/graphql"
	"github.com/ccbrown/subfu/graphql/transport"
)

// graphqlWSHandler multiplexes operations over a single connection.
type graphqlWSHandler struct {
	Server     *Server
	Connection *transport.Connection
	Logger     logrus.FieldLogger
	Header     http.Header

	// Only accessed by connection handler methods, which are never invoked concurrently.
	Context context.Context

	cancel     context.CancelFunc
	mutex      sync.Mutex
	operations map[string]*graphqlWSOperation
	closed     bool
}

type graphqlWSOperation struct {
	cancel context.CancelFunc

	// Held while sending so that stop can wait for an in-flight send.
	sending sync.Mutex
}

// send invokes f unless the operation has been stopped.
func (op *graphqlWSOperation) send(ctx context.Context, f func() error) error {
	op.sending.Lock()
	defer op.sending.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return f()
}

// stop cancels the operation. Once it returns, no more results will be sent for it.
func (op *graphqlWSOperation) stop() {
	op.cancel()
	op.sending.Lock()
	op.sending.Unlock()
}

func (h *graphqlWSHandler) HandleInit(parameters json.RawMessage) error {
	if f := h.Server.config.HandleInit; f != nil {
		if ctx, err := f(h.Context, parameters); err != nil {
			return err
		} else {
			h.Context = ctx
		}
	}
	return nil
}

// HandleStart registers the operation before starting it so that no result can be sent for an
// unregistered id.
func (h *graphqlWSHandler) HandleStart(id string, payload *transport.QueryPayload) error {
	h.mutex.Lock()
	if h.closed {
		h.mutex.Unlock()
		return nil
	}
	if _, ok := h.operations[id]; ok {
		h.mutex.Unlock()
		return &transport.CloseError{
			Code:   transport.SubscriberAlreadyExists,
			Reason: "Subscriber for " + id + " already exists",
		}
	}
	ctx, cancel := context.WithCancel(h.Context)
	op := &graphqlWSOperation{
		cancel: cancel,
	}
	h.operations[id] = op
	h.mutex.Unlock()

	req := &Request{
		Context:       ctx,
		Query:         payload.Query,
		Variables:     payload.Variables,
		OperationName: payload.GetOperationName(),
		Extensions:    payload.Extensions,
		Header:        h.Header,
	}
	go h.run(ctx, id, op, req)
	return nil
}

func (h *graphqlWSHandler) run(ctx context.Context, id string, op *graphqlWSOperation, req *Request) {
	defer op.cancel()
	defer h.release(id, op)
	logger := h.Logger.WithField("operation_id", id)

	result := h.Server.executeRequest(req)
	if result.Stream == nil {
		if err := op.send(ctx, func() error {
			return h.Connection.SendNext(ctx, id, result.Response)
		}); err != nil {
			if ctx.Err() == nil {
				logger.Warn(errors.Wrap(err, "error sending graphql result"))
			}
			return
		}
		h.release(id, op)
		if err := h.Connection.SendComplete(ctx, id); err != nil {
			logger.Warn(errors.Wrap(err, "error sending graphql complete"))
		}
		return
	}

	stream := result.Stream
	defer stream.Close()
	for {
		resp, err := stream.Next(ctx)
		if ctx.Err() != nil {
			// stopped by the client or the connection is closing
			return
		}
		if err == io.EOF {
			h.release(id, op)
			if err := h.Connection.SendComplete(ctx, id); err != nil {
				logger.Warn(errors.Wrap(err, "error sending graphql complete"))
			}
			return
		} else if err != nil {
			logger.WithError(err).Info("subscription stream failed")
			h.release(id, op)
			if err := h.Connection.SendError(ctx, id, errorList(err)); err != nil {
				logger.Warn(errors.Wrap(err, "error sending graphql error"))
			}
			return
		}
		// blocks while the connection's send buffer is full
		if err := op.send(ctx, func() error {
			return h.Connection.SendNext(ctx, id, resp)
		}); err != nil {
			if ctx.Err() == nil {
				logger.Warn(errors.Wrap(err, "error sending graphql result"))
			}
			return
		}
	}
}

func errorList(err error) graphql.ErrorList {
	var list graphql.ErrorList
	if errors.As(err, &list) {
		return list
	}
	var gqlErr *graphql.Error
	if errors.As(err, &gqlErr) {
		return graphql.ErrorList{gqlErr}
	}
	return graphql.ErrorList{graphql.NewError(err)}
}

// release removes the operation if it is still registered. The id may be reused once it has been
// released.
func (h *graphqlWSHandler) release(id string, op *graphqlWSOperation) {
	h.mutex.Lock()
	if h.operations[id] == op {
		delete(h.operations, id)
	}
	h.mutex.Unlock()
}

func (h *graphqlWSHandler) HandleStop(id string) {
	h.mutex.Lock()
	op, ok := h.operations[id]
	if ok {
		delete(h.operations, id)
	}
	h.mutex.Unlock()
	if ok {
		op.stop()
	}
}

func (h *graphqlWSHandler) Cancel() {
	h.mutex.Lock()
	h.closed = true
	operations := h.operations
	h.operations = map[string]*graphqlWSOperation{}
	h.mutex.Unlock()

	for _, op := range operations {
		op.cancel()
	}
	h.cancel()
}

func (h *graphqlWSHandler) HandleClose() {
	h.Cancel()

	h.Server.graphqlWSConnectionsMutex.Lock()
	defer h.Server.graphqlWSConnectionsMutex.Unlock()
	delete(h.Server.graphqlWSConnections, h.Connection)
}

// ServeGraphQLWS serves a GraphQL WebSocket connection using either the graphql-transport-ws or the
// legacy graphql-ws subprotocol. This method hijacks connections. To gracefully close them, use
// CloseHijackedConnections.
func (s *Server) ServeGraphQLWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not a websocket upgrade", http.StatusBadRequest)
		return
	}

	var upgrader = websocket.Upgrader{
		CheckOrigin:       s.config.WebSocketOriginCheck,
		EnableCompression: true,
		Subprotocols:      transport.Subprotocols(),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already responded
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	protocol, err := transport.Negotiate(websocket.Subprotocols(r), conn.Subprotocol())
	if err != nil {
		closeErr, _ := transport.AsCloseError(err)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(int(closeErr.Code), closeErr.Reason), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	logger := s.logger.WithFields(logrus.Fields{
		"connection_id": uuid.NewString(),
		"subprotocol":   protocol.Subprotocol(),
	})

	connection := &transport.Connection{
		Logger:            logger,
		Protocol:          protocol,
		InitTimeout:       s.config.ConnectionInitTimeout,
		KeepAliveInterval: s.config.KeepAliveInterval,
		SendBufferSize:    s.config.SendBufferSize,
	}

	// Note we can't use r.Context() directly, because the Go http package closes it after a
	// hijacked connection's handler returns.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	connection.Handler = &graphqlWSHandler{
		Server:     s,
		Connection: connection,
		Logger:     logger,
		Header:     r.Header,
		Context:    ctx,
		cancel:     cancel,
		operations: map[string]*graphqlWSOperation{},
	}
	logger.Debug("graphql websocket connection opened")

	// Registered before serving so that HandleClose always finds it. The lock is held until Serve
	// returns so that CloseHijackedConnections never sees a connection that isn't being served.
	s.graphqlWSConnectionsMutex.Lock()
	defer s.graphqlWSConnectionsMutex.Unlock()
	s.graphqlWSConnections[connection] = struct{}{}
	connection.Serve(conn)
}
