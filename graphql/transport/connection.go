package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/subfu/graphql"
)

const (
	DefaultInitTimeout       = 10 * time.Second
	DefaultKeepAliveInterval = 15 * time.Second
	DefaultSendBufferSize    = 100
)

// Connection represents a server-side GraphQL WebSocket connection speaking either protocol.
type Connection struct {
	Logger   logrus.FieldLogger
	Protocol Protocol
	Handler  ConnectionHandler

	// The time the client has to send connection_init. Defaults to DefaultInitTimeout.
	InitTimeout time.Duration

	// Defaults to DefaultKeepAliveInterval. Negative values disable keep-alives.
	KeepAliveInterval time.Duration

	// The number of outgoing messages that may be queued before senders block. Defaults to
	// DefaultSendBufferSize.
	SendBufferSize int

	conn              *websocket.Conn
	readLoopDone      chan struct{}
	writeLoopDone     chan struct{}
	done              chan struct{}
	outgoing          chan *websocket.PreparedMessage
	close             chan struct{}
	closeReceived     chan struct{}
	closeMessage      chan []byte
	beginClosingOnce  sync.Once
	finishClosingOnce sync.Once
	initTimer         *time.Timer
	keepAlive         *websocket.PreparedMessage
	initReceived      bool
	didInit           atomic.Bool
}

// ConnectionHandler methods may be invoked on a separate goroutine, but invocations will never be
// made concurrently, with the exception of Cancel.
type ConnectionHandler interface {
	// Called when the server receives the init message. If an error is returned, the connection is
	// closed with Forbidden, or with the error's code if it is a *CloseError. Legacy clients are
	// sent a connection_error first.
	HandleInit(parameters json.RawMessage) error

	// Called when the client wants to start an operation. The handler should send results with
	// SendNext and finish with SendComplete or SendError. A *CloseError closes the connection. Any
	// other error is sent to the client as the operation's error.
	HandleStart(id string, payload *QueryPayload) error

	// Called when the client wants to stop an operation. Unknown ids should be ignored.
	HandleStop(id string)

	// Called when the connection begins closing and all in-flight operations should be canceled.
	Cancel()

	// Called when the connection is closed.
	HandleClose()
}

// Serve takes ownership of the given connection and begins reading / writing to it.
func (c *Connection) Serve(conn *websocket.Conn) {
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.Protocol == nil {
		c.Protocol = Legacy
	}
	sendBufferSize := c.SendBufferSize
	if sendBufferSize <= 0 {
		sendBufferSize = DefaultSendBufferSize
	}
	initTimeout := c.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	c.conn = conn
	c.readLoopDone = make(chan struct{})
	c.writeLoopDone = make(chan struct{})
	c.done = make(chan struct{})
	c.outgoing = make(chan *websocket.PreparedMessage, sendBufferSize)
	c.close = make(chan struct{})
	c.closeReceived = make(chan struct{})
	c.closeMessage = make(chan []byte, 1)
	conn.SetCloseHandler(func(code int, text string) error {
		select {
		case <-c.closeReceived:
		default:
			close(c.closeReceived)
		}
		return nil
	})

	if keepAlive, err := c.prepare(&Message{Kind: c.Protocol.KeepAlive()}); err != nil {
		c.Logger.Error(errors.Wrap(err, "unable to prepare keep-alive message"))
	} else {
		c.keepAlive = keepAlive
	}

	c.initTimer = time.AfterFunc(initTimeout, func() {
		if !c.didInit.Load() {
			c.beginClosing(int(ConnectionInitialisationTimeout), "Connection initialisation timeout")
		}
	})

	go c.readLoop()
	go c.writeLoop()
}

// Done is closed once the connection is fully closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// SendNext sends an execution result for the given operation.
func (c *Connection) SendNext(ctx context.Context, id string, response *graphql.Response) error {
	buf, err := jsoniter.Marshal(response)
	if err != nil {
		return errors.Wrap(err, "unable to marshal graphql response")
	}
	return c.sendMessage(ctx, &Message{
		Kind:    KindNext,
		ID:      id,
		Payload: json.RawMessage(buf),
	})
}

// SendError terminates the given operation with errors.
func (c *Connection) SendError(ctx context.Context, id string, errs graphql.ErrorList) error {
	payload, err := c.Protocol.ErrorPayload(errs)
	if err != nil {
		return err
	}
	return c.sendMessage(ctx, &Message{
		Kind:    KindError,
		ID:      id,
		Payload: payload,
	})
}

// SendComplete sends the "complete" message to the client. This should be done after queries are
// executed or subscriptions end.
func (c *Connection) SendComplete(ctx context.Context, id string) error {
	return c.sendMessage(ctx, &Message{
		Kind: KindComplete,
		ID:   id,
	})
}

// Close closes the connection. This must not be called from handler functions.
func (c *Connection) Close() error {
	return c.CloseWithCode(NormalClosure, "close requested by application")
}

// CloseWithCode closes the connection with the given code. This must not be called from handler
// functions.
func (c *Connection) CloseWithCode(code CloseCode, reason string) error {
	c.beginClosing(int(code), reason)
	c.finishClosing()
	return nil
}

func (c *Connection) prepare(msg *Message) (*websocket.PreparedMessage, error) {
	data, err := c.Protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	prepared, err := websocket.NewPreparedMessage(websocket.TextMessage, data)
	if err != nil {
		return nil, errors.Wrap(err, "error preparing message")
	}
	return prepared, nil
}

// sendMessage blocks while the outgoing buffer is full.
func (c *Connection) sendMessage(ctx context.Context, msg *Message) error {
	prepared, err := c.prepare(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.close:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outgoing <- prepared:
	case <-c.close:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.readLoopDone)
	defer c.beginClosing(websocket.CloseInternalServerErr, "read error")

	for {
		_, p, err := c.conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*websocket.CloseError); !ok {
				select {
				case <-c.close:
				default:
					c.Logger.Warn(errors.Wrap(err, "websocket read error"))
				}
			}
			return
		}

		if !c.handleMessage(context.Background(), p) {
			return
		}
	}
}

// handleMessage returns false once the connection is closing.
func (c *Connection) handleMessage(ctx context.Context, data []byte) bool {
	msg, err := c.Protocol.Decode(data)
	if err != nil {
		c.closeWithError(&CloseError{Code: BadRequest, Reason: "Invalid message received"})
		return false
	}

	switch msg.Kind {
	case KindConnectionInit:
		if c.initReceived {
			c.closeWithError(&CloseError{Code: TooManyInitialisationRequests, Reason: "Too many initialisation requests"})
			return false
		}
		c.initReceived = true

		if err := c.Handler.HandleInit(msg.Payload); err != nil {
			c.rejectInit(ctx, err)
			return false
		}

		c.didInit.Store(true)
		if err := c.sendMessage(ctx, &Message{
			Kind: KindConnectionAck,
		}); err != nil {
			c.Logger.Error(errors.Wrap(err, "unable to send connection ack"))
			c.beginClosing(websocket.CloseInternalServerErr, "ack send error")
			return false
		}
		if c.Protocol.Legacy() && c.keepAliveInterval() > 0 {
			if err := c.sendMessage(ctx, &Message{
				Kind: KindKeepAlive,
			}); err != nil {
				c.Logger.Error(errors.Wrap(err, "unable to send initial keep-alive"))
				c.beginClosing(websocket.CloseInternalServerErr, "keep-alive send error")
				return false
			}
		}
	case KindPing:
		if err := c.sendMessage(ctx, &Message{
			Kind:    KindPong,
			Payload: msg.Payload,
		}); err != nil {
			c.Logger.Warn(errors.Wrap(err, "unable to send pong"))
		}
	case KindPong, KindKeepAlive:
	case KindConnectionTerminate:
		c.beginClosing(websocket.CloseNormalClosure, "terminate requested by client")
		return false
	case KindSubscribe:
		if !c.didInit.Load() {
			c.closeWithError(&CloseError{Code: Unauthorized, Reason: "Unauthorized"})
			return false
		}
		if msg.ID == "" {
			c.closeWithError(&CloseError{Code: BadRequest, Reason: "message is missing the 'id' property"})
			return false
		}
		payload, err := DecodeQueryPayload(msg)
		if err != nil {
			c.closeWithError(&CloseError{Code: BadRequest, Reason: err.Error()})
			return false
		}
		if err := c.Handler.HandleStart(msg.ID, payload); err != nil {
			if closeErr, ok := AsCloseError(err); ok {
				c.closeWithError(closeErr)
				return false
			}
			if err := c.SendError(ctx, msg.ID, errorList(err)); err != nil {
				c.Logger.Warn(errors.Wrap(err, "unable to send operation error"))
			}
		}
	case c.Protocol.StopKind():
		if !c.didInit.Load() {
			c.closeWithError(&CloseError{Code: Unauthorized, Reason: "Unauthorized"})
			return false
		}
		c.Handler.HandleStop(msg.ID)
		if c.Protocol.Legacy() {
			if err := c.SendComplete(ctx, msg.ID); err != nil {
				c.Logger.Warn(errors.Wrap(err, "unable to send stop response"))
			}
		}
	default:
		c.closeWithError(&CloseError{Code: BadRequest, Reason: "Invalid message received"})
		return false
	}
	return true
}

func (c *Connection) rejectInit(ctx context.Context, err error) {
	closeErr, ok := AsCloseError(err)
	if !ok {
		closeErr = &CloseError{Code: Forbidden, Reason: "Forbidden"}
	}
	if c.Protocol.Legacy() {
		payload, marshalErr := jsoniter.Marshal(&graphql.Error{Message: err.Error()})
		if marshalErr != nil {
			c.Logger.Error(errors.Wrap(marshalErr, "unable to marshal connection error payload"))
		} else if sendErr := c.sendMessage(ctx, &Message{
			Kind:    KindConnectionError,
			Payload: payload,
		}); sendErr != nil {
			c.Logger.Warn(errors.Wrap(sendErr, "unable to send connection error"))
		}
	}
	c.closeWithError(closeErr)
}

func (c *Connection) closeWithError(err *CloseError) {
	c.Logger.WithField("code", int(err.Code)).Debug(err.Reason)
	c.beginClosing(int(err.Code), err.Reason)
}

func errorList(err error) graphql.ErrorList {
	if list, ok := err.(graphql.ErrorList); ok {
		return list
	}
	return graphql.ErrorList{graphql.NewError(err)}
}

func (c *Connection) keepAliveInterval() time.Duration {
	if c.KeepAliveInterval == 0 {
		return DefaultKeepAliveInterval
	}
	return c.KeepAliveInterval
}

func (c *Connection) writeLoop() {
	defer c.finishClosing()
	defer close(c.writeLoopDone)

	defer c.conn.Close()

	var keepAlive <-chan time.Time
	if interval := c.keepAliveInterval(); interval > 0 && c.keepAlive != nil {
		keepAliveTicker := time.NewTicker(interval)
		defer keepAliveTicker.Stop()
		keepAlive = keepAliveTicker.C
	}

	for {
		var msg *websocket.PreparedMessage
		select {
		case outgoing := <-c.outgoing:
			msg = outgoing
		case <-keepAlive:
			if !c.didInit.Load() {
				continue
			}
			msg = c.keepAlive
		case msg := <-c.closeMessage:
			// make sure we send any outgoing messages before closing (e.g. to make sure we send
			// back the error after a bad init)
			for done := false; !done; {
				select {
				case msg := <-c.outgoing:
					c.conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := c.conn.WritePreparedMessage(msg); err != nil {
						c.logWriteError(err)
						done = true
					}
				default:
					done = true
				}
			}

			// initiate the close handshake
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && err != websocket.ErrCloseSent {
				c.Logger.Warn(errors.Wrap(err, "websocket control write error"))
			}
			// wait for the response, then close the connection
			select {
			case <-c.closeReceived:
			case <-c.readLoopDone:
			case <-time.After(time.Second):
			}
			return
		case <-c.closeReceived:
			// the client initiated the close handshake
			c.beginClosing(websocket.CloseNormalClosure, "close requested by client")
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "close requested by client")); err != nil && err != websocket.ErrCloseSent {
				c.Logger.Warn(errors.Wrap(err, "websocket control write error"))
			}
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

		if err := c.conn.WritePreparedMessage(msg); err != nil {
			c.logWriteError(err)
			c.beginClosing(websocket.CloseInternalServerErr, "write error")
			return
		}
	}
}

func (c *Connection) logWriteError(err error) {
	if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
		c.Logger.Warn(errors.Wrap(err, "websocket write error"))
	}
}

func (c *Connection) beginClosing(code int, text string) {
	c.beginClosingOnce.Do(func() {
		c.closeMessage <- websocket.FormatCloseMessage(code, text)
		close(c.close)
		c.Handler.Cancel()
	})
}

func (c *Connection) finishClosing() {
	<-c.readLoopDone
	<-c.writeLoopDone
	c.initTimer.Stop()
	invokeHandler := false
	c.finishClosingOnce.Do(func() {
		invokeHandler = true
	})
	if invokeHandler {
		c.Handler.HandleClose()
		close(c.done)
	}
}
