package client

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/ccbrown/subfu/graphql"
	"github.com/ccbrown/subfu/graphql/transport"
)

const DefaultAckTimeout = 30 * time.Second

// WebSocketClient multiplexes operations over a single lazily established WebSocket connection.
// The connection is established by the first operation, shared by concurrent operations, and
// re-established by the next operation after it closes.
type WebSocketClient struct {
	URL    string
	Header http.Header

	// Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// The subprotocols offered to the server, in order of preference. Defaults to
	// graphql-transport-ws followed by graphql-ws.
	Subprotocols []string

	// Sent as the connection_init payload. Omitted if nil.
	InitPayload interface{}

	// The time the server has to acknowledge the connection. Defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	// The number of results buffered per subscription. Defaults to DefaultSubscriptionBufferSize.
	// All subscriptions share one reader, so a subscription whose buffer fills up is stopped and
	// fails with ErrSubscriptionOverflow rather than holding up the others.
	BufferSize int

	Logger  logrus.FieldLogger
	Decoder *graphql.Decoder

	mutex   sync.Mutex
	current *session
	group   singleflight.Group
	nextID  atomic.Uint64
}

var _ Subscriber = (*WebSocketClient)(nil)

func (c *WebSocketClient) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// Subscribe starts an operation. The subscription is closed when ctx is done.
func (c *WebSocketClient) Subscribe(ctx context.Context, r *Request) (*Subscription, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := r.marshal()
	if err != nil {
		return nil, err
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	sub := newSubscription(id, c.BufferSize)
	if err := s.register(sub); err != nil {
		return nil, err
	}
	sub.setCancel(func() {
		// only stop operations the server hasn't finished
		if s.remove(id) == sub {
			if err := s.send(&transport.Message{
				Kind: s.protocol.StopKind(),
				ID:   id,
			}); err != nil {
				s.logger.WithError(err).Debug("unable to send stop")
			}
		}
	})
	if err := s.send(&transport.Message{
		Kind:    transport.KindSubscribe,
		ID:      id,
		Payload: payload,
	}); err != nil {
		s.remove(id)
		return nil, err
	}
	sub.closeWhenDone(ctx)
	return sub, nil
}

// Execute runs an operation and returns its first result.
func (c *WebSocketClient) Execute(ctx context.Context, r *Request) (*graphql.Result, error) {
	return Execute(ctx, c, r)
}

// Close closes the current connection, if any. Live subscriptions fail with
// transport.ErrConnectionClosed.
func (c *WebSocketClient) Close() error {
	c.mutex.Lock()
	s := c.current
	c.current = nil
	c.mutex.Unlock()
	if s != nil {
		s.close()
	}
	return nil
}

// session returns the live session, connecting if necessary. Concurrent callers share a single
// handshake.
func (c *WebSocketClient) session(ctx context.Context) (*session, error) {
	c.mutex.Lock()
	if s := c.current; s != nil && !s.isClosed() {
		c.mutex.Unlock()
		return s, nil
	}
	c.mutex.Unlock()

	ch := c.group.DoChan("connect", func() (interface{}, error) {
		c.mutex.Lock()
		if s := c.current; s != nil && !s.isClosed() {
			c.mutex.Unlock()
			return s, nil
		}
		c.mutex.Unlock()

		// the handshake is shared, so it shouldn't be canceled with any one caller's context
		s, err := c.connect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mutex.Lock()
		c.current = s
		c.mutex.Unlock()
		return s, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WebSocketClient) connect(ctx context.Context) (*session, error) {
	ackTimeout := c.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}

	dialer := websocket.DefaultDialer
	if c.Dialer != nil {
		dialer = c.Dialer
	}
	d := *dialer
	d.Subprotocols = c.Subprotocols
	if len(d.Subprotocols) == 0 {
		d.Subprotocols = transport.Subprotocols()
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	conn, _, err := d.DialContext(dialCtx, c.URL, c.Header)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to graphql websocket")
	}

	protocol, ok := transport.ProtocolFor(conn.Subprotocol())
	if !ok {
		conn.Close()
		return nil, &transport.CloseError{Code: transport.SubprotocolNotAcceptable, Reason: "server selected an unknown subprotocol"}
	}
	logger := c.logger().WithField("subprotocol", protocol.Subprotocol())

	if err := c.handshake(conn, protocol, ackTimeout); err != nil {
		logger.WithError(err).Warn("graphql websocket handshake failed")
		conn.Close()
		return nil, err
	}

	s := &session{
		client:        c,
		conn:          conn,
		protocol:      protocol,
		logger:        logger,
		decoder:       decoder(c.Decoder),
		outgoing:      make(chan []byte, transport.DefaultSendBufferSize),
		closed:        make(chan struct{}),
		closing:       make(chan struct{}),
		writeLoopDone: make(chan struct{}),
		subscriptions: map[string]*Subscription{},
	}
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (c *WebSocketClient) handshake(conn *websocket.Conn, protocol transport.Protocol, ackTimeout time.Duration) error {
	init := &transport.Message{
		Kind: transport.KindConnectionInit,
	}
	if c.InitPayload != nil {
		payload, err := jsoniter.Marshal(c.InitPayload)
		if err != nil {
			return errors.Wrap(err, "unable to marshal connection init payload")
		}
		init.Payload = payload
	}
	data, err := protocol.Encode(init)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(ackTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "unable to send connection init")
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	_, p, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return closeConn(conn, &transport.CloseError{
				Code:   transport.ConnectionAcknowledgementTimeout,
				Reason: "Connection acknowledgement timeout",
			})
		}
		if closeErr, ok := transport.AsCloseError(err); ok {
			return closeErr
		}
		return errors.Wrap(err, "graphql websocket read error")
	}
	conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(p)
	if err != nil {
		return closeConn(conn, &transport.CloseError{Code: transport.BadRequest, Reason: "Invalid message received"})
	}
	switch msg.Kind {
	case transport.KindConnectionAck:
		return nil
	case transport.KindConnectionError:
		errs, _ := protocol.DecodeErrorPayload(msg.Payload)
		return &transport.CloseError{
			Code:   transport.Forbidden,
			Reason: errs.Error(),
		}
	}
	return closeConn(conn, &transport.CloseError{
		Code:   transport.BadRequest,
		Reason: "expected connection_ack, got " + msg.Type,
	})
}

// closeConn sends a close frame for err and returns it.
func closeConn(conn *websocket.Conn, err *transport.CloseError) error {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(int(err.Code), err.Reason), time.Now().Add(time.Second))
	return err
}

// session is a single acknowledged connection.
type session struct {
	client   *WebSocketClient
	conn     *websocket.Conn
	protocol transport.Protocol
	logger   logrus.FieldLogger
	decoder  *graphql.Decoder
	outgoing chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	err       error

	// closing asks the write loop to flush and send a close frame.
	closing       chan struct{}
	closingOnce   sync.Once
	writeLoopDone chan struct{}

	mutex         sync.Mutex
	subscriptions map[string]*Subscription
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *session) register(sub *Subscription) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.isClosed() {
		return transport.ErrConnectionClosed
	}
	if _, ok := s.subscriptions[sub.id]; ok {
		return ErrSubscriberAlreadyExists
	}
	s.subscriptions[sub.id] = sub
	return nil
}

// remove returns the subscription if it was registered.
func (s *session) remove(id string) *Subscription {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	sub, ok := s.subscriptions[id]
	if ok {
		delete(s.subscriptions, id)
	}
	return sub
}

func (s *session) lookup(id string) *Subscription {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.subscriptions[id]
}

func (s *session) send(msg *transport.Message) error {
	data, err := s.protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return transport.ErrConnectionClosed
	default:
	}
	select {
	case s.outgoing <- data:
		return nil
	case <-s.closed:
		return transport.ErrConnectionClosed
	}
}

func (s *session) readLoop() {
	for {
		_, p, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || s.isClosing() {
				s.fail(transport.ErrConnectionClosed)
			} else if closeErr, ok := transport.AsCloseError(err); ok {
				s.fail(closeErr)
			} else {
				s.fail(errors.Wrap(err, "graphql websocket read error"))
			}
			return
		}

		msg, err := s.protocol.Decode(p)
		if err != nil {
			s.closeWithError(&transport.CloseError{Code: transport.BadRequest, Reason: "Invalid message received"})
			return
		}

		switch msg.Kind {
		case transport.KindNext:
			sub := s.lookup(msg.ID)
			if sub == nil {
				continue
			}
			result, err := s.decoder.Parse(msg.Payload)
			if err != nil {
				s.logger.WithError(err).WithField("operation_id", msg.ID).Warn("unable to parse graphql result")
				sub.abort(err)
				continue
			}
			if !sub.offer(result) {
				s.logger.WithField("operation_id", msg.ID).Warn("subscription buffer is full, stopping the operation")
				sub.abort(ErrSubscriptionOverflow)
			}
		case transport.KindError:
			if sub := s.remove(msg.ID); sub != nil {
				errs, err := s.protocol.DecodeErrorPayload(msg.Payload)
				if err != nil {
					sub.finish(err)
				} else {
					sub.finish(errs)
				}
			}
		case transport.KindComplete:
			if sub := s.remove(msg.ID); sub != nil {
				sub.finish(nil)
			}
		case transport.KindPing:
			if err := s.send(&transport.Message{Kind: transport.KindPong, Payload: msg.Payload}); err != nil {
				s.logger.WithError(err).Debug("unable to send pong")
			}
		case transport.KindPong, transport.KindKeepAlive:
		default:
			s.closeWithError(&transport.CloseError{Code: transport.BadRequest, Reason: "Invalid message received"})
			return
		}
	}
}

func (s *session) writeLoop() {
	defer close(s.writeLoopDone)
	for {
		select {
		case data := <-s.outgoing:
			if err := s.write(data); err != nil {
				s.fail(err)
				return
			}
		case <-s.closing:
			// flush anything queued before the close was requested, e.g. connection_terminate
			for done := false; !done; {
				select {
				case data := <-s.outgoing:
					if err := s.write(data); err != nil {
						s.logger.WithError(err).Debug("unable to flush outgoing message")
						done = true
					}
				default:
					done = true
				}
			}
			closeConn(s.conn, &transport.CloseError{Code: transport.NormalClosure, Reason: "Normal Closure"})
			return
		case <-s.closed:
			return
		}
	}
}

func (s *session) write(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "graphql websocket write error")
	}
	return nil
}

func (s *session) closeWithError(err *transport.CloseError) {
	closeConn(s.conn, err)
	s.fail(err)
}

// close ends the session normally. Legacy servers are sent connection_terminate first.
func (s *session) close() {
	if s.protocol.Legacy() {
		if err := s.send(&transport.Message{Kind: transport.KindConnectionTerminate}); err != nil {
			s.logger.WithError(err).Debug("unable to send connection terminate")
		}
	}
	s.closingOnce.Do(func() {
		close(s.closing)
	})
	select {
	case <-s.writeLoopDone:
	case <-time.After(time.Second):
	}
	s.fail(transport.ErrConnectionClosed)
}

// fail closes the session and fails every live subscription with err.
func (s *session) fail(err error) {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.err = err
		close(s.closed)
		subscriptions := s.subscriptions
		s.subscriptions = map[string]*Subscription{}
		s.mutex.Unlock()

		s.client.mutex.Lock()
		if s.client.current == s {
			s.client.current = nil
		}
		s.client.mutex.Unlock()

		s.conn.Close()

		for _, sub := range subscriptions {
			sub.finish(err)
		}
	})
}

