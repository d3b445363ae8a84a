package client

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// ErrSubscriptionClosed is returned by Next once the subscription has been closed by the consumer.
var ErrSubscriptionClosed = errors.New("subscription closed")

// ErrSubscriptionOverflow is returned by Next if results arrived faster than they were consumed
// and the subscription's buffer filled up. The operation is stopped when this happens.
var ErrSubscriptionOverflow = errors.New("subscription buffer overflow")

const DefaultSubscriptionBufferSize = 100

// Subscription is the consumer side of a single operation. Results are pulled with Next.
type Subscription struct {
	id string

	events   chan *graphql.Result
	finished chan struct{}
	closed   chan struct{}

	finishOnce sync.Once
	closeOnce  sync.Once
	err        error

	mutex       sync.Mutex
	cancel      func()
	stopWatcher func() bool
}

func newSubscription(id string, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriptionBufferSize
	}
	return &Subscription{
		id:       id,
		events:   make(chan *graphql.Result, bufferSize),
		finished: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// ID returns the operation id used on the wire.
func (s *Subscription) ID() string {
	return s.id
}

// Next blocks until the next result is available. It returns io.EOF once the operation completes,
// a graphql.ErrorList if the server terminated the operation with errors, or a transport error if
// the connection failed. Once the subscription has been closed, buffered results are discarded.
func (s *Subscription) Next(ctx context.Context) (*graphql.Result, error) {
	select {
	case <-s.closed:
		return nil, ErrSubscriptionClosed
	default:
	}
	select {
	case result := <-s.events:
		return result, nil
	default:
	}
	select {
	case result := <-s.events:
		return result, nil
	case <-s.finished:
		// results delivered before the terminal event take precedence
		select {
		case result := <-s.events:
			return result, nil
		default:
		}
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the operation. If it is still running, the server is told to stop it.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mutex.Lock()
		cancel := s.cancel
		s.mutex.Unlock()
		if cancel != nil {
			cancel()
		}
		s.finish(ErrSubscriptionClosed)
	})
}

// closeWhenDone closes the subscription when ctx is done.
func (s *Subscription) closeWhenDone(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mutex.Lock()
	s.stopWatcher = stop
	s.mutex.Unlock()
	select {
	case <-s.finished:
		stop()
	default:
	}
}

func (s *Subscription) setCancel(cancel func()) {
	s.mutex.Lock()
	s.cancel = cancel
	s.mutex.Unlock()
}

// push delivers a result, blocking while the consumer is behind.
func (s *Subscription) push(result *graphql.Result) {
	select {
	case s.events <- result:
	case <-s.finished:
	}
}

// offer delivers a result without blocking. It returns false if the buffer is full.
func (s *Subscription) offer(result *graphql.Result) bool {
	select {
	case s.events <- result:
		return true
	case <-s.finished:
		return true
	default:
		return false
	}
}

// abort ends the subscription with err and stops the operation, leaving it open so that the
// consumer sees err.
func (s *Subscription) abort(err error) {
	s.finish(err)
	s.mutex.Lock()
	cancel := s.cancel
	s.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscription) finish(err error) {
	s.finishOnce.Do(func() {
		if err == nil {
			err = io.EOF
		}
		s.err = err
		close(s.finished)
		s.mutex.Lock()
		stop := s.stopWatcher
		s.mutex.Unlock()
		if stop != nil {
			stop()
		}
	})
}
