package subfu

import (
	"context"
	"io"
	"reflect"
	"sync"

	"github.com/ccbrown/subfu/graphql"
)

// SubscriptionSourceStream adapts a channel into a ResponseStream.
type SubscriptionSourceStream struct {
	// A channel of events. The channel can be of any type. Events that are *graphql.Response are
	// delivered as-is, errors end the stream, and anything else is delivered as the response data.
	EventChannel interface{}

	// Stop is invoked when the subscription should be stopped and the event channel should be
	// closed.
	Stop func()

	stopOnce sync.Once
}

var _ ResponseStream = (*SubscriptionSourceStream)(nil)

// Next blocks until an event arrives, the channel is closed or the given context is cancelled.
func (s *SubscriptionSourceStream) Next(ctx context.Context) (*graphql.Response, error) {
	selectCases := []reflect.SelectCase{
		{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ctx.Done()),
		},
		{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(s.EventChannel),
		},
	}
	chosen, recv, recvOK := reflect.Select(selectCases)
	if chosen == 0 {
		// ctx.Done()
		return nil, ctx.Err()
	}
	// s.EventChannel
	if !recvOK {
		return nil, io.EOF
	}
	switch event := recv.Interface().(type) {
	case *graphql.Response:
		return event, nil
	case error:
		return nil, event
	default:
		return &graphql.Response{
			Data: event,
		}, nil
	}
}

func (s *SubscriptionSourceStream) Close() {
	s.stopOnce.Do(func() {
		if s.Stop != nil {
			s.Stop()
		}
	})
}
