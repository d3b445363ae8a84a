// Package client implements GraphQL clients for the graphql-transport-ws, graphql-ws, graphql-sse
// and plain HTTP transports.
package client

import (
	"context"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
	"github.com/ccbrown/subfu/graphql/transport"
)

// ErrSubscriberAlreadyExists is returned if an operation id is already in use on a connection.
var ErrSubscriberAlreadyExists = &transport.CloseError{
	Code:   transport.SubscriberAlreadyExists,
	Reason: "subscriber already exists",
}

// Request is a GraphQL operation to be sent to a server.
type Request struct {
	Query         string
	Variables     map[string]interface{}
	OperationName string
	Extensions    map[string]interface{}
}

func (r *Request) payload() *transport.QueryPayload {
	return transport.NewQueryPayload(r.Query, r.Variables, r.OperationName, r.Extensions)
}

func (r *Request) marshal() ([]byte, error) {
	buf, err := jsoniter.Marshal(r.payload())
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal graphql request")
	}
	return buf, nil
}

// Subscriber starts operations. The subscription is closed when ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, r *Request) (*Subscription, error)
}

// Execute runs an operation and returns its first result.
func Execute(ctx context.Context, s Subscriber, r *Request) (*graphql.Result, error) {
	sub, err := s.Subscribe(ctx, r)
	if err != nil {
		return nil, err
	}
	defer sub.Close()
	result, err := sub.Next(ctx)
	if err == io.EOF {
		return nil, errors.New("operation completed without a result")
	}
	return result, err
}

// Repeat runs an operation, invoking onResult for each result. If the operation fails with a
// transport error, it is resubscribed according to b. GraphQL errors, errors returned by onResult
// and ctx being done are not retried. Repeat returns nil once the operation completes.
func Repeat(ctx context.Context, s Subscriber, r *Request, b backoff.BackOff, onResult func(*graphql.Result) error) error {
	operation := func() error {
		sub, err := s.Subscribe(ctx, r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer sub.Close()
		for {
			result, err := sub.Next(ctx)
			if err == io.EOF {
				return nil
			} else if err != nil {
				var errs graphql.ErrorList
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				} else if errors.As(err, &errs) {
					return backoff.Permanent(err)
				}
				return err
			}
			b.Reset()
			if err := onResult(result); err != nil {
				return backoff.Permanent(err)
			}
		}
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func httpClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}

func decoder(d *graphql.Decoder) *graphql.Decoder {
	if d != nil {
		return d
	}
	return defaultDecoder
}

var defaultDecoder = &graphql.Decoder{}
