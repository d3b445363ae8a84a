package subfu

import (
	"context"
	"net/http"

	"github.com/ccbrown/subfu/graphql"
)

// Request is a GraphQL operation to be executed.
type Request struct {
	Context       context.Context
	Query         string
	Variables     map[string]interface{}
	OperationName string
	Extensions    map[string]interface{}

	// The headers of the HTTP request that carried the operation or opened the connection.
	Header http.Header
}

// Result is either a single response or a stream of responses.
type Result struct {
	Response *graphql.Response
	Stream   ResponseStream
}

// ResponseStream is a pull-based stream of responses. The server only pulls the next response once
// the previous one has been queued for delivery.
type ResponseStream interface {
	// Next blocks until the next response is available. It returns io.EOF once the stream is
	// complete. A graphql.ErrorList terminates the operation with those errors.
	Next(ctx context.Context) (*graphql.Response, error)

	// Close releases the stream's resources. It may be called concurrently with Next.
	Close()
}

// Executor executes GraphQL operations on behalf of the server.
type Executor interface {
	Execute(r *Request) *Result
}

type ExecutorFunc func(r *Request) *Result

func (f ExecutorFunc) Execute(r *Request) *Result {
	return f(r)
}

// ResponseResult wraps a single response.
func ResponseResult(resp *graphql.Response) *Result {
	return &Result{
		Response: resp,
	}
}

// ErrorResult wraps a single response carrying the given error.
func ErrorResult(err error) *Result {
	return ResponseResult(graphql.ErrorResponse(err))
}
