// Package graphqlgo executes operations with github.com/graphql-go/graphql.
package graphqlgo

import (
	"context"
	"io"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"

	"github.com/ccbrown/subfu"
	gql "github.com/ccbrown/subfu/graphql"
)

// Executor runs queries and mutations with graphql.Do and subscriptions with graphql.Subscribe.
type Executor struct {
	Schema     graphql.Schema
	RootObject map[string]interface{}
}

var _ subfu.Executor = (*Executor)(nil)

func (e *Executor) Execute(r *subfu.Request) *subfu.Result {
	ctx := r.Context
	if ctx == nil {
		ctx = context.Background()
	}
	params := graphql.Params{
		Schema:         e.Schema,
		RequestString:  r.Query,
		VariableValues: r.Variables,
		OperationName:  r.OperationName,
		RootObject:     e.RootObject,
		Context:        ctx,
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(r.Query),
			Name: "GraphQL request",
		}),
	})
	if err != nil {
		return subfu.ResponseResult(&gql.Response{
			Errors: convertErrors(gqlerrors.FormatErrors(err)),
		})
	}

	if op := operation(doc, r.OperationName); op != nil && op.Operation == ast.OperationTypeSubscription {
		ctx, cancel := context.WithCancel(ctx)
		params.Context = ctx
		return &subfu.Result{
			Stream: &resultStream{
				results: graphql.Subscribe(params),
				cancel:  cancel,
			},
		}
	}
	return subfu.ResponseResult(convertResult(graphql.Do(params)))
}

// operation returns the operation that will be executed, or nil if it's ambiguous.
func operation(doc *ast.Document, operationName string) *ast.OperationDefinition {
	var ret *ast.OperationDefinition
	for _, def := range doc.Definitions {
		if def, ok := def.(*ast.OperationDefinition); ok {
			if operationName == "" {
				if ret != nil {
					return nil
				}
				ret = def
			} else if def.GetName() != nil && def.GetName().Value == operationName {
				return def
			}
		}
	}
	return ret
}

type resultStream struct {
	results chan *graphql.Result
	cancel  context.CancelFunc
}

// Next returns the next result. A result carrying only errors ends the stream with those errors.
func (s *resultStream) Next(ctx context.Context) (*gql.Response, error) {
	select {
	case result, ok := <-s.results:
		if !ok {
			return nil, io.EOF
		}
		if result.Data == nil && len(result.Errors) > 0 {
			return nil, convertErrors(result.Errors)
		}
		return convertResult(result), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *resultStream) Close() {
	s.cancel()
	// graphql-go may still be trying to deliver a result
	go func() {
		for range s.results {
		}
	}()
}

func convertResult(result *graphql.Result) *gql.Response {
	return &gql.Response{
		Data:       result.Data,
		Errors:     convertErrors(result.Errors),
		Extensions: result.Extensions,
	}
}

func convertErrors(errs []gqlerrors.FormattedError) gql.ErrorList {
	if len(errs) == 0 {
		return nil
	}
	ret := make(gql.ErrorList, len(errs))
	for i, err := range errs {
		e := &gql.Error{
			Message: err.Message,
			Path:    err.Path,
		}
		for _, loc := range err.Locations {
			e.Locations = append(e.Locations, gql.Location{
				Line:   loc.Line,
				Column: loc.Column,
			})
		}
		if len(err.Extensions) > 0 {
			ext := &gql.ErrorExtensions{
				Other: map[string]interface{}{},
			}
			for k, v := range err.Extensions {
				switch k {
				case "errorType":
					s, _ := v.(string)
					ext.ErrorType = gql.ParseErrorType(s)
				case "errorDetail":
					ext.ErrorDetail, _ = v.(string)
				default:
					ext.Other[k] = v
				}
			}
			e.Extensions = ext
		}
		ret[i] = e
	}
	return ret
}
