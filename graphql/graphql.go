package graphql

import (
	"encoding/json"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

type Location struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Error is a GraphQL error as it appears in a response.
type Error struct {
	Message    string           `json:"message"`
	Locations  []Location       `json:"locations,omitempty"`
	Path       []interface{}    `json:"path,omitempty"`
	Extensions *ErrorExtensions `json:"extensions,omitempty"`
}

func (err *Error) Error() string {
	return err.Message
}

// Type returns the error's classification, or ErrorTypeUnknown if it has none.
func (err *Error) Type() ErrorType {
	if err.Extensions == nil || err.Extensions.ErrorType == "" {
		return ErrorTypeUnknown
	}
	return err.Extensions.ErrorType
}

// UnmarshalJSON never fails on a null or absent path, and converts numeric path segments to ints.
func (err *Error) UnmarshalJSON(data []byte) error {
	type plain Error
	var v plain
	if e := jsoniter.Unmarshal(data, &v); e != nil {
		return e
	}
	for i, segment := range v.Path {
		switch s := segment.(type) {
		case float64:
			v.Path[i] = int(s)
		case json.Number:
			if n, e := s.Int64(); e == nil {
				v.Path[i] = int(n)
			}
		}
	}
	if v.Path == nil {
		v.Path = []interface{}{}
	}
	*err = Error(v)
	return nil
}

// NewError converts any error into a GraphQL error.
func NewError(err error) *Error {
	if gqlErr, ok := err.(*Error); ok {
		return gqlErr
	}
	return &Error{
		Message: err.Error(),
	}
}

// ErrorList is a list of GraphQL errors that can be returned as a Go error.
type ErrorList []*Error

func (l ErrorList) Error() string {
	messages := make([]string, len(l))
	for i, err := range l {
		messages[i] = err.Message
	}
	return strings.Join(messages, "; ")
}

// Response is a GraphQL execution result as sent over the wire.
type Response struct {
	Data       interface{}            `json:"data,omitempty"`
	Errors     ErrorList              `json:"errors,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

// ErrorResponse returns a response carrying only the given error.
func ErrorResponse(err error) *Response {
	var list ErrorList
	if l, ok := err.(ErrorList); ok {
		list = l
	} else {
		list = ErrorList{NewError(err)}
	}
	return &Response{
		Errors: list,
	}
}
