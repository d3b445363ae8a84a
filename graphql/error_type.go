package graphql

import (
	jsoniter "github.com/json-iterator/go"
)

// ErrorType classifies execution errors. It is carried in the "errorType" error extension.
type ErrorType string

const (
	ErrorTypeInternal           ErrorType = "INTERNAL"
	ErrorTypeNotFound           ErrorType = "NOT_FOUND"
	ErrorTypeUnauthenticated    ErrorType = "UNAUTHENTICATED"
	ErrorTypePermissionDenied   ErrorType = "PERMISSION_DENIED"
	ErrorTypeBadRequest         ErrorType = "BAD_REQUEST"
	ErrorTypeUnavailable        ErrorType = "UNAVAILABLE"
	ErrorTypeFailedPrecondition ErrorType = "FAILED_PRECONDITION"
	ErrorTypeUnknown            ErrorType = "UNKNOWN"
)

var knownErrorTypes = map[ErrorType]struct{}{
	ErrorTypeInternal:           {},
	ErrorTypeNotFound:           {},
	ErrorTypeUnauthenticated:    {},
	ErrorTypePermissionDenied:   {},
	ErrorTypeBadRequest:         {},
	ErrorTypeUnavailable:        {},
	ErrorTypeFailedPrecondition: {},
	ErrorTypeUnknown:            {},
}

// ParseErrorType maps unrecognized values to ErrorTypeUnknown.
func ParseErrorType(s string) ErrorType {
	if _, ok := knownErrorTypes[ErrorType(s)]; ok {
		return ErrorType(s)
	}
	return ErrorTypeUnknown
}

// UnmarshalJSON never fails. Anything that isn't a recognized string is ErrorTypeUnknown.
func (t *ErrorType) UnmarshalJSON(data []byte) error {
	var s string
	if err := jsoniter.Unmarshal(data, &s); err != nil {
		*t = ErrorTypeUnknown
		return nil
	}
	*t = ParseErrorType(s)
	return nil
}

// ErrorExtensions holds the error extensions this package understands. Anything else is kept in
// Other so that it survives a round trip.
type ErrorExtensions struct {
	ErrorType      ErrorType
	ErrorDetail    string
	Origin         string
	Classification interface{}
	DebugInfo      interface{}
	Other          map[string]interface{}
}

func (e *ErrorExtensions) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(e.Other)+5)
	for k, v := range e.Other {
		m[k] = v
	}
	if e.ErrorType != "" {
		m["errorType"] = e.ErrorType
	}
	if e.ErrorDetail != "" {
		m["errorDetail"] = e.ErrorDetail
	}
	if e.Origin != "" {
		m["origin"] = e.Origin
	}
	if e.Classification != nil {
		m["classification"] = e.Classification
	}
	if e.DebugInfo != nil {
		m["debugInfo"] = e.DebugInfo
	}
	return jsoniter.Marshal(m)
}

func (e *ErrorExtensions) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := jsoniter.Unmarshal(data, &m); err != nil {
		return err
	}
	*e = ErrorExtensions{}
	for k, v := range m {
		switch k {
		case "errorType":
			if s, ok := v.(string); ok {
				e.ErrorType = ParseErrorType(s)
			} else {
				e.ErrorType = ErrorTypeUnknown
			}
		case "errorDetail":
			e.ErrorDetail, _ = v.(string)
		case "origin":
			e.Origin, _ = v.(string)
		case "classification":
			e.Classification = v
		case "debugInfo":
			e.DebugInfo = v
		default:
			if e.Other == nil {
				e.Other = map[string]interface{}{}
			}
			e.Other[k] = v
		}
	}
	return nil
}
