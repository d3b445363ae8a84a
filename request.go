package subfu

import (
	"io"
	"mime"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql/transport"
)

const maxRequestBodySize = 10 << 20

// NewRequestFromHTTP decodes a GraphQL request from GET query parameters or a POST body. Both
// "application/json" and "application/graphql" bodies are accepted. On failure, the returned code
// is the HTTP status that should be sent.
func NewRequestFromHTTP(r *http.Request) (req *Request, code int, err error) {
	var payload transport.QueryPayload

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch mediaType {
		case "application/json":
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
			if err != nil {
				return nil, http.StatusBadRequest, errors.Wrap(err, "unable to read request body")
			}
			if err := jsoniter.Unmarshal(body, &payload); err != nil {
				return nil, http.StatusBadRequest, errors.Wrap(err, "malformed request body")
			}
		case "application/graphql":
			body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
			if err != nil {
				return nil, http.StatusBadRequest, errors.Wrap(err, "unable to read request body")
			}
			payload.Query = string(body)
		default:
			return nil, http.StatusBadRequest, errors.Errorf("unsupported content type %q", mediaType)
		}
	default:
		return nil, http.StatusMethodNotAllowed, errors.Errorf("method %v not allowed", r.Method)
	}

	// query parameters are honored for POST requests too
	q := r.URL.Query()
	if query := q.Get("query"); query != "" {
		payload.Query = query
	}
	if operationName := q.Get("operationName"); operationName != "" {
		payload.OperationName = &operationName
	}
	if variables := q.Get("variables"); variables != "" {
		if err := jsoniter.UnmarshalFromString(variables, &payload.Variables); err != nil {
			return nil, http.StatusBadRequest, errors.Wrap(err, "malformed variables parameter")
		}
	}
	if extensions := q.Get("extensions"); extensions != "" {
		if err := jsoniter.UnmarshalFromString(extensions, &payload.Extensions); err != nil {
			return nil, http.StatusBadRequest, errors.Wrap(err, "malformed extensions parameter")
		}
	}

	if payload.Query == "" && payload.Extensions == nil {
		return nil, http.StatusBadRequest, errors.New("a query is required")
	}

	return &Request{
		Context:       r.Context(),
		Query:         payload.Query,
		Variables:     payload.Variables,
		OperationName: payload.GetOperationName(),
		Extensions:    payload.Extensions,
		Header:        r.Header,
	}, http.StatusOK, nil
}
