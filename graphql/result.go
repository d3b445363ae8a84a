package graphql

import (
	"encoding/json"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Result is a parsed GraphQL response as seen by a client.
type Result struct {
	raw        []byte
	data       map[string]interface{}
	errors     ErrorList
	extensions map[string]interface{}
	decoder    *Decoder
}

// ParseResult parses a response body with the default decoder.
func ParseResult(body []byte) (*Result, error) {
	return defaultDecoder.Parse(body)
}

// Parse parses a response body. Absent or null data is treated as an empty object.
func (d *Decoder) Parse(body []byte) (*Result, error) {
	var envelope struct {
		Data       json.RawMessage        `json:"data"`
		Errors     ErrorList              `json:"errors"`
		Extensions map[string]interface{} `json:"extensions"`
	}
	if err := jsoniter.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, "unable to parse graphql response")
	}
	data := map[string]interface{}{}
	if len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := jsoniter.Unmarshal(envelope.Data, &data); err != nil {
			return nil, errors.Wrap(err, "graphql response data is not an object")
		}
	}
	if envelope.Errors == nil {
		envelope.Errors = ErrorList{}
	}
	return &Result{
		raw:        body,
		data:       data,
		errors:     envelope.Errors,
		extensions: envelope.Extensions,
		decoder:    d,
	}, nil
}

// NewResult builds a result from an already decoded response.
func (d *Decoder) NewResult(resp *Response) (*Result, error) {
	body, err := jsoniter.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal graphql response")
	}
	return d.Parse(body)
}

// Raw returns the response exactly as it was received.
func (r *Result) Raw() []byte {
	return r.raw
}

// Data returns the data object. It is never nil.
func (r *Result) Data() map[string]interface{} {
	return r.data
}

// Errors returns the response errors. It is never nil.
func (r *Result) Errors() ErrorList {
	return r.errors
}

func (r *Result) HasErrors() bool {
	return len(r.errors) > 0
}

func (r *Result) Extensions() map[string]interface{} {
	return r.extensions
}

// NormalizePath prefixes a path with "data." unless it already starts at the data object.
func NormalizePath(path string) string {
	if path == "data" || strings.HasPrefix(path, "data.") {
		return path
	}
	return "data." + path
}

var indexPattern = regexp.MustCompile(`\[(\d+)\]`)

func gjsonPath(path string) string {
	return indexPattern.ReplaceAllString(path, ".$1")
}

func (r *Result) lookup(path string) gjson.Result {
	return gjson.GetBytes(r.raw, gjsonPath(NormalizePath(path)))
}

// ExtractValue returns the generic value at the given path, or nil if there is nothing there.
// Paths are dot separated and may index lists, e.g. "tickers[0].symbol".
func (r *Result) ExtractValue(path string) interface{} {
	if NormalizePath(path) == "data" {
		return r.data
	}
	res := r.lookup(path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// ExtractValueAs decodes the value at the given path into dest. If there is nothing at the path,
// dest is left untouched.
func (r *Result) ExtractValueAs(path string, dest interface{}) error {
	var raw []byte
	if NormalizePath(path) == "data" {
		buf, err := jsoniter.Marshal(r.data)
		if err != nil {
			return errors.Wrap(err, "unable to marshal graphql data")
		}
		raw = buf
	} else {
		res := r.lookup(path)
		if !res.Exists() {
			return nil
		}
		raw = []byte(res.Raw)
	}
	if err := r.decoder.Unmarshal(raw, dest); err != nil {
		r.decoder.logger().WithFields(logrus.Fields{
			"path": path,
			"data": string(raw),
		}).WithError(err).Error("unable to decode graphql response data")
		return errors.Wrapf(err, "unable to decode value at %q", path)
	}
	return nil
}

// DecodeData decodes the entire data object into dest.
func (r *Result) DecodeData(dest interface{}) error {
	return r.ExtractValueAs("data", dest)
}
