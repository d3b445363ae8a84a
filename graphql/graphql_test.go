package graphql

import (
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	for path, expected := range map[string]string{
		"foo":          "data.foo",
		"data":         "data",
		"data.foo":     "data.foo",
		"datafoo":      "data.datafoo",
		"foo.bar[0].x": "data.foo.bar[0].x",
	} {
		assert.Equal(t, expected, NormalizePath(path), path)
	}
}

func TestErrorType(t *testing.T) {
	for input, expected := range map[string]ErrorType{
		`"NOT_FOUND"`:       ErrorTypeNotFound,
		`"UNAUTHENTICATED"`: ErrorTypeUnauthenticated,
		`"SOMETHING_NEW"`:   ErrorTypeUnknown,
		`42`:                ErrorTypeUnknown,
	} {
		var errorType ErrorType
		require.NoError(t, jsoniter.Unmarshal([]byte(input), &errorType))
		assert.Equal(t, expected, errorType, input)
	}
}

func TestError(t *testing.T) {
	t.Run("Full", func(t *testing.T) {
		var err Error
		require.NoError(t, jsoniter.Unmarshal([]byte(`{
			"message": "boom",
			"locations": [{"line": 1, "column": 3}],
			"path": ["tickers", 1, "price"],
			"extensions": {"errorType": "PERMISSION_DENIED", "errorDetail": "FIELD_NOT_FOUND", "code": 7}
		}`), &err))
		assert.Equal(t, "boom", err.Error())
		assert.Equal(t, []Location{{Line: 1, Column: 3}}, err.Locations)
		assert.Equal(t, []interface{}{"tickers", 1, "price"}, err.Path)
		assert.Equal(t, ErrorTypePermissionDenied, err.Type())
		assert.Equal(t, "FIELD_NOT_FOUND", err.Extensions.ErrorDetail)
		assert.Equal(t, map[string]interface{}{"code": float64(7)}, err.Extensions.Other)
	})

	t.Run("NullPath", func(t *testing.T) {
		var err Error
		require.NoError(t, jsoniter.Unmarshal([]byte(`{"message": "boom", "path": null}`), &err))
		assert.Empty(t, err.Path)
		assert.Equal(t, ErrorTypeUnknown, err.Type())
	})

	t.Run("ExtensionsRoundTrip", func(t *testing.T) {
		buf, err := jsoniter.Marshal(&Error{
			Message: "boom",
			Extensions: &ErrorExtensions{
				ErrorType: ErrorTypeNotFound,
				Other:     map[string]interface{}{"code": "x"},
			},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"message":"boom","extensions":{"errorType":"NOT_FOUND","code":"x"}}`, string(buf))
	})
}

func TestErrorResponse(t *testing.T) {
	resp := ErrorResponse(errors.New("foo"))
	assert.Equal(t, ErrorList{{Message: "foo"}}, resp.Errors)

	list := ErrorList{{Message: "a"}, {Message: "b"}}
	assert.Equal(t, list, ErrorResponse(list).Errors)
	assert.Equal(t, "a; b", list.Error())
}

func TestParseResult(t *testing.T) {
	t.Run("MissingData", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"errors": [{"message": "nope"}]}`))
		require.NoError(t, err)
		assert.NotNil(t, result.Data())
		assert.Empty(t, result.Data())
		assert.True(t, result.HasErrors())
		assert.Nil(t, result.ExtractValue("foo"))
	})

	t.Run("NullData", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"data": null}`))
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{}, result.Data())
		assert.False(t, result.HasErrors())
		assert.NotNil(t, result.Errors())
	})

	t.Run("NonObjectData", func(t *testing.T) {
		_, err := ParseResult([]byte(`{"data": [1, 2]}`))
		assert.Error(t, err)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := ParseResult([]byte(`{"data":`))
		assert.Error(t, err)
	})

	t.Run("ExtractValue", func(t *testing.T) {
		body := `{"data": {"ticker": {"symbol": "NFLX", "prices": [1.5, 2.5]}, "datafoo": true}}`
		result, err := ParseResult([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, body, string(result.Raw()))
		assert.Equal(t, "NFLX", result.ExtractValue("ticker.symbol"))
		assert.Equal(t, "NFLX", result.ExtractValue("data.ticker.symbol"))
		assert.Equal(t, 2.5, result.ExtractValue("ticker.prices[1]"))
		assert.Equal(t, true, result.ExtractValue("datafoo"))
		assert.Nil(t, result.ExtractValue("ticker.missing"))
		assert.Equal(t, result.Data(), result.ExtractValue("data"))
	})
}

type ticker struct {
	Symbol string   `json:"symbol"`
	Price  float64  `json:"price"`
	Note   *string  `json:"note"`
	Tags   []string `json:"tags,omitempty"`
}

func TestDecoder(t *testing.T) {
	t.Run("Strict", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"data": {"ticker": {"symbol": "NFLX", "price": 1, "extra": 1}}}`))
		require.NoError(t, err)
		var dest ticker
		assert.Error(t, result.ExtractValueAs("ticker", &dest))
	})

	t.Run("Lenient", func(t *testing.T) {
		decoder := &Decoder{Lenient: true}
		result, err := decoder.Parse([]byte(`{"data": {"ticker": {"symbol": "NFLX", "price": 1, "extra": 1}}}`))
		require.NoError(t, err)
		var dest ticker
		require.NoError(t, result.ExtractValueAs("ticker", &dest))
		assert.Equal(t, ticker{Symbol: "NFLX", Price: 1}, dest)
	})

	t.Run("MissingRequiredField", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"data": {"ticker": {"symbol": "NFLX"}}}`))
		require.NoError(t, err)
		var dest ticker
		err = result.ExtractValueAs("ticker", &dest)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "price")
	})

	t.Run("MissingRequiredFieldInList", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"data": {"tickers": [{"symbol": "A", "price": 1}, {"price": 2}]}}`))
		require.NoError(t, err)
		var dest struct {
			Tickers []ticker `json:"tickers"`
		}
		err = result.DecodeData(&dest)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tickers[1].symbol")
	})

	t.Run("MissingPath", func(t *testing.T) {
		result, err := ParseResult([]byte(`{"data": {}}`))
		require.NoError(t, err)
		dest := ticker{Symbol: "untouched"}
		require.NoError(t, result.ExtractValueAs("ticker", &dest))
		assert.Equal(t, "untouched", dest.Symbol)
	})

	t.Run("Scalar", func(t *testing.T) {
		decoder := &Decoder{}
		decoder.RegisterScalar(time.Time{}, func(v interface{}) (interface{}, error) {
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("expected a string")
			}
			return time.Parse("2006-01-02", s)
		})
		result, err := decoder.Parse([]byte(`{"data": {"event": {"at": "2021-03-04", "maybe": null}}}`))
		require.NoError(t, err)

		var dest struct {
			At    time.Time  `json:"at"`
			Maybe *time.Time `json:"maybe"`
		}
		require.NoError(t, result.ExtractValueAs("event", &dest))
		assert.Equal(t, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC), dest.At)
		assert.Nil(t, dest.Maybe)

		var at time.Time
		require.NoError(t, result.ExtractValueAs("event.at", &at))
		assert.Equal(t, 2021, at.Year())
	})

	t.Run("ScalarError", func(t *testing.T) {
		decoder := &Decoder{}
		decoder.RegisterScalar(time.Time{}, func(v interface{}) (interface{}, error) {
			return nil, errors.New("bad time")
		})
		result, err := decoder.Parse([]byte(`{"data": {"at": "x"}}`))
		require.NoError(t, err)
		var at time.Time
		assert.Error(t, result.ExtractValueAs("at", &at))
	})
}
