package subfu

import (
	"bufio"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	Event string
	Data  string
}

func readSSEEvents(t *testing.T, resp *http.Response) []sseEvent {
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			events = append(events, current)
			current = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			current.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			current.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func postSSE(t *testing.T, url, body string) *http.Response {
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func TestServeSSE(t *testing.T) {
	_, ts := newTestServer(t, &Config{})

	t.Run("Query", func(t *testing.T) {
		resp := postSSE(t, ts.URL, `{"query": "{ foo }"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		events := readSSEEvents(t, resp)
		require.Len(t, events, 2)
		assert.Equal(t, "next", events[0].Event)
		assert.JSONEq(t, `{"data": {"foo": true}}`, events[0].Data)
		assert.Equal(t, "complete", events[1].Event)
	})

	t.Run("Subscription", func(t *testing.T) {
		resp := postSSE(t, ts.URL, `{"query": "subscription { count }"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		events := readSSEEvents(t, resp)
		require.Len(t, events, 4)
		for i, expected := range []string{
			`{"data": {"count": 0}}`,
			`{"data": {"count": 1}}`,
			`{"data": {"count": 2}}`,
		} {
			assert.Equal(t, "next", events[i].Event)
			assert.JSONEq(t, expected, events[i].Data)
		}
		assert.Equal(t, "complete", events[3].Event)
	})

	t.Run("Error", func(t *testing.T) {
		resp := postSSE(t, ts.URL, `{"query": "subscription { fail }"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		events := readSSEEvents(t, resp)
		require.Len(t, events, 2)
		assert.Equal(t, "next", events[0].Event)
		assert.JSONEq(t, `{"errors": [{"message": "the stream failed"}]}`, events[0].Data)
		assert.Equal(t, "complete", events[1].Event)
	})

	t.Run("BadRequest", func(t *testing.T) {
		resp := postSSE(t, ts.URL, `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
