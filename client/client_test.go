package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/subfu"
	"github.com/ccbrown/subfu/graphql"
)

// testServer is a subfu server with a handful of canned operations.
type testServer struct {
	*subfu.Server
	URL string

	inits      atomic.Int32
	executions atomic.Int32
	stops      atomic.Int32
}

func newTestServer(t *testing.T, cfg *subfu.Config) *testServer {
	ret := &testServer{}
	cfg.Executor = subfu.ExecutorFunc(ret.execute)
	handleInit := cfg.HandleInit
	cfg.HandleInit = func(ctx context.Context, parameters json.RawMessage) (context.Context, error) {
		ret.inits.Add(1)
		if handleInit != nil {
			return handleInit(ctx, parameters)
		}
		return ctx, nil
	}
	server, err := subfu.NewServer(cfg)
	require.NoError(t, err)
	ret.Server = server
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.CloseHijackedConnections()
		ts.Close()
	})
	ret.URL = ts.URL
	return ret
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) execute(r *subfu.Request) *subfu.Result {
	n := s.executions.Add(1)
	switch strings.Join(strings.Fields(r.Query), " ") {
	case "{ foo }":
		return subfu.ResponseResult(&graphql.Response{
			Data: map[string]interface{}{"foo": true},
		})
	case "subscription { echo }":
		ch := make(chan interface{}, 3)
		for i := 0; i < 3; i++ {
			ch <- map[string]interface{}{"echo": r.Variables["value"]}
		}
		close(ch)
		return &subfu.Result{
			Stream: &subfu.SubscriptionSourceStream{EventChannel: ch},
		}
	case "subscription { ticks }":
		ch := make(chan interface{})
		stop := make(chan struct{})
		go func() {
			defer close(ch)
			for i := 0; ; i++ {
				select {
				case ch <- map[string]interface{}{"ticks": i}:
				case <-stop:
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()
		return &subfu.Result{
			Stream: &subfu.SubscriptionSourceStream{
				EventChannel: ch,
				Stop: func() {
					s.stops.Add(1)
					close(stop)
				},
			},
		}
	case "subscription { flaky }":
		// the first execution never completes
		ch := make(chan interface{}, 1)
		ch <- map[string]interface{}{"flaky": n}
		if n > 1 {
			close(ch)
		}
		return &subfu.Result{
			Stream: &subfu.SubscriptionSourceStream{EventChannel: ch},
		}
	case "subscription { fail }":
		ch := make(chan interface{}, 1)
		ch <- graphql.ErrorList{{Message: "the stream failed"}}
		return &subfu.Result{
			Stream: &subfu.SubscriptionSourceStream{EventChannel: ch},
		}
	}
	return subfu.ErrorResult(fmt.Errorf("unknown operation"))
}

// recordingServer is a minimal graphql websocket server that records what it receives. It
// replies to "{ once }" with a single result and leaves everything else running.
type recordingServer struct {
	URL string

	mutex    sync.Mutex
	received []map[string]interface{}
}

func newRecordingServer(t *testing.T, subprotocol string, ack bool) *recordingServer {
	ret := &recordingServer{}
	upgrader := websocket.Upgrader{
		Subprotocols: []string{subprotocol},
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg map[string]interface{}
			if err := conn.ReadJSON(&msg); err != nil {
				ret.record(map[string]interface{}{"type": "closed", "error": err})
				return
			}
			ret.record(msg)
			switch msg["type"] {
			case "connection_init":
				if ack {
					conn.WriteJSON(map[string]interface{}{"type": "connection_ack"})
				}
			case "subscribe", "start":
				nextType := "next"
				if subprotocol == "graphql-ws" {
					nextType = "data"
				}
				conn.WriteJSON(map[string]interface{}{
					"id":      msg["id"],
					"type":    nextType,
					"payload": map[string]interface{}{"data": map[string]interface{}{"n": 1}},
				})
				if payload, _ := msg["payload"].(map[string]interface{}); payload["query"] == "{ once }" {
					conn.WriteJSON(map[string]interface{}{
						"id":   msg["id"],
						"type": "complete",
					})
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	ret.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	return ret
}

func (s *recordingServer) record(msg map[string]interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.received = append(s.received, msg)
}

// count returns the number of received messages with the given type and id.
func (s *recordingServer) count(msgType, id string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := 0
	for _, msg := range s.received {
		if msg["type"] == msgType && (id == "" || msg["id"] == id) {
			n++
		}
	}
	return n
}

func (s *recordingServer) last() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.received) == 0 {
		return nil
	}
	return s.received[len(s.received)-1]
}

func TestRequest(t *testing.T) {
	buf, err := (&Request{Query: "{ foo }"}).marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "{ foo }", "variables": {}, "operationName": null}`, string(buf))

	buf, err = (&Request{
		Query:         "query q($x: Int) { foo }",
		Variables:     map[string]interface{}{"x": 1},
		OperationName: "q",
	}).marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"query": "query q($x: Int) { foo }", "variables": {"x": 1}, "operationName": "q"}`, string(buf))
}

func TestHTTPClient(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})
	client := &HTTPClient{
		URL: server.URL,
	}

	t.Run("Ok", func(t *testing.T) {
		result, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
		require.NoError(t, err)
		assert.False(t, result.HasErrors())
		assert.Equal(t, true, result.ExtractValue("foo"))
	})

	t.Run("Errors", func(t *testing.T) {
		result, err := client.Execute(context.Background(), &Request{Query: "{ bar }"})
		require.NoError(t, err)
		require.True(t, result.HasErrors())
		assert.Equal(t, "unknown operation", result.Errors()[0].Message)
	})

	t.Run("BadStatus", func(t *testing.T) {
		_, err := client.Execute(context.Background(), &Request{})
		assert.Error(t, err)
	})
}
