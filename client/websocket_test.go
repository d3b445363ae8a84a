package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ccbrown/subfu"
	"github.com/ccbrown/subfu/graphql"
	"github.com/ccbrown/subfu/graphql/transport"
)

func TestWebSocketClient_Execute(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})

	for name, subprotocols := range map[string][]string{
		"Default": nil,
		"Legacy":  {"graphql-ws"},
		"Modern":  {"graphql-transport-ws"},
	} {
		t.Run(name, func(t *testing.T) {
			client := &WebSocketClient{
				URL:          server.wsURL(),
				Subprotocols: subprotocols,
			}
			defer client.Close()

			result, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
			require.NoError(t, err)
			assert.Equal(t, true, result.ExtractValue("foo"))

			result, err = client.Execute(context.Background(), &Request{Query: "{ bar }"})
			require.NoError(t, err)
			require.True(t, result.HasErrors())
			assert.Equal(t, "unknown operation", result.Errors()[0].Message)
		})
	}
}

func TestWebSocketClient_Subscribe(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})

	for name, subprotocols := range map[string][]string{
		"Legacy": {"graphql-ws"},
		"Modern": {"graphql-transport-ws"},
	} {
		t.Run(name, func(t *testing.T) {
			client := &WebSocketClient{
				URL:          server.wsURL(),
				Subprotocols: subprotocols,
			}
			defer client.Close()

			sub, err := client.Subscribe(context.Background(), &Request{
				Query:     "subscription { echo }",
				Variables: map[string]interface{}{"value": "foo"},
			})
			require.NoError(t, err)
			defer sub.Close()

			for i := 0; i < 3; i++ {
				result, err := sub.Next(context.Background())
				require.NoError(t, err)
				assert.Equal(t, "foo", result.ExtractValue("echo"))
			}
			_, err = sub.Next(context.Background())
			assert.Equal(t, io.EOF, err)
		})
	}

	t.Run("Error", func(t *testing.T) {
		client := &WebSocketClient{
			URL: server.wsURL(),
		}
		defer client.Close()

		sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { fail }"})
		require.NoError(t, err)
		defer sub.Close()

		_, err = sub.Next(context.Background())
		var errs graphql.ErrorList
		require.True(t, errors.As(err, &errs))
		assert.Equal(t, "the stream failed", errs[0].Message)
	})
}

func TestWebSocketClient_SharedConnection(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})
	client := &WebSocketClient{
		URL: server.wsURL(),
	}
	defer client.Close()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		value := fmt.Sprintf("value-%d", i)
		g.Go(func() error {
			sub, err := client.Subscribe(context.Background(), &Request{
				Query:     "subscription { echo }",
				Variables: map[string]interface{}{"value": value},
			})
			if err != nil {
				return err
			}
			defer sub.Close()
			for {
				result, err := sub.Next(context.Background())
				if err == io.EOF {
					return nil
				} else if err != nil {
					return err
				}
				if got := result.ExtractValue("echo"); got != value {
					return fmt.Errorf("subscription for %v got %v", value, got)
				}
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 1, server.inits.Load())
}

func TestWebSocketClient_Stop(t *testing.T) {
	server := newRecordingServer(t, "graphql-transport-ws", true)
	client := &WebSocketClient{
		URL: server.URL,
	}
	defer client.Close()

	// the server sees messages in order, so once it has seen a subscribe for a new operation it
	// has seen everything sent before it
	barrier := func() {
		sub, err := client.Subscribe(context.Background(), &Request{Query: "{ once }"})
		require.NoError(t, err)
		defer sub.Close()
		_, err = sub.Next(context.Background())
		require.NoError(t, err)
	}

	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := client.Subscribe(ctx, &Request{Query: "subscription { foo }"})
		require.NoError(t, err)

		result, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1.0, result.ExtractValue("n"))

		cancel()
		sub.Close()
		sub.Close()

		_, err = sub.Next(context.Background())
		assert.Equal(t, ErrSubscriptionClosed, err)

		barrier()
		assert.Equal(t, 1, server.count("complete", sub.ID()))
	})

	t.Run("Completed", func(t *testing.T) {
		sub, err := client.Subscribe(context.Background(), &Request{Query: "{ once }"})
		require.NoError(t, err)

		_, err = sub.Next(context.Background())
		require.NoError(t, err)
		_, err = sub.Next(context.Background())
		assert.Equal(t, io.EOF, err)
		sub.Close()

		barrier()
		assert.Equal(t, 0, server.count("complete", sub.ID()))
	})

	assert.Equal(t, 1, server.count("connection_init", ""))
}

func TestWebSocketClient_AckTimeout(t *testing.T) {
	server := newRecordingServer(t, "graphql-transport-ws", false)
	client := &WebSocketClient{
		URL:        server.URL,
		AckTimeout: 50 * time.Millisecond,
	}
	defer client.Close()

	_, err := client.Subscribe(context.Background(), &Request{Query: "{ foo }"})
	closeErr, ok := transport.AsCloseError(err)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, transport.ConnectionAcknowledgementTimeout, closeErr.Code)
	assert.True(t, closeErr.Timeout())

	assert.Eventually(t, func() bool {
		last := server.last()
		if last == nil || last["type"] != "closed" {
			return false
		}
		var wsErr *websocket.CloseError
		return errors.As(last["error"].(error), &wsErr) && wsErr.Code == int(transport.ConnectionAcknowledgementTimeout)
	}, time.Second, 10*time.Millisecond)
}

func TestWebSocketClient_InitRejected(t *testing.T) {
	server := newTestServer(t, &subfu.Config{
		HandleInit: func(ctx context.Context, parameters json.RawMessage) (context.Context, error) {
			var params struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(parameters, &params); err != nil || params.Token != "secret" {
				return ctx, fmt.Errorf("invalid token")
			}
			return ctx, nil
		},
	})

	for name, subprotocols := range map[string][]string{
		"Legacy": {"graphql-ws"},
		"Modern": {"graphql-transport-ws"},
	} {
		t.Run(name, func(t *testing.T) {
			client := &WebSocketClient{
				URL:          server.wsURL(),
				Subprotocols: subprotocols,
				InitPayload:  map[string]string{"token": "wrong"},
			}
			defer client.Close()

			_, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
			closeErr, ok := transport.AsCloseError(err)
			require.True(t, ok, "expected a close error, got %v", err)
			assert.Equal(t, transport.Forbidden, closeErr.Code)

			client.InitPayload = map[string]string{"token": "secret"}
			result, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
			require.NoError(t, err)
			assert.Equal(t, true, result.ExtractValue("foo"))
		})
	}

	t.Run("LegacyMessage", func(t *testing.T) {
		client := &WebSocketClient{
			URL:          server.wsURL(),
			Subprotocols: []string{"graphql-ws"},
		}
		defer client.Close()

		_, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
		closeErr, ok := transport.AsCloseError(err)
		require.True(t, ok, "expected a close error, got %v", err)
		assert.Equal(t, "invalid token", closeErr.Reason)
	})
}

func TestWebSocketClient_ConnectionFailure(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})
	client := &WebSocketClient{
		URL: server.wsURL(),
	}
	defer client.Close()

	var subs []*Subscription
	for i := 0; i < 2; i++ {
		sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { ticks }"})
		require.NoError(t, err)
		defer sub.Close()
		_, err = sub.Next(context.Background())
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	server.CloseHijackedConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		for {
			_, err := sub.Next(ctx)
			if err != nil {
				assert.NotEqual(t, io.EOF, err)
				assert.NotEqual(t, context.DeadlineExceeded, err)
				break
			}
		}
	}

	// the next operation reconnects
	result, err := client.Execute(context.Background(), &Request{Query: "{ foo }"})
	require.NoError(t, err)
	assert.Equal(t, true, result.ExtractValue("foo"))
	assert.EqualValues(t, 2, server.inits.Load())
}

func TestWebSocketClient_Close(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})
	client := &WebSocketClient{
		URL: server.wsURL(),
	}

	sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { ticks }"})
	require.NoError(t, err)
	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Close())

	for {
		_, err := sub.Next(context.Background())
		if err != nil {
			assert.Equal(t, transport.ErrConnectionClosed, err)
			break
		}
	}

	assert.Eventually(t, func() bool {
		return server.stops.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRepeat(t *testing.T) {
	t.Run("Reconnect", func(t *testing.T) {
		server := newTestServer(t, &subfu.Config{})
		client := &WebSocketClient{
			URL: server.wsURL(),
		}
		defer client.Close()

		var results []interface{}
		err := Repeat(context.Background(), client, &Request{Query: "subscription { flaky }"}, backoff.NewConstantBackOff(10*time.Millisecond), func(result *graphql.Result) error {
			results = append(results, result.ExtractValue("flaky"))
			if len(results) == 1 {
				server.CloseHijackedConnections()
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []interface{}{1.0, 2.0}, results)
	})

	t.Run("GraphQLError", func(t *testing.T) {
		server := newTestServer(t, &subfu.Config{})
		client := &WebSocketClient{
			URL: server.wsURL(),
		}
		defer client.Close()

		err := Repeat(context.Background(), client, &Request{Query: "subscription { fail }"}, backoff.NewConstantBackOff(10*time.Millisecond), func(result *graphql.Result) error {
			return nil
		})
		var errs graphql.ErrorList
		require.True(t, errors.As(err, &errs))
		assert.EqualValues(t, 1, server.executions.Load())
	})

	t.Run("ResultError", func(t *testing.T) {
		server := newTestServer(t, &subfu.Config{})
		client := &WebSocketClient{
			URL: server.wsURL(),
		}
		defer client.Close()

		err := Repeat(context.Background(), client, &Request{Query: "subscription { ticks }"}, backoff.NewConstantBackOff(10*time.Millisecond), func(result *graphql.Result) error {
			return fmt.Errorf("stop")
		})
		assert.EqualError(t, err, "stop")
	})

	t.Run("Canceled", func(t *testing.T) {
		server := newTestServer(t, &subfu.Config{})
		client := &WebSocketClient{
			URL: server.wsURL(),
		}
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		err := Repeat(ctx, client, &Request{Query: "subscription { ticks }"}, backoff.NewConstantBackOff(10*time.Millisecond), func(result *graphql.Result) error {
			cancel()
			return nil
		})
		assert.Equal(t, context.Canceled, err)
	})
}

func TestWebSocketClient_SlowConsumer(t *testing.T) {
	server := newTestServer(t, &subfu.Config{})
	client := &WebSocketClient{
		URL:        server.wsURL(),
		BufferSize: 4,
	}
	defer client.Close()

	sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { ticks }"})
	require.NoError(t, err)
	defer sub.Close()

	// nobody reads the subscription, so it overflows and only that operation is stopped
	assert.Eventually(t, func() bool {
		return server.stops.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := client.Execute(ctx, &Request{Query: "{ foo }"})
	require.NoError(t, err)
	assert.Equal(t, true, result.ExtractValue("foo"))

	n := 0
	for {
		result, err := sub.Next(ctx)
		if err != nil {
			assert.Equal(t, ErrSubscriptionOverflow, err)
			break
		}
		assert.EqualValues(t, n, result.ExtractValue("ticks"))
		n++
	}
	assert.Equal(t, 4, n)
	assert.EqualValues(t, 1, server.inits.Load())
}

func TestWebSocketClient_CloseTerminatesLegacyConnection(t *testing.T) {
	server := newRecordingServer(t, "graphql-ws", true)
	client := &WebSocketClient{
		URL:          server.URL,
		Subprotocols: []string{"graphql-ws"},
	}

	sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { foo }"})
	require.NoError(t, err)
	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		last := server.last()
		return last != nil && last["type"] == "closed"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, server.count("connection_terminate", ""))

	var wsErr *websocket.CloseError
	require.True(t, errors.As(server.last()["error"].(error), &wsErr))
	assert.Equal(t, websocket.CloseNormalClosure, wsErr.Code)

	_, err = sub.Next(context.Background())
	assert.Equal(t, transport.ErrConnectionClosed, err)
}

func TestSubscription_NextAfterClose(t *testing.T) {
	server := newRecordingServer(t, "graphql-transport-ws", true)
	client := &WebSocketClient{
		URL: server.URL,
	}
	defer client.Close()

	sub, err := client.Subscribe(context.Background(), &Request{Query: "subscription { foo }"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sub.events) == 1
	}, time.Second, 10*time.Millisecond)

	sub.Close()

	_, err = sub.Next(context.Background())
	assert.Equal(t, ErrSubscriptionClosed, err)
}
