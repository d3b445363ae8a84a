package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ccbrown/subfu/graphql"
)

const maxSSELineSize = 1 << 20

// SSEClient runs operations using the graphql-sse protocol's distinct connections mode: each
// operation is its own HTTP request.
type SSEClient struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Decoder    *graphql.Decoder

	// The number of results buffered per subscription. Defaults to DefaultSubscriptionBufferSize.
	// Each subscription has its own response body, so a full buffer only pauses that response.
	BufferSize int

	nextID atomic.Uint64
}

var _ Subscriber = (*SSEClient)(nil)

// Subscribe starts an operation. The subscription is closed when ctx is done.
func (c *SSEClient) Subscribe(ctx context.Context, r *Request) (*Subscription, error) {
	body, err := r.marshal()
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "unable to create sse request")
	}
	for k, v := range c.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient(c.HTTPClient).Do(req)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "sse request failed")
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return nil, errors.Errorf("unexpected sse response status %v: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	sub := newSubscription(strconv.FormatUint(c.nextID.Add(1), 10), c.BufferSize)
	sub.setCancel(cancel)
	go c.readEvents(resp.Body, sub, cancel)
	sub.closeWhenDone(ctx)
	return sub, nil
}

// Execute runs an operation and returns its first result.
func (c *SSEClient) Execute(ctx context.Context, r *Request) (*graphql.Result, error) {
	return Execute(ctx, c, r)
}

func (c *SSEClient) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

// readEvents parses the event stream. The end of the body is treated as completion.
func (c *SSEClient) readEvents(body io.ReadCloser, sub *Subscription, cancel context.CancelFunc) {
	defer cancel()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELineSize)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "" && len(data) == 0 {
				continue
			}
			done := c.dispatch(sub, event, strings.Join(data, "\n"))
			event, data = "", nil
			if done {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data = append(data, value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case <-sub.closed:
			sub.finish(ErrSubscriptionClosed)
		default:
			sub.finish(errors.Wrap(err, "sse read error"))
		}
		return
	}
	sub.finish(nil)
}

// dispatch returns true if the stream is done.
func (c *SSEClient) dispatch(sub *Subscription, event string, data string) bool {
	switch event {
	case "complete":
		sub.finish(nil)
		return true
	case "next", "":
		result, err := decoder(c.Decoder).Parse([]byte(data))
		if err != nil {
			c.logger().WithError(err).WithField("data", data).Warn("unable to parse graphql result")
			sub.finish(err)
			return true
		}
		sub.push(result)
	}
	return false
}
