package client

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

const maxResponseBodySize = 10 << 20

// HTTPClient executes queries and mutations as plain HTTP POST requests.
type HTTPClient struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client
	Decoder    *graphql.Decoder
}

func (c *HTTPClient) Execute(ctx context.Context, r *Request) (*graphql.Result, error) {
	body, err := r.marshal()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create graphql request")
	}
	for k, v := range c.Header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient(c.HTTPClient).Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "graphql request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read graphql response")
	}
	result, err := decoder(c.Decoder).Parse(respBody)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("unexpected graphql response status %v", resp.StatusCode)
		}
		return nil, err
	}
	return result, nil
}
