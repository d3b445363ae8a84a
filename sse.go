package subfu

import (
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/subfu/graphql"
)

// ServeSSE serves a single operation using the graphql-sse protocol's distinct connections mode.
// Each result is sent as a "next" event and the stream ends with a "complete" event.
func (s *Server) ServeSSE(w http.ResponseWriter, r *http.Request) {
	req, code, err := NewRequestFromHTTP(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming is not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	logger := s.logger.WithField("transport", "sse")

	result := s.executeRequest(req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event string, resp *graphql.Response) error {
		if resp == nil {
			_, err := fmt.Fprintf(w, "event: %s\ndata:\n\n", event)
			flusher.Flush()
			return err
		}
		data, err := jsoniter.Marshal(resp)
		if err != nil {
			return errors.Wrap(err, "unable to marshal graphql response")
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if result.Stream == nil {
		if err := send("next", result.Response); err != nil {
			logger.Warn(errors.Wrap(err, "error sending graphql result"))
			return
		}
		if err := send("complete", nil); err != nil {
			logger.Warn(errors.Wrap(err, "error sending graphql complete"))
		}
		return
	}

	stream := result.Stream
	defer stream.Close()
	for {
		resp, err := stream.Next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == io.EOF {
			if err := send("complete", nil); err != nil {
				logger.Warn(errors.Wrap(err, "error sending graphql complete"))
			}
			return
		} else if err != nil {
			logger.WithError(err).Info("subscription stream failed")
			if err := send("next", &graphql.Response{Errors: errorList(err)}); err != nil {
				logger.Warn(errors.Wrap(err, "error sending graphql error"))
				return
			}
			if err := send("complete", nil); err != nil {
				logger.Warn(errors.Wrap(err, "error sending graphql complete"))
			}
			return
		}
		if err := send("next", resp); err != nil {
			logger.Warn(errors.Wrap(err, "error sending graphql result"))
			return
		}
	}
}
