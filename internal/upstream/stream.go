package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"

	"github.com/jmallek/llamagate/internal/types"
)

// Stream is a pull-based reader over a newline-delimited JSON response.
// It is finite (terminated by the object carrying the done flag) and not
// restartable. Not safe for concurrent use.
type Stream[T any] struct {
	resp    *http.Response
	scanner *bufio.Scanner
	done    bool
	err     error
}

// openStream issues the request and wraps the body in a Stream.
func openStream[T any](c *Client, ctx context.Context, path, secret string, body any) (*Stream[T], error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, secret, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	// Allow for large fragments; a single chunk can carry a full tool call.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 512*1024)

	return &Stream[T]{resp: resp, scanner: scanner}, nil
}

// probe is decoded from every line before the typed object, to catch
// mid-stream error payloads (HTTP 200 with {"error": ...}) and the done
// marker without knowing T.
type probe struct {
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

// Next returns the next fragment. The second return is false once the
// stream is finished or failed; check Err afterwards.
func (s *Stream[T]) Next() (T, bool) {
	var zero T
	if s.done || s.err != nil {
		return zero, false
	}

	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p probe
		if err := json.Unmarshal(line, &p); err != nil {
			// Skip malformed fragments rather than killing the stream.
			continue
		}
		if p.Error != "" {
			s.err = &types.UpstreamError{Message: p.Error}
			return zero, false
		}

		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			s.err = err
			return zero, false
		}
		if p.Done {
			s.done = true
		}
		return item, true
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
	}
	s.done = true
	return zero, false
}

// Err returns the stream's terminal error, if any.
func (s *Stream[T]) Err() error { return s.err }

// Done reports whether the final done-flagged fragment was seen.
func (s *Stream[T]) Done() bool { return s.done }

// Close releases the underlying response body. Safe to call more than
// once.
func (s *Stream[T]) Close() error {
	if s.resp == nil {
		return nil
	}
	err := s.resp.Body.Close()
	s.resp = nil
	return err
}
