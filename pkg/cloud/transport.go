package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 8 << 20

// Request is a single upstream HTTP call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Response is an upstream HTTP response. Any status, including errors, is
// returned as a Response and not as an error.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport performs upstream HTTP calls. Implementations must return HTTP
// error statuses as data and only return an error (of KindTransport) for
// network level failures.
type Transport interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// HTTPTransport implements Transport with an *http.Client.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a Transport using client.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Response{}, &Error{Kind: KindTransport, Status: resp.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}
	return Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   b,
	}, nil
}
