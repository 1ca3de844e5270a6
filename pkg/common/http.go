package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

//go:embed VERSION
var version string

// Version returns the build version.
func Version() string {
	return strings.TrimSpace(version)
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper and sets the User-Agent header.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

type limitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

// RoundTrip waits for the limiter before sending the request. A canceled
// context while waiting is returned as the request error.
func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "EVSync/" + Version(),
		},
		Timeout: timeout,
	}
}

// LimitedHTTPClient returns a client like HTTPClient that allows at most
// perSecond requests per second with the given burst.
func LimitedHTTPClient(timeout time.Duration, perSecond float64, burst int) *http.Client {
	c := HTTPClient(timeout)
	if perSecond <= 0 {
		return c
	}
	c.Transport = &limitedTransport{
		transport: c.Transport,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), burst),
	}
	return c
}
