package cloud

import (
	"log/slog"
	"net/http/httptest"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newTestClient(ts *httptest.Server) *Client {
	c := NewClient(NewHTTPTransport(ts.Client()), ts.URL, "123")
	c.ApplyCredentials(types.Credentials{
		AuthToken: "eauth",
		Cookie:    "XSRF-TOKEN=xsrf; enlighten_manager_token_production=jwt",
	})
	return c
}
