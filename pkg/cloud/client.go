package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// DefaultBaseURL is the Enlighten cloud.
const DefaultBaseURL = "https://enlighten.enphaseenergy.com"

// Client talks to the Enlighten cloud for one site.
type Client struct {
	transport Transport
	baseURL   string
	siteID    string
	resolver  *Resolver
	now       func() time.Time

	mu      sync.RWMutex
	creds   types.Credentials
	timeout time.Duration
}

// NewClient returns a client for siteID.
func NewClient(transport Transport, baseURL, siteID string) *Client {
	return &Client{
		transport: transport,
		baseURL:   strings.TrimRight(baseURL, "/"),
		siteID:    siteID,
		resolver:  NewResolver(DefaultVariants()),
		now:       time.Now,
		timeout:   10 * time.Second,
	}
}

// SiteID returns the site this client is for.
func (c *Client) SiteID() string {
	return c.siteID
}

// Resolver returns the client's endpoint variant resolver.
func (c *Client) Resolver() *Resolver {
	return c.resolver
}

// ApplyCredentials replaces the credentials used for subsequent requests.
func (c *Client) ApplyCredentials(creds types.Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *Client) headers(bearer bool) (http.Header, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Referer", fmt.Sprintf("%s/pv/systems/%s/summary", c.baseURL, c.siteID))
	if c.creds.AuthToken != "" {
		h.Set("e-auth-token", c.creds.AuthToken)
	}
	if c.creds.Cookie != "" {
		h.Set("Cookie", c.creds.Cookie)
	}
	if xsrf := c.creds.XSRFToken(); xsrf != "" {
		h.Set("X-CSRF-Token", xsrf)
	}
	if bearer {
		if tok := c.creds.Bearer(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}
	return h, c.timeout
}

// do sends a request and converts non-2xx statuses into an *Error.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body []byte, bearer bool) (Response, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return Response{}, err
	}
	u.Path, err = url.JoinPath(u.Path, path)
	if err != nil {
		return Response{}, err
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	h, timeout := c.headers(bearer)
	start := c.now()
	resp, err := c.transport.Do(ctx, Request{
		Method:  method,
		URL:     u.String(),
		Header:  h,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "enlighten request failed", slog.String("op", op), slog.String("url", u.Path), slog.Any("error", err))
		var ce *Error
		if errors.As(err, &ce) && ce.Op == "" {
			ce.Op = op
		}
		return Response{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "enlighten request",
		slog.String("op", op),
		slog.String("method", method),
		slog.String("url", u.Path),
		slog.Int("status", resp.Status),
		slog.Duration("latency", c.now().Sub(start)),
	)
	if resp.Status < 200 || resp.Status >= 300 {
		return resp, statusError(op, resp, c.now())
	}
	return resp, nil
}

// Fetch returns the raw body of a read source. serial is required for the
// per-charger sources (charge mode, session history).
func (c *Client) Fetch(ctx context.Context, kind types.SourceKind, serial string) ([]byte, error) {
	switch kind {
	case types.SourceStatus:
		return c.status(ctx)
	case types.SourceSummary:
		q := url.Values{}
		q.Set("filter_retired", "true")
		return c.get(ctx, kind, fmt.Sprintf("/service/evse_controller/api/v2/%s/ev_chargers/summary", c.siteID), q, false)
	case types.SourceInventory:
		return c.get(ctx, kind, fmt.Sprintf("/app-api/%s/devices.json", c.siteID), nil, false)
	case types.SourceSiteEnergy:
		return c.get(ctx, kind, fmt.Sprintf("/pv/systems/%s/lifetime_energy", c.siteID), nil, false)
	case types.SourceBattery:
		return c.get(ctx, kind, fmt.Sprintf("/pv/settings/%s/battery_status.json", c.siteID), nil, false)
	case types.SourceEvents:
		return c.get(ctx, kind, fmt.Sprintf("/service/evse_controller/%s/ev_chargers/events", c.siteID), nil, false)
	case types.SourceChargeMode:
		if serial == "" {
			return nil, fmt.Errorf("%s requires a serial", kind)
		}
		path := strings.NewReplacer("{site}", c.siteID, "{serial}", serial).Replace(schedulerPref)
		return c.get(ctx, kind, path, nil, true)
	case types.SourceSessionHistory:
		if serial == "" {
			return nil, fmt.Errorf("%s requires a serial", kind)
		}
		body, err := json.Marshal(map[string]any{
			"source": "evse",
			"params": map[string]int{"offset": 0, "limit": 20},
		})
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, string(kind), http.MethodPost, fmt.Sprintf("/service/enho_historical_events_ms/%s/sessions/%s/history", c.siteID, serial), nil, body, true)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	return nil, fmt.Errorf("unknown source: %s", kind)
}

func (c *Client) get(ctx context.Context, kind types.SourceKind, path string, q url.Values, bearer bool) ([]byte, error) {
	resp, err := c.do(ctx, string(kind), http.MethodGet, path, q, nil, bearer)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// status fetches charger status. Some deployments only answer on the
// singular path, so when the plural path fails with 404 or returns no
// chargers the singular path is tried once.
func (c *Client) status(ctx context.Context) ([]byte, error) {
	primary := fmt.Sprintf("/service/evse_controller/%s/ev_chargers/status", c.siteID)
	body, err := c.get(ctx, types.SourceStatus, primary, nil, false)
	if err == nil && hasChargers(body) {
		return body, nil
	}
	if err != nil && StatusOf(err) != http.StatusNotFound {
		return nil, err
	}

	alt := fmt.Sprintf("/service/evse_controller/%s/ev_charger/status", c.siteID)
	altBody, altErr := c.get(ctx, types.SourceStatus, alt, nil, false)
	if altErr != nil {
		if err != nil {
			return nil, err
		}
		log.Ctx(ctx).DebugContext(ctx, "alternate status path failed", slog.Any("error", altErr))
		return body, nil
	}
	if err == nil && !hasChargers(altBody) {
		return body, nil
	}
	return altBody, nil
}

// hasChargers is a shallow decode of the two status shapes.
func hasChargers(body []byte) bool {
	var shape struct {
		EVChargerData []json.RawMessage `json:"evChargerData"`
		Data          json.RawMessage   `json:"data"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return false
	}
	if len(shape.EVChargerData) > 0 {
		return true
	}
	if len(shape.Data) == 0 {
		return false
	}
	var data struct {
		Chargers []json.RawMessage `json:"chargers"`
	}
	if err := json.Unmarshal(shape.Data, &data); err != nil {
		// string encoded data; leave it to the normalizer
		return true
	}
	return len(data.Chargers) > 0
}
