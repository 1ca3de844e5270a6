package cloud

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/evsync/pkg/common"
	"github.com/raterudder/evsync/pkg/types"
)

// requestBurst lets a full reconciliation pass go out at once.
const requestBurst = 8

// Configured sets up the cloud client Map from flags.
func Configured() *Map {
	baseURL := lflag.String("enlighten-base-url", DefaultBaseURL, "Base URL of the Enlighten cloud")
	interval := lflag.Duration("enlighten-request-interval", 500*time.Millisecond, "Minimum average spacing of upstream requests for each site (0 disables)")
	timeout := lflag.Duration("enlighten-client-timeout", time.Minute, "Upper bound for any single upstream request")

	m := &Map{clients: make(map[string]*Client)}
	lflag.Do(func() {
		if _, err := url.Parse(*baseURL); err != nil {
			panic(fmt.Sprintf("invalid enlighten-base-url: %v", err))
		}
		m.baseURL = *baseURL
		var perSecond float64
		if *interval > 0 {
			perSecond = 1 / interval.Seconds()
		}
		m.newTransport = func(string) Transport {
			return NewHTTPTransport(common.LimitedHTTPClient(*timeout, perSecond, requestBurst))
		}
	})
	return m
}

// Map manages one Client per site. Each site gets its own Transport when the
// Map was built with a transport factory, so one site's requests never wait
// on another site's rate limit.
type Map struct {
	mu           sync.Mutex
	clients      map[string]*Client
	transport    Transport
	newTransport func(siteID string) Transport
	baseURL      string
}

// NewMap creates a new Map using transport for every site.
func NewMap(transport Transport, baseURL string) *Map {
	return &Map{
		clients:   make(map[string]*Client),
		transport: transport,
		baseURL:   baseURL,
	}
}

// NewSiteMap creates a new Map that calls newTransport once per site.
func NewSiteMap(newTransport func(siteID string) Transport, baseURL string) *Map {
	return &Map{
		clients:      make(map[string]*Client),
		newTransport: newTransport,
		baseURL:      baseURL,
	}
}

// Site returns the client for the given siteID, creating it if needed.
func (m *Map) Site(siteID string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if siteID == "" {
		siteID = types.SiteIDNone
	}
	if c, ok := m.clients[siteID]; ok {
		return c
	}
	transport := m.transport
	if m.newTransport != nil {
		transport = m.newTransport(siteID)
	}
	c := NewClient(transport, m.baseURL, siteID)
	m.clients[siteID] = c
	return c
}

// SetClient sets the client for a specific site. This is primarily used for testing.
func (m *Map) SetClient(siteID string, c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[siteID] = c
}
