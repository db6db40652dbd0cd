package execute

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aegis-run/aegis/internal/net/ssrf"
)

// ScopedHTTPClient restricts outbound requests to a tool's declared
// network_allowlist and refuses anything that resolves to a private or
// otherwise blocked address, reusing the kept SSRF checks rather than
// re-implementing private-range detection.
type ScopedHTTPClient struct {
	client    *http.Client
	allowlist []string
}

// NewScopedHTTPClient builds a client scoped to allowlist, the tool
// manifest's network_allowlist entries (bare hostnames or "host:port").
func NewScopedHTTPClient(client *http.Client, allowlist []string) *ScopedHTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &ScopedHTTPClient{client: client, allowlist: allowlist}
}

func hostAllowed(host string, allowlist []string) bool {
	for _, a := range allowlist {
		if strings.EqualFold(a, host) {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(strings.ToLower(host), strings.ToLower(a[1:])) {
			return true
		}
	}
	return false
}

// Validate checks rawURL against both the per-tool allowlist and the
// general SSRF rules (blocked hostnames, private/loopback/link-local
// addresses, post-DNS-resolution re-check).
func (c *ScopedHTTPClient) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrEgressBlocked, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrEgressBlocked, u.Scheme)
	}
	host := u.Hostname()
	if len(c.allowlist) > 0 && !hostAllowed(host, c.allowlist) {
		return fmt.Errorf("%w: host %q not in network_allowlist", ErrEgressBlocked, host)
	}
	if err := ssrf.ValidatePublicHostname(host); err != nil {
		return fmt.Errorf("%w: %v", ErrEgressBlocked, err)
	}
	return nil
}

// Do validates req's URL against the scope before delegating to the
// underlying client.
func (c *ScopedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.Validate(req.URL.String()); err != nil {
		return nil, err
	}
	return c.client.Do(req)
}
