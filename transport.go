package gatewaybridge

import (
	"crypto/tls"
	"net/http"
)

// newHTTPClient builds the default transport for a policy. Per-attempt timeouts are applied
// through request contexts, so the http.Client itself carries none. Redirects are returned to
// the engine instead of followed: a gateway redirect usually points at a login page.
func newHTTPClient(p RequestPolicy) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !p.VerifyTLS, //nolint:gosec // operator opt-out for self-signed gateways
		RootCAs:            p.RootCAs,
	}
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
