package http

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/toolchainlabs/remexec/pkg/util"
)

// HeaderValues to attach to outgoing requests, such as API keys
// required by the endpoint.
type HeaderValues struct {
	Header string   `json:"header"`
	Values []string `json:"values"`
}

// ClientConfiguration holds the options of an outbound HTTP client.
type ClientConfiguration struct {
	// Optional: TLS settings for https:// endpoints.
	TLS *util.TLSConfiguration `json:"tls,omitempty"`
	// Optional: URL of a proxy through which requests are sent.
	ProxyURL string `json:"proxyUrl,omitempty"`
	// Optional: header values to add to all outgoing requests.
	AddHeaders []*HeaderValues `json:"addHeaders,omitempty"`
}

// NewClientFromConfiguration makes a new HTTP client on parameters
// provided in a configuration file. Requests are instrumented with
// Prometheus metrics under the provided name. A nil configuration
// yields a plain client.
func NewClientFromConfiguration(configuration *ClientConfiguration, name string) (*http.Client, error) {
	transport := http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}
	var roundTripper http.RoundTripper = &transport
	if configuration != nil {
		tlsConfig, err := util.NewTLSConfigFromClientConfiguration(configuration.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
		if proxyURL := configuration.ProxyURL; proxyURL != "" {
			parsedProxyURL, err := url.Parse(proxyURL)
			if err != nil {
				return nil, util.StatusWrap(err, "Failed to parse proxy URL")
			}
			transport.Proxy = http.ProxyURL(parsedProxyURL)
		}
		if headerValues := configuration.AddHeaders; len(headerValues) > 0 {
			roundTripper = NewHeaderAddingRoundTripper(roundTripper, headerValues)
		}
	}
	return &http.Client{
		Transport: NewMetricsRoundTripper(roundTripper, name),
	}, nil
}
