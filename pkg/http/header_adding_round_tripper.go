package http

import (
	"net/http"
)

type headerAddingRoundTripper struct {
	base         http.RoundTripper
	headerValues []*HeaderValues
}

// NewHeaderAddingRoundTripper is a decorator for RoundTripper that adds
// additional HTTP header values to all outgoing requests.
func NewHeaderAddingRoundTripper(base http.RoundTripper, headerValues []*HeaderValues) http.RoundTripper {
	return &headerAddingRoundTripper{
		base:         base,
		headerValues: headerValues,
	}
}

func (rt *headerAddingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	newReq := *req
	newReq.Header = req.Header.Clone()
	for _, headerValues := range rt.headerValues {
		for _, value := range headerValues.Values {
			newReq.Header.Add(headerValues.Header, value)
		}
	}
	return rt.base.RoundTrip(&newReq)
}
