// Package httpclient builds outbound *http.Client instances with a
// consistent User-Agent and an options pattern for per-call headers,
// used by WebhookClient for its outbound dispatch.
package httpclient

import (
	"maps"
	"net/http"
	"net/url"
	"time"
)

type HTTPOptions struct {
	Header  http.Header
	Query   url.Values
	Timeout time.Duration
}

type Opt func(*HTTPOptions)

func NewHTTPClient(opts ...Opt) *http.Client {
	httpOptions := HTTPOptions{
		Header:  make(http.Header),
		Timeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(&httpOptions)
	}

	httpOptions.Header.Set("User-Agent", "agent-session-engine/1.0")

	return &http.Client{
		Timeout: httpOptions.Timeout,
		Transport: &headerTransport{
			httpOptions: httpOptions,
			rt:          http.DefaultTransport,
		},
	}
}

func WithHeader(key, value string) Opt {
	return func(o *HTTPOptions) {
		o.Header.Set(key, value)
	}
}

func WithHeaders(headers map[string]string) Opt {
	return func(o *HTTPOptions) {
		for k, v := range headers {
			o.Header.Add(k, v)
		}
	}
}

func WithTimeout(d time.Duration) Opt {
	return func(o *HTTPOptions) {
		o.Timeout = d
	}
}

func WithQuery(query url.Values) Opt {
	return func(o *HTTPOptions) {
		o.Query = query
	}
}

type headerTransport struct {
	httpOptions HTTPOptions
	rt          http.RoundTripper
}

func (u *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	maps.Copy(r2.Header, u.httpOptions.Header)

	if u.httpOptions.Query != nil {
		q := r2.URL.Query()
		for k, vs := range u.httpOptions.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		r2.URL.RawQuery = q.Encode()
	}

	return u.rt.RoundTrip(r2)
}
