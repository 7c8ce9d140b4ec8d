package sdk

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPOptions is a holder for options
type HTTPOptions struct {
	Request     *http.Request
	Response    *HTTPResponse // only set in the response case or nil in the request case
	Deadline    time.Time
	ShouldRetry bool
	RetryAfter  time.Duration
	Stream      bool // when true the response body is returned unread for streaming consumption
}

// WithHTTPOption is an option for setting details on the request
type WithHTTPOption func(opt *HTTPOptions) error

// HTTPClientManager is an interface for creating HTTP clients
type HTTPClientManager interface {
	// New is for creating a new HTTP client instance that can be reused
	New(url string, headers map[string]string) HTTPClient
}

// HTTPResponse is a struct returned by the HTTPClient
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	// Body is only set when the request was made with WithStreamResponse and
	// must be closed by the caller
	Body io.ReadCloser
}

// HTTPClient is an interface to a HTTP client
type HTTPClient interface {
	// Get will call a HTTP GET method and set the result (if JSON) to out
	Get(out interface{}, options ...WithHTTPOption) (*HTTPResponse, error)
	// Post will call a HTTP POST method passing the data and set the result (if JSON) to out
	Post(data io.Reader, out interface{}, options ...WithHTTPOption) (*HTTPResponse, error)
	// Delete will call a HTTP DELETE method and set the result (if JSON) to out
	Delete(out interface{}, options ...WithHTTPOption) (*HTTPResponse, error)
}

// WithHTTPHeader will add a specific header to an outgoing request
func WithHTTPHeader(key, value string) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Request.Header.Set(key, value)
		}
		return nil
	}
}

// WithEndpoint will add to the url path
func WithEndpoint(value string) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Request.URL.Path = JoinURL(opt.Request.URL.Path, value)
			opt.Request.URL, _ = url.Parse(opt.Request.URL.String())
		}
		return nil
	}
}

// WithContentType will set the Content-Type header
func WithContentType(value string) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Request.Header.Set("Content-Type", value)
		}
		return nil
	}
}

// WithAuthorization will set the Authorization header
func WithAuthorization(value string) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Request.Header.Set("Authorization", value)
		}
		return nil
	}
}

// WithGetQueryParameters will allow the query parameters to be overriden
func WithGetQueryParameters(variables url.Values) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			q := opt.Request.URL.Query()
			for k, v := range variables {
				q[k] = v
			}
			opt.Request.URL.RawQuery = q.Encode()
		}
		return nil
	}
}

// WithDeadline will set a deadline for getting a response
func WithDeadline(duration time.Duration) WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Deadline = time.Now().Add(duration)
		}
		return nil
	}
}

// WithStreamResponse will cause the response body to be returned unread on the
// HTTPResponse so large export files can be consumed without buffering
func WithStreamResponse() WithHTTPOption {
	return func(opt *HTTPOptions) error {
		if opt.Response == nil {
			opt.Stream = true
		}
		return nil
	}
}

// WithBasicAuth will add the Basic authentication header to the outgoing request
func WithBasicAuth(username string, password string) WithHTTPOption {
	return WithAuthorization("Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
}
