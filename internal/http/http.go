package http

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mailru/easyjson"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/event"
)

type rewindReader struct {
	buf []byte
	r   bufio.Reader
}

var _ io.Reader = (*rewindReader)(nil)

func (r *rewindReader) Rewind() {
	r.r.Reset(bufio.NewReader(bytes.NewReader(r.buf)))
}

func (r *rewindReader) Read(p []byte) (int, error) {
	return r.r.Read(p)
}

type client struct {
	url     string
	headers map[string]string
	cl      *http.Client
	backoff sdk.Backoff
	retries int
}

var _ sdk.HTTPClient = (*client)(nil)

func (c *client) exec(opt *sdk.HTTPOptions, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	resp, err := c.cl.Do(opt.Request)
	if err != nil {
		return nil, err
	}
	res := &sdk.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
	}
	opt.Response = res
	for _, o := range options {
		if o != nil {
			if err := o(opt); err != nil {
				resp.Body.Close()
				return nil, err
			}
		}
	}
	opt.Response = nil
	// no content means there's no body
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return res, nil
	}
	// check to see if this was a rate limited response
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		val := resp.Header.Get("Retry-After")
		var tv time.Duration // zero means use the backoff policy
		if val != "" {
			v, _ := strconv.ParseInt(val, 10, 64)
			if v > 0 {
				tv = time.Second * time.Duration(v)
			}
		}
		opt.ShouldRetry = true
		opt.RetryAfter = tv
		return nil, nil
	}
	// hand the body back unread when streaming was requested and the call succeeded
	if opt.Stream && resp.StatusCode < 300 {
		res.Body = resp.Body
		return res, nil
	}
	// read the body
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("error copying response body: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode > 299 {
		return res, &sdk.HTTPError{
			StatusCode: resp.StatusCode,
			Body:       &buf,
		}
	}
	if out == nil {
		return res, nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if i, ok := out.(easyjson.Unmarshaler); ok {
			err := easyjson.Unmarshal(buf.Bytes(), i)
			return res, err
		}
		if err := json.NewDecoder(&buf).Decode(out); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *client) makeRequest(req *http.Request, deadline time.Time, options ...sdk.WithHTTPOption) (*sdk.HTTPOptions, error) {
	opts := &sdk.HTTPOptions{
		Request:  req,
		Deadline: deadline,
	}
	opts.Request.Header.Set("Accept", "application/json")
	opts.Request.Header.Set("Content-Type", "application/json")
	opts.Request.Header.Set("User-Agent", "pinpt/agent.billing")
	for k, v := range c.headers {
		opts.Request.Header.Set(k, v)
	}
	for _, opt := range options {
		if opt != nil {
			if err := opt(opts); err != nil {
				return nil, err
			}
		}
	}
	return opts, nil
}

type requestMaker func() (*http.Request, error)

func isStatusRetryable(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func (c *client) execWithRetry(maker requestMaker, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	defaultDeadline := time.Now().Add(time.Minute) // default
	var attempt int
	for {
		req, err := maker()
		if err != nil {
			return nil, err
		}
		httpreq, err := c.makeRequest(req, defaultDeadline, options...)
		if err != nil {
			return nil, err
		}
		resp, err := c.exec(httpreq, out, options...)
		if httpreq.ShouldRetry || event.IsErrorRetryable(err) || (resp != nil && isStatusRetryable(resp.StatusCode)) {
			attempt++
			if attempt > c.retries {
				if err != nil {
					return nil, err
				}
				if resp != nil {
					return resp, &sdk.HTTPError{StatusCode: resp.StatusCode}
				}
				if httpreq.ShouldRetry {
					// rate limited on every attempt, surface it so callers can
					// apply their own policy
					return nil, &sdk.HTTPError{StatusCode: http.StatusTooManyRequests}
				}
				return nil, sdk.ErrTimedOut
			}
			if time.Now().Before(httpreq.Deadline) {
				if httpreq.RetryAfter > 0 {
					// retry after our header tells us
					time.Sleep(httpreq.RetryAfter)
				} else {
					// do an exponential backoff with jitter
					time.Sleep(c.backoff.Delay(attempt - 1))
				}
			}
			// check again
			if time.Now().Before(httpreq.Deadline) {
				continue
			}
			return nil, sdk.ErrTimedOut
		}
		return resp, err
	}
}

// Get will call a HTTP GET method and set the result (if JSON) to out
func (c *client) Get(out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	return c.execWithRetry(func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.url, nil)
	}, out, options...)
}

// Post will call a HTTP POST method passing the data and set the result (if JSON) to out
func (c *client) Post(data io.Reader, out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	var buf bytes.Buffer
	io.Copy(&buf, data)
	rw := &rewindReader{
		buf: buf.Bytes(),
	}
	return c.execWithRetry(func() (*http.Request, error) {
		rw.Rewind()
		return http.NewRequest(http.MethodPost, c.url, rw)
	}, out, options...)
}

// Delete will call a HTTP DELETE method and set the result (if JSON) to out
func (c *client) Delete(out interface{}, options ...sdk.WithHTTPOption) (*sdk.HTTPResponse, error) {
	return c.execWithRetry(func() (*http.Request, error) {
		return http.NewRequest(http.MethodDelete, c.url, nil)
	}, out, options...)
}

type manager struct {
	cl      *http.Client
	backoff sdk.Backoff
	retries int
}

var _ sdk.HTTPClientManager = (*manager)(nil)

// New is for creating a new HTTP client instance that can be reused
func (m *manager) New(url string, headers map[string]string) sdk.HTTPClient {
	return &client{
		url:     url,
		headers: headers,
		cl:      m.cl,
		backoff: m.backoff,
		retries: m.retries,
	}
}

// Option configures the manager
type Option func(m *manager)

// WithTransport overrides the underlying http transport
func WithTransport(transport http.RoundTripper) Option {
	return func(m *manager) {
		m.cl = &http.Client{Transport: transport}
	}
}

// WithRetryPolicy sets the transport-level retry policy
func WithRetryPolicy(backoff sdk.Backoff, retries int) Option {
	return func(m *manager) {
		m.backoff = backoff
		m.retries = retries
	}
}

// New returns a new HTTPClientManager which owns the single shared connection
// pool for the run
func New(opts ...Option) sdk.HTTPClientManager {
	m := &manager{
		cl:      &http.Client{},
		backoff: sdk.DefaultBackoff,
		retries: 5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}
