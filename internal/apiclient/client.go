// Package apiclient executes single outbound HTTP calls for quiz integrations
// under strict limits: bounded time, bounded body size, verified TLS and no
// automatic redirects.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"quizflow-service/internal/safety"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultConnectTimeout = 2 * time.Second
	defaultMaxBodyBytes   = 2 << 20
)

// Options configures a Client.
type Options struct {
	// Timeout bounds a whole call including redirects; per-request timeouts are capped by it.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxBodyBytes   int64
	// MaxRedirects is how many validated redirects a request may follow. Zero never follows.
	MaxRedirects int
	UserAgent    string
	// Control runs before every socket connect, typically safety.DialControl.
	Control func(network, address string, c syscall.RawConn) error
	// TLSConfig may add root CAs. Verification cannot be disabled.
	TLSConfig *tls.Config
}

// RedirectChecker validates a redirect target before it is followed.
type RedirectChecker func(ctx context.Context, target *url.URL) error

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
	// CheckRedirect must approve every redirect; nil treats redirects as final responses.
	CheckRedirect RedirectChecker
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        string
}

// Client is safe for concurrent use.
type Client struct {
	http *http.Client
	opts Options
}

// New builds a client. Proxies from the environment are ignored so that every
// connection goes through the dialer's Control hook.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "quizflow-integrations/1.0"
	}

	tlsCfg := &tls.Config{}
	if opts.TLSConfig != nil {
		tlsCfg = opts.TLSConfig.Clone()
	}
	tlsCfg.InsecureSkipVerify = false
	if tlsCfg.MinVersion < tls.VersionTLS12 {
		tlsCfg.MinVersion = tls.VersionTLS12
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
		Control:   opts.Control,
	}
	transport := &http.Transport{
		Proxy:                  nil,
		DialContext:            dialer.DialContext,
		TLSClientConfig:        tlsCfg,
		TLSHandshakeTimeout:    opts.ConnectTimeout,
		ResponseHeaderTimeout:  opts.Timeout,
		MaxIdleConns:           64,
		IdleConnTimeout:        90 * time.Second,
		MaxResponseHeaderBytes: 64 << 10,
		ForceAttemptHTTP2:      true,
	}
	return &Client{
		opts: opts,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// HTTPClient exposes the hardened client for protocol helpers such as OAuth2
// token requests. Redirects are never followed by it.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Execute performs req. A non-2xx response is returned together with a
// NonSuccessStatus error. Safety rejections from the dial hook or the redirect
// checker are returned unchanged; everything else is normalized to Error.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 || timeout > c.opts.Timeout {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := safety.Method(req.Method)
	target := req.URL
	body := req.Body
	for hop := 0; ; hop++ {
		resp, err := c.do(ctx, method, target, req.Header, body)
		if err != nil {
			return nil, err
		}
		if isRedirect(resp.StatusCode) && req.CheckRedirect != nil && hop < c.opts.MaxRedirects {
			next, err := location(target, resp.Header.Get("Location"))
			if err != nil {
				return resp, &Error{Kind: ErrNonSuccessStatus, Status: resp.StatusCode}
			}
			if err := req.CheckRedirect(ctx, next); err != nil {
				return nil, err
			}
			if resp.StatusCode == http.StatusSeeOther ||
				(method == http.MethodPost && (resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound)) {
				method, body = http.MethodGet, nil
			}
			target = next.String()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return resp, &Error{Kind: ErrNonSuccessStatus, Status: resp.StatusCode}
		}
		return resp, nil
	}
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body []byte) (*Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, &Error{Kind: ErrConnectionFailed}
	}
	for name, values := range header {
		if safety.IsSpoofHeader(name) {
			continue
		}
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}
	hreq.Header.Set("User-Agent", c.opts.UserAgent)
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.ContentLength > c.opts.MaxBodyBytes {
		return nil, &Error{Kind: ErrTooLarge, Status: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(data)) > c.opts.MaxBodyBytes {
		return nil, &Error{Kind: ErrTooLarge, Status: resp.StatusCode}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		URL:        target,
	}, nil
}

func classify(ctx context.Context, err error) error {
	var be *safety.BlockedError
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrTimeout}
	}
	return &Error{Kind: ErrConnectionFailed}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func location(base, loc string) (*url.URL, error) {
	if loc == "" {
		return nil, errors.New("redirect without location")
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	l, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(l), nil
}
