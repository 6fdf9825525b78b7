// Package httpx builds the outbound HTTP client shared by the Synchron
// scraper, the Google provider and the Pushover sender.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/publicsuffix"

	logx "termsync/pkg/logx"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultRetryMax  = 3
	DefaultUserAgent = "termsync/1"

	// maxBody caps how much of a response body ReadBody will buffer.
	maxBody = 8 << 20
)

type Config struct {
	Timeout      time.Duration
	RetryMax     int // < 0 disables retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	UserAgent    string
}

type Option func(*options)

type options struct {
	jar http.CookieJar
}

// WithCookieJar attaches a cookie jar; login sessions need one per session.
func WithCookieJar(j http.CookieJar) Option {
	return func(o *options) { o.jar = j }
}

// Client wraps retryablehttp with pooled cleanhttp transport.
// Only idempotent methods are retried: a POST that reached the server may
// already have created a calendar event or a session.
type Client struct {
	rc   *retryablehttp.Client
	once *retryablehttp.Client
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = max(5*time.Second, cfg.RetryWaitMin)
	}
	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}

	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = cfg.Timeout
	hc.Jar = o.jar

	newClient := func(retryMax int) *retryablehttp.Client {
		return &retryablehttp.Client{
			HTTPClient:   hc,
			Logger:       leveledLogger{log: log.With(logx.String("comp", "http"))},
			RetryWaitMin: cfg.RetryWaitMin,
			RetryWaitMax: cfg.RetryWaitMax,
			RetryMax:     retryMax,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Backoff:      retryablehttp.LinearJitterBackoff,
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
			RequestLogHook: func(_ retryablehttp.Logger, r *http.Request, _ int) {
				if r.Header.Get("User-Agent") == "" {
					r.Header.Set("User-Agent", ua)
				}
			},
		}
	}
	return &Client{rc: newClient(cfg.RetryMax), once: newClient(0)}
}

// Idempotent reports whether a request with method may be sent again.
func Idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// NewJar returns an empty cookie jar scoped by the public suffix list.
func NewJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// Standard exposes the client as a plain *http.Client
// (oauth2 and the Google API client take one).
func (c *Client) Standard() *http.Client {
	return &http.Client{Transport: roundTripper{c: c}}
}

func (c *Client) Do(req *retryablehttp.Request) (*http.Response, error) {
	if Idempotent(req.Method) {
		return c.rc.Do(req)
	}
	return c.once.Do(req)
}

func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostForm sends vals as application/x-www-form-urlencoded.
func (c *Client) PostForm(ctx context.Context, rawURL string, vals url.Values) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(vals.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.Do(req)
}

// roundTripper routes plain *http.Request values through Client.Do.
type roundTripper struct {
	c *Client
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rreq, err := retryablehttp.FromRequest(req)
	if err != nil {
		return nil, err
	}
	return rt.c.Do(rreq)
}

// ReadBody drains and closes resp.Body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(b) > maxBody {
		return nil, fmt.Errorf("read body: response larger than %d bytes", maxBody)
	}
	return b, nil
}

// leveledLogger adapts logx to retryablehttp.LeveledLogger.
// Attempt failures are warnings; the caller sees the final error.
type leveledLogger struct {
	log logx.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Warn(msg, fields(kv)...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug(msg, fields(kv)...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace(msg, fields(kv)...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, fields(kv)...) }

func fields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		if k == "url" {
			if u, ok := kv[i+1].(*url.URL); ok {
				out = append(out, logx.String(k, u.Redacted()))
				continue
			}
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
