package netclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/malsmug/internal/infrastructure/resilience"
)

// ErrHostUnavailable is returned while a host's breaker is open.
var ErrHostUnavailable = errors.New("host unavailable: circuit breaker open")

// Request is one outbound request made on behalf of a sample.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully read response.
type Response struct {
	URL        string
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
}

// ContentType returns the Content-Type header.
func (r *Response) ContentType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// Client performs sandbox network requests.
type Client interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Options configures the live client.
type Options struct {
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	MaxResponseBytes  int64
	Breakers          resilience.Settings
}

// HTTP is the live client: resty over a pooled transport, a shared rate
// limit, and one circuit breaker per host.
type HTTP struct {
	resty   *resty.Client
	limiter *rate.Limiter
	hosts   *resilience.Group
}

// New creates a live client.
func New(opts Options) *HTTP {
	transport := retryablehttp.NewClient().HTTPClient.Transport

	rc := resty.New().
		SetTransport(transport).
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9")
	if opts.UserAgent != "" {
		rc.SetHeader("User-Agent", opts.UserAgent)
	}
	if opts.MaxResponseBytes > 0 {
		rc.SetResponseBodyLimit(int(opts.MaxResponseBytes))
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	breakers := opts.Breakers
	if breakers.Trip == nil {
		breakers.Trip = func(failures, consecutive uint32) bool {
			return consecutive >= 5
		}
	}

	return &HTTP{
		resty:   rc,
		limiter: limiter,
		hosts:   resilience.NewGroup(breakers),
	}
}

// Do sends req. Non-2xx statuses are responses, not errors; only transport
// failures count against the host's breaker.
func (c *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	resp, err := resilience.Call(c.hosts.Get(u.Host), func() (*resty.Response, error) {
		r := c.resty.R().SetContext(ctx)
		for k, vs := range req.Header {
			for _, v := range vs {
				r.SetHeader(k, v)
			}
		}
		if len(req.Body) > 0 {
			r.SetBody(req.Body)
		}
		return r.Execute(method, u.String())
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s: %w", u.Host, ErrHostUnavailable)
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}

	final := u.String()
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		final = raw.Request.URL.String()
	}

	return &Response{
		URL:        final,
		Status:     resp.StatusCode(),
		StatusText: statusText(resp.StatusCode()),
		Header:     resp.Header().Clone(),
		Body:       resp.Body(),
	}, nil
}

// OpenHosts lists hosts whose breakers are open.
func (c *HTTP) OpenHosts() []string {
	return c.hosts.Open()
}

// Offline answers every request with an empty 200 without touching the
// network.
type Offline struct{}

func (Offline) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Response{
		URL:        req.URL,
		Status:     http.StatusOK,
		StatusText: statusText(http.StatusOK),
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
	}, nil
}

func statusText(code int) string {
	return http.StatusText(code)
}
