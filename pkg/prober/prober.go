// Package prober issues single test requests through candidate proxies
// and classifies the result.
package prober

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxy-pool/pkg/models"

	"golang.org/x/sync/semaphore"
)

// markerWindow is how much of the response body is inspected for the
// content marker.
const markerWindow = 1024

// ProbeError reports an infrastructure failure (limiter acquisition,
// cancellation, bad target config), as opposed to a negative test
// result, which is always an Outcome.
type ProbeError struct {
	Address string
	Err     error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Address, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Options contains the configuration for a Prober.
type Options struct {
	// TargetURL is the fixed endpoint every probe is routed to.
	TargetURL string
	// BodyMarker must appear near the start of the response body for
	// the probe to count as working. Guards against captive portals
	// and proxy-injected pages.
	BodyMarker string
	// Timeout per probe request.
	Timeout time.Duration
	// MaxConcurrent bounds in-flight probes process-wide.
	MaxConcurrent int64
}

type Prober struct {
	client  *http.Client
	limiter *semaphore.Weighted
	opts    Options
	logger  *slog.Logger
}

// proxyKey carries the per-request proxy URL through the request
// context, so one shared transport (and its connection pool) serves
// every probe.
type proxyKey struct{}

func New(opts Options, logger *slog.Logger) *Prober {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			if u, ok := req.Context().Value(proxyKey{}).(*url.URL); ok {
				return u, nil
			}
			return nil, nil
		},
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout: opts.Timeout,
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 500,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Prober{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: semaphore.NewWeighted(opts.MaxConcurrent),
		opts:    opts,
		logger:  logger,
	}
}

// Probe issues one request to the configured target through the proxy
// at address and classifies the outcome. Transport failures of any
// kind are a negative Outcome with a nil error; a non-nil error means
// the probe never ran.
func (p *Prober) Probe(ctx context.Context, address string) (models.Outcome, error) {
	proxyURL, err := ParseAddress(address)
	if err != nil {
		p.logger.Debug("Unparseable proxy address", "address", address, "error", err)
		return models.Failure(), nil
	}

	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return models.Outcome{}, &ProbeError{Address: address, Err: err}
	}
	defer p.limiter.Release(1)

	reqCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	reqCtx = context.WithValue(reqCtx, proxyKey{}, proxyURL)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.opts.TargetURL, nil)
	if err != nil {
		return models.Outcome{}, &ProbeError{Address: address, Err: err}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Probe transport failure", "address", address, "error", err)
		return models.Failure(), nil
	}
	defer resp.Body.Close()

	head, err := io.ReadAll(io.LimitReader(resp.Body, markerWindow))
	latency := time.Since(start)
	if err != nil {
		p.logger.Debug("Probe body read failure", "address", address, "error", err)
		return models.Failure(), nil
	}

	if resp.StatusCode != http.StatusOK || !strings.Contains(string(head), p.opts.BodyMarker) {
		return models.Failure(), nil
	}

	return models.Success(latency, proxyURL.Scheme), nil
}

// NormalizeAddress ensures address carries an explicit scheme,
// defaulting to http.
func NormalizeAddress(address string) string {
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		return "http://" + address
	}
	return address
}

// ParseAddress normalizes address and parses it as a proxy URL.
func ParseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy address %q has no host", address)
	}
	return u, nil
}
