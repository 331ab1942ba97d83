package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/types"
	"nvpn-proxy/work/utils"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/ratelimit"
)

// maxPortalBody caps how much of a portal page is read into memory. Player
// pages are well under a megabyte.
const maxPortalBody = 8 << 20

// PortalClient wraps http.Client to talk to the portal the way a desktop
// browser would: browser headers on every request, no automatic redirects,
// compressed bodies and a pinned TLS configuration. Every request first takes
// a token from the rate limiter so bursts of logins and resolves never hammer
// the portal.
type PortalClient struct {
	Client  *http.Client
	config  *config.Config
	limiter ratelimit.Limiter
}

// NewPortalClient builds the portal client from the configuration. It fails
// with a ConfigurationError when the pinned certificate or cipher names are
// unusable.
func NewPortalClient(cfg *config.Config) (*PortalClient, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &PortalClient{
		Client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
			// redirects carry the login outcome and the session expiry signal
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		config:  cfg,
		limiter: ratelimit.New(cfg.PortalRateLimit),
	}, nil
}

// NewUpstreamClient returns the client the relay uses for media requests. It
// shares the portal TLS settings because media is served through the same
// portal host, follows redirects and has no overall timeout so long streams
// are never cut.
func NewUpstreamClient(cfg *config.Config) (*http.Client, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	transport.ResponseHeaderTimeout = 30 * time.Second
	transport.MaxIdleConnsPerHost = 10

	return &http.Client{
		Timeout:   0,
		Transport: transport,
	}, nil
}

// Do sends the request after applying the browser headers. Network failures
// are reported as TransportError; the response is returned untouched for any
// status code.
func (pc *PortalClient) Do(req *http.Request) (*http.Response, error) {
	pc.limiter.Take()
	pc.setHeaders(req)

	logger.Debug("{client/client - Do} %s %s", req.Method, utils.LogURLWithFlag(pc.config.ObfuscateUrls, req.URL.String()))

	resp, err := pc.Client.Do(req)
	if err != nil {
		return nil, types.Wrap(types.TransportError, "portal "+strings.ToLower(req.Method), err)
	}
	return resp, nil
}

// Get issues a GET with optional cookie header.
func (pc *PortalClient) Get(ctx context.Context, rawURL, cookieHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.Wrap(types.ConfigurationError, "portal get", err)
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	return pc.Do(req)
}

// UserAgent returns the configured browser User-Agent.
func (pc *PortalClient) UserAgent() string {
	return pc.config.UserAgent
}

func (pc *PortalClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", pc.config.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, br")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if req.Header.Get("Referer") == "" && pc.config.Referer != "" {
		req.Header.Set("Referer", pc.config.Referer)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
}

// ReadBody reads and closes the response body, decoding gzip and brotli
// content encodings. Read failures are TransportError.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var reader io.Reader = io.LimitReader(resp.Body, maxPortalBody)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, types.Wrap(types.TransportError, "portal read", fmt.Errorf("gzip: %w", err))
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(reader)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, types.Wrap(types.TransportError, "portal read", err)
	}
	return buf.Bytes(), nil
}

// DrainAndClose discards what is left of a response body so the connection
// can be reused.
func DrainAndClose(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
