package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"nvpn-proxy/work/buffer"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/metrics"
	"nvpn-proxy/work/types"
	"nvpn-proxy/work/utils"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// ForwardedHeadersKey is the request header carrying the JSON encoded header
// map the relay sends upstream.
const ForwardedHeadersKey = "h"

// relayedHeaders are the only upstream response headers a GET passes on.
var relayedHeaders = []string{"Content-Type", "Content-Disposition", "Content-Range"}

// Relay fetches remote resources on behalf of local players and streams them
// back. It never touches the portal session; everything it needs arrives in
// the forwarded header map.
type Relay struct {
	config   *config.Config
	client   *http.Client
	chunks   *buffer.ChunkPool
	requests *xsync.MapOf[string, *types.RelayRequest]

	lastActivity atomic.Int64 // unix nanos, 0 until the first request
}

// NewRelay creates a relay that reaches upstream through client.
func NewRelay(cfg *config.Config, client *http.Client) *Relay {
	return &Relay{
		config:   cfg,
		client:   client,
		chunks:   buffer.NewChunkPool(cfg.RelayChunkSize),
		requests: xsync.NewMapOf[string, *types.RelayRequest](),
	}
}

// ParseForwardedHeaders decodes the `h` header value. An empty value is an
// empty header set.
func ParseForwardedHeaders(raw string) (http.Header, error) {
	h := http.Header{}
	if strings.TrimSpace(raw) == "" {
		return h, nil
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, types.Wrap(types.ProtocolError, "relay.headers", err)
	}
	for k, v := range m {
		h.Set(k, v)
	}
	return h, nil
}

// TargetURL builds the upstream URL for a relay request. The caller's query
// string is only appended for GET.
func TargetURL(method, target, rawQuery string) string {
	if method == http.MethodGet && rawQuery != "" {
		return target + "?" + rawQuery
	}
	return target
}

// Head answers a HEAD request with the upstream Content-Type and status only.
func (r *Relay) Head(w http.ResponseWriter, req *http.Request, target string) {
	rr, up, ok := r.prepare(w, req, target)
	if !ok {
		return
	}
	defer r.finish(rr)

	resp, err := r.client.Do(up)
	if err != nil {
		r.fail(w, rr, "transport", err)
		return
	}
	resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	logger.Debug("{proxy/relay - Head} %s answered %d", utils.LogURL(r.config, rr.TargetURL), resp.StatusCode)
}

// Get streams the upstream body back as a chunked response, one chunk per
// upstream read, so the player sees a terminal chunk even when upstream sends
// no Content-Length. An upstream failure after the headers went out aborts
// the connection, leaving the body without its terminal chunk.
func (r *Relay) Get(w http.ResponseWriter, req *http.Request, target string) {
	rr, up, ok := r.prepare(w, req, target)
	if !ok {
		return
	}
	defer r.finish(rr)

	resp, err := r.client.Do(up)
	if err != nil {
		r.fail(w, rr, "transport", err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, k := range relayedHeaders {
		if v := resp.Header.Get(k); v != "" {
			h.Set(k, v)
		}
	}
	h.Set("Connection", "keep-alive")
	h.Set("Accept-Ranges", "bytes")
	h.Set("Transfer-Encoding", "chunked")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := r.chunks.Get()
	defer r.chunks.Put(buf)

	for {
		n, rerr := resp.Body.Read(buf.B)
		if n > 0 {
			metrics.RelayBytes.WithLabelValues("upstream").Add(float64(n))
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				logger.Debug("{proxy/relay - Get} player went away after %d bytes: %v", rr.BytesWritten.Load(), werr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			rr.BytesWritten.Add(int64(n))
			metrics.RelayBytes.WithLabelValues("downstream").Add(float64(n))
			r.touch()
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			metrics.RelayErrors.WithLabelValues(rr.Method, "stream").Inc()
			logger.Warn("{proxy/relay - Get} upstream read failed after %d bytes for %s: %v",
				rr.BytesWritten.Load(), utils.LogURL(r.config, rr.TargetURL), rerr)
			panic(http.ErrAbortHandler)
		}
	}

	logger.Debug("{proxy/relay - Get} finished %s, %d bytes", utils.LogURL(r.config, rr.TargetURL), rr.BytesWritten.Load())
}

// prepare validates the inbound request, registers it and builds the
// upstream request. It writes the error response itself when ok is false.
func (r *Relay) prepare(w http.ResponseWriter, req *http.Request, target string) (*types.RelayRequest, *http.Request, bool) {
	if target == "" {
		http.Error(w, "No URL provided", http.StatusBadRequest)
		return nil, nil, false
	}

	forwarded, err := ParseForwardedHeaders(req.Header.Get(ForwardedHeadersKey))
	if err != nil {
		metrics.RelayErrors.WithLabelValues(req.Method, "headers").Inc()
		logger.Warn("{proxy/relay - prepare} bad %q header: %v", ForwardedHeadersKey, err)
		http.Error(w, "Error: "+err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}

	target = TargetURL(req.Method, target, req.URL.RawQuery)
	if !utils.IsHTTPOrHTTPS(target) {
		metrics.RelayErrors.WithLabelValues(req.Method, "target").Inc()
		http.Error(w, "Error: unsupported target URL", http.StatusBadRequest)
		return nil, nil, false
	}

	up, err := http.NewRequestWithContext(req.Context(), req.Method, target, nil)
	if err != nil {
		metrics.RelayErrors.WithLabelValues(req.Method, "target").Inc()
		http.Error(w, "Error: "+err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}
	for k, v := range forwarded {
		up.Header[k] = v
	}
	// the body goes out without Content-Encoding, so it has to arrive decoded
	up.Header.Del("Accept-Encoding")

	byteRange := req.Header.Get("Range")
	if byteRange != "" && up.Header.Get("Range") == "" {
		up.Header.Set("Range", byteRange)
	}

	rr := &types.RelayRequest{
		ID:               uuid.NewString(),
		Method:           req.Method,
		TargetURL:        target,
		ForwardedHeaders: forwarded,
		ByteRange:        byteRange,
		Started:          time.Now(),
	}
	r.requests.Store(rr.ID, rr)
	r.touch()
	metrics.RelayActiveRequests.WithLabelValues(rr.Method).Inc()

	logger.Debug("{proxy/relay - prepare} %s %s [%s]", rr.Method, utils.LogURL(r.config, target), rr.ID)
	return rr, up, true
}

func (r *Relay) finish(rr *types.RelayRequest) {
	r.requests.Delete(rr.ID)
	r.touch()
	metrics.RelayActiveRequests.WithLabelValues(rr.Method).Dec()
}

func (r *Relay) fail(w http.ResponseWriter, rr *types.RelayRequest, errorType string, err error) {
	metrics.RelayErrors.WithLabelValues(rr.Method, errorType).Inc()
	logger.Warn("{proxy/relay - %s} %s: %v", rr.Method, utils.LogURL(r.config, rr.TargetURL), err)
	http.Error(w, fmt.Sprintf("Error: %v", types.Wrap(types.TransportError, "relay."+strings.ToLower(rr.Method), err)), http.StatusBadGateway)
}

func (r *Relay) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// ActiveCount returns the number of requests currently being served.
func (r *Relay) ActiveCount() int {
	return r.requests.Size()
}

// LastActivity returns when a request last started, finished or moved bytes.
// The zero time means the relay has not served anything yet.
func (r *Relay) LastActivity() time.Time {
	ns := r.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Snapshot lists the in-flight requests, oldest first.
func (r *Relay) Snapshot() []types.RelayRequestInfo {
	var obfuscate func(string) string
	if r.config.ObfuscateUrls {
		obfuscate = utils.ObfuscateURL
	}

	out := make([]types.RelayRequestInfo, 0, r.requests.Size())
	r.requests.Range(func(_ string, rr *types.RelayRequest) bool {
		out = append(out, rr.Info(obfuscate))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
