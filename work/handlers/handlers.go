package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/middleware"
	"nvpn-proxy/work/proxy"
	"nvpn-proxy/work/types"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the relay's HTTP surface. Path cleaning is off because the
// target URL is embedded in the path and its "https://" must survive.
func NewRouter(relay *proxy.Relay, name string) *mux.Router {
	router := mux.NewRouter().SkipClean(true)
	router.Use(middleware.ServerHeader(name))

	router.HandleFunc("/", HandleBanner(name)).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/proxy/{url:.+}", HandleProxyHead(relay)).Methods(http.MethodHead)
	router.HandleFunc("/proxy/{url:.+}", HandleProxyGet(relay)).Methods(http.MethodGet)
	router.HandleFunc("/proxy/", HandleMissingTarget).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/status", middleware.Gzip(HandleStatus(relay, name))).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// HandleBanner answers the root path with a plain-text banner.
func HandleBanner(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, name+" Web Service")
	}
}

func HandleProxyHead(relay *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relay.Head(w, r, mux.Vars(r)["url"])
	}
}

func HandleProxyGet(relay *proxy.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		relay.Get(w, r, mux.Vars(r)["url"])
	}
}

func HandleMissingTarget(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "No URL provided", http.StatusBadRequest)
}

// Status is the document served on /status.
type Status struct {
	Service      string                   `json:"service"`
	Active       int                      `json:"active"`
	LastActivity *time.Time               `json:"lastActivity,omitempty"`
	Requests     []types.RelayRequestInfo `json:"requests"`
}

// HandleStatus reports the requests the relay is currently serving.
func HandleStatus(relay *proxy.Relay, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{
			Service:  name,
			Active:   relay.ActiveCount(),
			Requests: relay.Snapshot(),
		}
		if last := relay.LastActivity(); !last.IsZero() {
			st.LastActivity = &last
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			logger.Debug("{handlers/handlers - HandleStatus} encode: %v", err)
		}
	}
}
