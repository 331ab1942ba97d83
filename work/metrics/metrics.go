package metrics

import (
	"nvpn-proxy/work/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RelayActiveRequests tracks the relay requests currently being served, split
// by method so HEAD requests and GET streams can be told apart.
var RelayActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "nvpn_relay_active_requests",
	Help: "Number of relay requests in flight",
}, []string{"method"})

// RelayBytes counts bytes moved by the relay. "upstream" is what was read from
// the portal, "downstream" is what reached the player.
var RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nvpn_relay_bytes_total",
	Help: "Total bytes relayed",
}, []string{"direction"})

// RelayErrors counts relay failures by method and error type.
var RelayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nvpn_relay_errors_total",
	Help: "Number of relay errors",
}, []string{"method", "error_type"})

// PortalLogins counts login attempts by variant and result.
var PortalLogins = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nvpn_portal_logins_total",
	Help: "Number of portal login attempts",
}, []string{"variant", "result"})

// ManifestResolutions counts channel resolutions by result.
var ManifestResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nvpn_manifest_resolutions_total",
	Help: "Number of manifest resolutions",
}, []string{"result"})

// RelayRunning is 1 while the relay listener is bound.
var RelayRunning = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "nvpn_relay_running",
	Help: "Whether the relay server is running",
})

// Result maps an error to the label used by the counters above.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	switch types.KindOf(err) {
	case types.ConfigurationError:
		return "configuration"
	case types.AuthRejected:
		return "rejected"
	case types.TransportError:
		return "transport"
	case types.ProtocolError:
		return "protocol"
	case types.ResourceBusy:
		return "busy"
	default:
		return "error"
	}
}
