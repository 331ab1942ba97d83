package player

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/lifecycle"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/proxy"

	"github.com/avast/retry-go/v4"
	"github.com/tidwall/gjson"
)

// RelayActivityHost infers playback from relay traffic: a player is watching
// while it has requests in flight or made one within the idle window. It is
// the host used when nothing else can report player state.
type RelayActivityHost struct {
	relay *proxy.Relay
	idle  time.Duration
}

var _ lifecycle.PlaybackHost = (*RelayActivityHost)(nil)

// NewRelayActivityHost watches relay, treating idle without traffic as stopped.
func NewRelayActivityHost(relay *proxy.Relay, idle time.Duration) *RelayActivityHost {
	return &RelayActivityHost{relay: relay, idle: idle}
}

func (h *RelayActivityHost) IsPlaying(ctx context.Context) (bool, error) {
	if h.relay == nil {
		return false, nil
	}
	if h.relay.ActiveCount() > 0 {
		return true, nil
	}
	last := h.relay.LastActivity()
	if last.IsZero() {
		return false, nil
	}
	return time.Since(last) < h.idle, nil
}

// KodiHost asks a Kodi instance over JSON-RPC whether a player is active.
type KodiHost struct {
	url    string
	client *http.Client
}

var _ lifecycle.PlaybackHost = (*KodiHost)(nil)

// NewKodiHost creates a host for the JSON-RPC endpoint at url.
func NewKodiHost(url string, timeout time.Duration) *KodiHost {
	return &KodiHost{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

const activePlayersRequest = `{"jsonrpc":"2.0","id":1,"method":"Player.GetActivePlayers"}`

// IsPlaying reports whether Kodi lists at least one active player. Transient
// failures are retried a few times before the poll is given up.
func (h *KodiHost) IsPlaying(ctx context.Context) (bool, error) {
	var playing bool
	err := retry.Do(
		func() error {
			ok, err := h.activePlayers(ctx)
			if err != nil {
				return err
			}
			playing = ok
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("{player/hosts - KodiHost.IsPlaying} attempt %d failed: %v", n+1, err)
		}),
	)
	return playing, err
}

func (h *KodiHost) activePlayers(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewBufferString(activePlayersRequest))
	if err != nil {
		return false, retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, err
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("kodi rpc answered %d", resp.StatusCode)
	}

	res := gjson.ParseBytes(body)
	if msg := res.Get("error.message"); msg.Exists() {
		return false, retry.Unrecoverable(fmt.Errorf("kodi rpc: %s", msg.String()))
	}
	players := res.Get("result")
	if !players.IsArray() {
		return false, fmt.Errorf("kodi rpc: unexpected response %s", res.Raw)
	}
	return len(players.Array()) > 0, nil
}
