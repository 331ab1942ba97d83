package resolver

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/metrics"
	"nvpn-proxy/work/parser"
	"nvpn-proxy/work/portal"
	"nvpn-proxy/work/types"
	"nvpn-proxy/work/utils"
)

// Resolver turns a channel handle into a validated StreamDescriptor by loading
// the player page through the portal and extracting its playlist.
type Resolver struct {
	config   *config.Config
	client   *client.PortalClient
	sessions *portal.SessionManager
	upstream *http.Client
}

// New creates a Resolver. upstream is only used when VerifyManifest is set
// and may be nil otherwise.
func New(cfg *config.Config, pc *client.PortalClient, sessions *portal.SessionManager, upstream *http.Client) *Resolver {
	return &Resolver{
		config:   cfg,
		client:   pc,
		sessions: sessions,
		upstream: upstream,
	}
}

// PlayerURL returns the player page URL for a channel handle.
func (r *Resolver) PlayerURL(handle string) string {
	q := url.Values{}
	q.Set("noflash", "yes")
	q.Set("video", handle)
	return r.config.PortalEndpoint(r.config.PlayerPath) + "?" + q.Encode()
}

// MediaHeaders are the headers the player, or the relay on its behalf, must
// send for manifests and segments served through the portal.
func MediaHeaders(cfg *config.Config, session *portal.Session) map[string]string {
	h := map[string]string{
		"User-Agent": cfg.UserAgent,
		"Referer":    cfg.Referer,
	}
	if c := session.CookieHeader(); c != "" {
		h["Cookie"] = c
	}
	return h
}

// Resolve loads the player page for handle and returns the stream descriptor
// together with the session that produced it. A redirect or 401 from the
// player endpoint means the session expired: the session is re-authenticated
// exactly once and the request retried once.
func (r *Resolver) Resolve(ctx context.Context, handle string) (desc *types.StreamDescriptor, session *portal.Session, err error) {
	defer func() {
		metrics.ManifestResolutions.WithLabelValues(metrics.Result(err)).Inc()
	}()

	if strings.TrimSpace(handle) == "" {
		return nil, nil, types.Errorf(types.ConfigurationError, "resolve", "empty channel handle")
	}

	session, err = r.sessions.EnsureAuthenticated(ctx)
	if err != nil {
		return nil, nil, err
	}

	page, status, err := r.fetchPlayer(ctx, handle, session)
	if err != nil {
		return nil, nil, err
	}

	if sessionExpired(status) {
		logger.Info("{resolver/resolver - Resolve} player page answered %d, re-authenticating", status)
		session, err = r.sessions.Reauthenticate(ctx, session)
		if err != nil {
			return nil, nil, err
		}
		page, status, err = r.fetchPlayer(ctx, handle, session)
		if err != nil {
			return nil, nil, err
		}
		if sessionExpired(status) {
			return nil, nil, &types.Error{Kind: types.ProtocolError, Op: "resolve", Message: "session rejected again after re-authentication", StatusCode: status}
		}
	}

	if status != http.StatusOK {
		return nil, nil, types.Status("resolve", status)
	}

	playlist, err := parser.ExtractPlaylist(page)
	if err != nil {
		return nil, nil, err
	}
	sel, err := parser.SelectStream(playlist.Entries)
	if err != nil {
		return nil, nil, err
	}

	streamURL, err := r.absolute(sel.URL)
	if err != nil {
		return nil, nil, err
	}

	desc = &types.StreamDescriptor{
		Channel:   handle,
		MediaType: sel.MediaType,
		URL:       streamURL,
		Repaired:  playlist.Repaired,
		Resolved:  time.Now(),
	}
	if sel.CustomData != "" {
		desc.DRM = &types.DRMInfo{KeySystem: "com.widevine.alpha", CustomData: sel.CustomData}
	}

	if r.config.VerifyManifest && desc.MediaType == types.MediaTypeHLS {
		if err := r.verify(ctx, desc, session); err != nil {
			return nil, nil, err
		}
	}

	logger.Info("{resolver/resolver - Resolve} %s resolved to %s stream %s", handle, desc.MediaType, utils.LogURL(r.config, desc.URL))
	return desc, session, nil
}

func (r *Resolver) fetchPlayer(ctx context.Context, handle string, session *portal.Session) ([]byte, int, error) {
	resp, err := r.client.Get(ctx, r.PlayerURL(handle), session.CookieHeader())
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		client.DrainAndClose(resp)
		return nil, resp.StatusCode, nil
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// absolute resolves a possibly relative stream URL against the portal origin.
func (r *Resolver) absolute(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", types.Wrap(types.ProtocolError, "resolve", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(r.config.PortalURL + "/")
	if err != nil {
		return "", types.Wrap(types.ConfigurationError, "resolve", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// verify fetches the HLS manifest and checks that it decodes.
func (r *Resolver) verify(ctx context.Context, desc *types.StreamDescriptor, session *portal.Session) error {
	if r.upstream == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return types.Wrap(types.ProtocolError, "resolve.inspect", err)
	}
	for k, v := range MediaHeaders(r.config, session) {
		req.Header.Set(k, v)
	}

	resp, err := r.upstream.Do(req)
	if err != nil {
		return types.Wrap(types.TransportError, "resolve.inspect", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.Status("resolve.inspect", resp.StatusCode)
	}

	info, err := parser.InspectManifest(resp.Body)
	if err != nil {
		return err
	}
	desc.Variants = info.Variants
	logger.Debug("{resolver/resolver - verify} manifest ok, master=%v variants=%d segments=%d", info.Master, info.Variants, info.Segments)
	return nil
}

func sessionExpired(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect, http.StatusUnauthorized:
		return true
	}
	return false
}
