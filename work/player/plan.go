package player

import (
	"encoding/json"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/proxy"
	"nvpn-proxy/work/types"
	"nvpn-proxy/work/utils"
)

const (
	adaptiveAddon = "inputstream.adaptive"
	widevine      = "com.widevine.alpha"
)

// Options are the playback host capabilities and user choices a plan depends on.
type Options struct {
	UseAdaptive       bool   // user wants the adaptive player for HLS
	AdaptiveAvailable bool   // the host has the adaptive player installed
	PlayerVersion     int    // major version of the playback host
	RelayBaseURL      string // base URL of a running relay, empty when none
	LicenseURL        string // widevine license server
	UserAgent         string
	Referer           string
}

// OptionsFromConfig fills Options from the configuration. RelayBaseURL is
// left empty; it is only known once a relay is running.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		UseAdaptive:       cfg.UseAdaptive,
		AdaptiveAvailable: cfg.AdaptiveAvailable,
		PlayerVersion:     cfg.PlayerVersion,
		LicenseURL:        cfg.LicenseURL,
		UserAgent:         cfg.UserAgent,
		Referer:           cfg.Referer,
	}
}

// Plan is everything a playback host needs to start a channel.
type Plan struct {
	Channel    string            `json:"channel"`
	MediaType  types.MediaType   `json:"mediaType"`
	URL        string            `json:"url"`
	Relayed    bool              `json:"relayed"`
	Fallback   bool              `json:"fallback,omitempty"` // relay wanted but unavailable
	Properties map[string]string `json:"properties,omitempty"`
}

// NeedsRelay reports whether the stream should go through the local relay.
// Old hosts, hosts without the adaptive player and HLS the user wants on the
// built-in player all get the portal URL directly.
func NeedsRelay(desc *types.StreamDescriptor, opts Options) bool {
	direct := opts.PlayerVersion < 20 ||
		!opts.AdaptiveAvailable ||
		(desc.MediaType == types.MediaTypeHLS && !opts.UseAdaptive)
	return !direct
}

// BuildPlan turns a descriptor into a playback plan. headers are the media
// request headers (User-Agent, Referer, Cookie). The stream is relayed when
// NeedsRelay says so and opts.RelayBaseURL is set; a relay that is needed but
// missing yields a direct plan marked as Fallback, which still carries the
// adaptive properties with the plain request headers.
func BuildPlan(desc *types.StreamDescriptor, headers map[string]string, opts Options) (*Plan, error) {
	plan := &Plan{
		Channel:   desc.Channel,
		MediaType: desc.MediaType,
	}

	wantRelay := NeedsRelay(desc, opts)
	requestHeaders := headers
	switch {
	case wantRelay && opts.RelayBaseURL != "":
		encoded, err := json.Marshal(headers)
		if err != nil {
			return nil, types.Wrap(types.ProtocolError, "plan", err)
		}
		// the player hands this to the relay, which sends the inner map upstream
		requestHeaders = map[string]string{proxy.ForwardedHeadersKey: string(encoded)}
		plan.URL = opts.RelayBaseURL + "/proxy/" + desc.URL
		plan.Relayed = true
	default:
		plan.URL = desc.URL + "|" + utils.EncodeHeaders(headers)
		plan.Fallback = wantRelay
	}

	if opts.AdaptiveAvailable && (plan.Relayed || plan.Fallback || (desc.MediaType == types.MediaTypeHLS && opts.UseAdaptive)) {
		plan.Properties = adaptiveProperties(desc, requestHeaders, opts)
	}
	return plan, nil
}

func adaptiveProperties(desc *types.StreamDescriptor, requestHeaders map[string]string, opts Options) map[string]string {
	props := map[string]string{
		"inputstream": adaptiveAddon,
	}
	if opts.PlayerVersion < 20 {
		props[adaptiveAddon+".manifest_type"] = desc.MediaType.ManifestType()
	}
	if opts.PlayerVersion >= 19 {
		encoded := utils.EncodeHeaders(requestHeaders)
		props[adaptiveAddon+".manifest_headers"] = encoded
		props[adaptiveAddon+".stream_headers"] = encoded
	}

	if desc.MediaType == types.MediaTypeDASH && desc.DRM != nil && desc.DRM.CustomData != "" {
		licenseHeaders := map[string]string{
			"User-Agent":   opts.UserAgent,
			"Referer":      opts.Referer,
			"Content-Type": "",
			"customdata":   desc.DRM.CustomData,
		}
		props[adaptiveAddon+".license_type"] = widevine
		props[adaptiveAddon+".license_key"] = opts.LicenseURL + "|" + utils.EncodeHeaders(licenseHeaders) + "|R{SSM}|"
	}
	return props
}
