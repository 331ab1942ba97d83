package types

import (
	"net/http"
	"sync/atomic"
	"time"
)

// MediaType represents the manifest format of a resolved stream. The player
// page advertises several entries per channel and only the two formats below
// are playable through the relay or directly by the playback host.
type MediaType int

const (
	MediaTypeHLS  MediaType = iota // HTTP Live Streaming, index.m3u8 manifests
	MediaTypeDASH                  // MPEG-DASH, manifest.mpd manifests
)

// String returns the lowercase name the player page uses for the media type.
func (m MediaType) String() string {
	switch m {
	case MediaTypeHLS:
		return "hls"
	case MediaTypeDASH:
		return "dash"
	default:
		return "unknown"
	}
}

// MarshalText encodes the media type by name.
func (m MediaType) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ManifestType returns the manifest type label expected by adaptive players.
func (m MediaType) ManifestType() string {
	if m == MediaTypeDASH {
		return "mpd"
	}
	return "hls"
}

// DRMInfo carries the key system and the opaque custom data the license
// server expects. Nothing here is interpreted, it is passed through as is.
type DRMInfo struct {
	KeySystem  string `json:"keySystem"`
	CustomData string `json:"customData"`
}

// StreamDescriptor is the validated result of resolving a channel handle. It is
// created once per playback request and never mutated afterwards, so it may be
// shared freely between the planner, the relay and the logs.
type StreamDescriptor struct {
	Channel   string    `json:"channel"`       // channel handle this descriptor was resolved for
	MediaType MediaType `json:"mediaType"`     // HLS or DASH
	URL       string    `json:"url"`           // absolute manifest URL
	DRM       *DRMInfo  `json:"drm,omitempty"` // optional widevine data
	Variants  int       `json:"variants"`      // number of variants when the manifest was inspected
	Repaired  bool      `json:"repaired"`      // whether the playlist fragment needed repair
	Resolved  time.Time `json:"resolved"`      // when the descriptor was produced
}

// RelayRequest describes one inbound relay request while it is being served.
type RelayRequest struct {
	ID               string      // unique id for tracking
	Method           string      // HEAD or GET
	TargetURL        string      // upstream URL including any appended query
	ForwardedHeaders http.Header // headers decoded from the `h` request header
	ByteRange        string      // Range header as sent by the player, if any
	Started          time.Time   // when the request arrived
	BytesWritten     atomic.Int64
}

// RelayRequestInfo is a point in time copy of a RelayRequest suitable for JSON.
type RelayRequestInfo struct {
	ID           string    `json:"id"`
	Method       string    `json:"method"`
	TargetURL    string    `json:"target"`
	ByteRange    string    `json:"range,omitempty"`
	Started      time.Time `json:"started"`
	BytesWritten int64     `json:"bytes"`
}

// Info snapshots the request for status reporting.
func (r *RelayRequest) Info(obfuscate func(string) string) RelayRequestInfo {
	target := r.TargetURL
	if obfuscate != nil {
		target = obfuscate(target)
	}
	return RelayRequestInfo{
		ID:           r.ID,
		Method:       r.Method,
		TargetURL:    target,
		ByteRange:    r.ByteRange,
		Started:      r.Started,
		BytesWritten: r.BytesWritten.Load(),
	}
}

// RelayServerHandle is the externally visible state of the relay listener.
type RelayServerHandle struct {
	BoundAddress string `json:"address"`
	BoundPort    int    `json:"port"`
	Running      bool   `json:"running"`
}
