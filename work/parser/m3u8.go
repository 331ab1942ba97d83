package parser

import (
	"bufio"
	"io"

	"nvpn-proxy/work/types"

	"github.com/grafov/m3u8"
)

// ManifestInfo summarizes an HLS manifest.
type ManifestInfo struct {
	Master    bool   // a master playlist listing variants
	Variants  int    // number of variants in a master playlist
	Segments  int    // number of segments in a media playlist
	BestURI   string // variant URI with the highest bandwidth
	Bandwidth uint32 // bandwidth of BestURI
}

// InspectManifest decodes an HLS manifest with grafov/m3u8 in non-strict mode.
// It is a sanity check that the resolved URL really serves a playlist; a body
// that does not decode is a ProtocolError.
func InspectManifest(r io.Reader) (*ManifestInfo, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(r), false)
	if err != nil {
		return nil, types.Wrap(types.ProtocolError, "resolve.inspect", err)
	}

	info := &ManifestInfo{}
	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		info.Master = true
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			info.Variants++
			if v.Bandwidth >= info.Bandwidth {
				info.Bandwidth = v.Bandwidth
				info.BestURI = v.URI
			}
		}
		if info.Variants == 0 {
			return nil, types.Errorf(types.ProtocolError, "resolve.inspect", "master playlist has no variants")
		}

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		for _, seg := range media.Segments {
			if seg != nil {
				info.Segments++
			}
		}
	}

	return info, nil
}
