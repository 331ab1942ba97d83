package parser

import (
	"encoding/json"
	"strings"

	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/types"

	"github.com/grafana/regexp"
	"github.com/tidwall/gjson"
)

// repairSuffix closes the object nesting the player page leaves open when the
// playlist fragment is cut at the first closing bracket.
const repairSuffix = "}}}]"

// playlistPattern locates the playlist array in the player page script. The
// capture intentionally stops at the first ']' which is why the fragment may
// need repairSuffix.
var playlistPattern = regexp.MustCompile(`['"]playlist['"]\s*:\s*(\[[^\]]+\])`)

// Playlist is the parsed playlist array of a player page.
type Playlist struct {
	Entries  []json.RawMessage // one raw JSON object per entry
	Fragment string            // the fragment exactly as it was parsed
	Repaired bool              // whether repairSuffix had to be appended
}

// ExtractPlaylist finds and parses the playlist array embedded in a player
// page. The fragment is parsed strictly first; only if that fails is the single
// known repair applied. A fragment that is still invalid is a ProtocolError
// carrying the fragment, a page without a fragment is a ProtocolError too.
func ExtractPlaylist(page []byte) (*Playlist, error) {
	m := playlistPattern.FindSubmatch(page)
	if m == nil {
		return nil, types.Errorf(types.ProtocolError, "resolve.extract", "playlist field not found in player page")
	}
	fragment := string(m[1])

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(fragment), &entries); err == nil {
		return &Playlist{Entries: entries, Fragment: fragment}, nil
	}

	repaired := fragment + repairSuffix
	if err := json.Unmarshal([]byte(repaired), &entries); err != nil {
		logger.Error("{parser/playlist - ExtractPlaylist} unparsable playlist fragment: %s", fragment)
		return nil, &types.Error{
			Kind:    types.ProtocolError,
			Op:      "resolve.extract",
			Message: "unparsable playlist fragment: " + fragment,
			Err:     err,
		}
	}

	logger.Debug("{parser/playlist - ExtractPlaylist} playlist fragment repaired with %q", repairSuffix)
	return &Playlist{Entries: entries, Fragment: repaired, Repaired: true}, nil
}

// Selection is the entry chosen from a playlist.
type Selection struct {
	MediaType  types.MediaType
	URL        string
	CustomData string // drm.widevine.customData, empty when absent
	Index      int    // position of the entry in the playlist
}

// SelectStream picks the first HLS entry whose file contains index.m3u8 and,
// only when there is none, the first DASH entry whose file contains
// manifest.mpd. No match is a ProtocolError.
func SelectStream(entries []json.RawMessage) (*Selection, error) {
	dash := -1
	for i, raw := range entries {
		entry := gjson.ParseBytes(raw)
		kind := strings.ToLower(entry.Get("type").String())
		file := entry.Get("file").String()

		switch {
		case kind == "hls" && strings.Contains(file, "index.m3u8"):
			return selection(types.MediaTypeHLS, entry, i), nil
		case kind == "dash" && strings.Contains(file, "manifest.mpd") && dash < 0:
			dash = i
		}
	}

	if dash >= 0 {
		return selection(types.MediaTypeDASH, gjson.ParseBytes(entries[dash]), dash), nil
	}
	return nil, types.Errorf(types.ProtocolError, "resolve.select", "no supported stream in %d playlist entries", len(entries))
}

func selection(mt types.MediaType, entry gjson.Result, index int) *Selection {
	return &Selection{
		MediaType:  mt,
		URL:        strings.TrimSpace(entry.Get("file").String()),
		CustomData: entry.Get("drm.widevine.customData").String(),
		Index:      index,
	}
}
