package filter

import (
	"strings"

	"nvpn-proxy/work/catalog"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/types"

	"github.com/grafana/regexp"
)

// ChannelFilter selects catalog channels by regular expressions matched
// against the lowercased handle and name.
type ChannelFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// New compiles include and exclude patterns. An empty pattern disables that
// side of the filter.
func New(include, exclude string) (*ChannelFilter, error) {
	f := &ChannelFilter{}

	if include != "" {
		compiled, err := regexp.Compile(include)
		if err != nil {
			return nil, types.Wrap(types.ConfigurationError, "filter include", err)
		}
		f.Include = compiled
	}
	if exclude != "" {
		compiled, err := regexp.Compile(exclude)
		if err != nil {
			return nil, types.Wrap(types.ConfigurationError, "filter exclude", err)
		}
		f.Exclude = compiled
	}
	return f, nil
}

// Empty reports whether the filter lets everything through.
func (f *ChannelFilter) Empty() bool {
	return f == nil || (f.Include == nil && f.Exclude == nil)
}

// Match reports whether ch passes the filter. Include is checked first; a
// channel must match it on either field when it is set, and must not match
// Exclude on either field.
func (f *ChannelFilter) Match(ch catalog.Channel) bool {
	if f.Empty() {
		return true
	}

	handle := strings.TrimSpace(strings.ToLower(ch.Handle))
	name := strings.TrimSpace(strings.ToLower(ch.Name))

	if f.Include != nil && !f.Include.MatchString(handle) && !f.Include.MatchString(name) {
		logger.Debug("{filter - Match} excluded by include pattern: %s", ch.Handle)
		return false
	}
	if f.Exclude != nil && (f.Exclude.MatchString(handle) || f.Exclude.MatchString(name)) {
		logger.Debug("{filter - Match} excluded by exclude pattern: %s", ch.Handle)
		return false
	}
	return true
}

// Channels returns the channels of in that pass the filter, in order.
func (f *ChannelFilter) Channels(in []catalog.Channel) []catalog.Channel {
	if f.Empty() {
		return in
	}
	out := make([]catalog.Channel, 0, len(in))
	for _, ch := range in {
		if f.Match(ch) {
			out = append(out, ch)
		}
	}
	logger.Debug("{filter - Channels} filtered %d -> %d channels", len(in), len(out))
	return out
}
