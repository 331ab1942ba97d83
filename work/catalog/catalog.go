package catalog

import (
	"strings"

	"nvpn-proxy/work/config"
)

// Channel is one playable channel of the public broadcaster.
type Channel struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
}

var builtin = []Channel{
	{Handle: "mtv1live", Name: "M1", Icon: "https://upload.wikimedia.org/wikipedia/en/thumb/a/ac/M1_logo_2012.png/896px-M1_logo_2012.png"},
	{Handle: "mtv2live", Name: "M2", Icon: "https://upload.wikimedia.org/wikipedia/commons/b/b5/M2_gyerekcsatorna_log%C3%B3ja.png"},
	{Handle: "mtv4live", Name: "M4 Sport", Icon: "https://upload.wikimedia.org/wikipedia/hu/thumb/f/fd/M4_logo.png/200px-M4_logo.png"},
	// not officially offered through the portal but resolves
	{Handle: "mtv4plus", Name: "M4 Sport+", Icon: "https://upload.wikimedia.org/wikipedia/commons/5/5b/M4_Sport%2B_logo.png"},
	{Handle: "mtv5live", Name: "M5", Icon: "https://upload.wikimedia.org/wikipedia/commons/b/b4/M5logo.png"},
	{Handle: "dunalive", Name: "Duna", Icon: "https://upload.wikimedia.org/wikipedia/en/2/24/Duna_logo_2012.png"},
	{Handle: "dunaworldlive", Name: "Duna World", Icon: "https://upload.wikimedia.org/wikipedia/commons/thumb/e/e6/Duna_World_HD_2012.svg/1200px-Duna_World_HD_2012.svg.png"},
}

// Catalog is the ordered channel list.
type Catalog struct {
	channels []Channel
	byHandle map[string]int
}

// New builds the catalog from the built-in list and the configured channels.
// A configured handle that already exists replaces that entry's non-empty
// fields in place; new handles are appended in configuration order.
func New(cfg *config.Config) *Catalog {
	c := &Catalog{byHandle: make(map[string]int)}
	for _, ch := range builtin {
		c.add(ch)
	}

	for _, o := range cfg.Channels {
		handle := strings.TrimSpace(o.Handle)
		if handle == "" {
			continue
		}
		i, ok := c.byHandle[handle]
		if !ok {
			name := o.Name
			if name == "" {
				name = handle
			}
			c.add(Channel{Handle: handle, Name: name, Icon: o.Icon})
			continue
		}
		if o.Name != "" {
			c.channels[i].Name = o.Name
		}
		if o.Icon != "" {
			c.channels[i].Icon = o.Icon
		}
	}
	return c
}

func (c *Catalog) add(ch Channel) {
	c.byHandle[ch.Handle] = len(c.channels)
	c.channels = append(c.channels, ch)
}

// All returns a copy of the channel list.
func (c *Catalog) All() []Channel {
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Filter returns a catalog holding only the channels keep accepts.
func (c *Catalog) Filter(keep func(Channel) bool) *Catalog {
	out := &Catalog{byHandle: make(map[string]int)}
	for _, ch := range c.channels {
		if keep(ch) {
			out.add(ch)
		}
	}
	return out
}

// Lookup finds a channel by handle.
func (c *Catalog) Lookup(handle string) (Channel, bool) {
	i, ok := c.byHandle[strings.TrimSpace(handle)]
	if !ok {
		return Channel{}, false
	}
	return c.channels[i], true
}
