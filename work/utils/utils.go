package utils

import (
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"nvpn-proxy/work/config"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// LogURL returns either the original URL or an obfuscated version for logging
func LogURL(cfg *config.Config, url string) string {
	return LogURLWithFlag(cfg.ObfuscateUrls, url)
}

// LogURLWithFlag is LogURL for callers that only hold the flag.
func LogURLWithFlag(obfuscate bool, url string) string {
	if obfuscate {
		return ObfuscateURL(url)
	}
	return url
}

// ObfuscateURL keeps the scheme and host and masks everything else.
//
// Example:
//
//	Input:  "https://vpn.example/PT/https://cdn.example/index.m3u8?token=abc"
//	Output: "https://vpn.example/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}

// ASCIIName strips accents and drops anything outside printable ASCII so the
// value is safe in a response header, e.g. "Közmédia" -> "Kozmedia".
func ASCIIName(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	for _, r := range folded {
		if r >= 0x20 && r < 0x7f {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// HeaderMap flattens an http.Header into a single-valued map with canonical
// keys, the shape used in the relay `h` header and in player properties.
func HeaderMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = v[0]
	}
	return out
}

// EncodeHeaders renders a header map as a sorted URL-encoded query string,
// the form players accept after a `|` separator.
func EncodeHeaders(headers map[string]string) string {
	values := make(url.Values, len(headers))
	for k, v := range headers {
		values.Set(k, v)
	}
	return values.Encode()
}

// IsHTTPOrHTTPS reports whether raw is an absolute http or https URL.
func IsHTTPOrHTTPS(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	s := strings.ToLower(u.Scheme)
	return s == "http" || s == "https"
}
