package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/types"
)

// openSSLCiphers maps the OpenSSL names the portal documentation uses to Go
// cipher suite ids.
var openSSLCiphers = map[string]uint16{
	"AES128-SHA":                  tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"AES256-SHA":                  tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"AES128-GCM-SHA256":           tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"AES256-GCM-SHA384":           tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"ECDHE-RSA-AES128-SHA":        tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"ECDHE-RSA-AES256-SHA":        tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"ECDHE-RSA-AES128-GCM-SHA256": tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"ECDHE-RSA-AES256-GCM-SHA384": tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
}

// CipherSuites resolves cipher names to ids. Both OpenSSL names and Go
// constant names (TLS_RSA_WITH_AES_128_CBC_SHA) are accepted.
func CipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	byGoName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byGoName[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		byGoName[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if id, ok := openSSLCiphers[strings.ToUpper(name)]; ok {
			ids = append(ids, id)
			continue
		}
		if id, ok := byGoName[strings.ToUpper(name)]; ok {
			ids = append(ids, id)
			continue
		}
		return nil, types.Errorf(types.ConfigurationError, "tls", "unknown cipher suite %q", name)
	}
	return ids, nil
}

// LoadCertPool reads a PEM bundle into a pool holding only those certificates.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Wrap(types.ConfigurationError, "tls", fmt.Errorf("read certificate: %w", err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, types.Errorf(types.ConfigurationError, "tls", "no certificates found in %s", path)
	}
	return pool, nil
}

// NewTLSConfig builds the portal TLS configuration: the pinned certificate as
// the only root when one is configured and the legacy cipher list.
func NewTLSConfig(cfg *config.Config) (*tls.Config, error) {
	suites, err := CipherSuites(cfg.TLSCiphers)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		CipherSuites: suites,
	}

	if cfg.CertPath != "" {
		pool, err := LoadCertPool(cfg.CertPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// NewTransport returns an http.Transport using the portal TLS configuration.
// The weak cipher list lives only here; nothing on the relay's listening side
// uses it.
func NewTransport(cfg *config.Config) (*http.Transport, error) {
	tlsConfig, err := NewTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}
