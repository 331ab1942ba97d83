package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"nvpn-proxy/work/logger"
)

// DefaultPath is where the service looks for its settings when no path is given.
const DefaultPath = "/settings/config.json"

// portal login variants
const (
	VariantRSA  = "rsa"
	VariantForm = "form"
)

// playback host kinds
const (
	HostRelay = "relay"
	HostKodi  = "kodi"
)

// Config holds every setting the relay subsystem needs. A single instance is
// built at startup and passed explicitly into each component constructor.
type Config struct {
	// portal
	PortalURL         string        `json:"portalURL"`         // scheme and host of the portal, e.g. https://vpn.nvt.gov.hu
	PortalVariant     string        `json:"portalVariant"`     // "rsa" or "form"
	LoginPath         string        `json:"loginPath"`         // variant A login form target
	PublicKeyPath     string        `json:"publicKeyPath"`     // variant A script holding the RSA modulus/exponent
	Realm             string        `json:"realm"`             // variant A selected realm
	RequestedURL      string        `json:"requestedURL"`      // target stored in the CPCVPN_REQUESTED_URL cookie
	FormLoginPath     string        `json:"formLoginPath"`     // variant B login target
	FormUserField     string        `json:"formUserField"`     // variant B username field name
	FormPasswordField string        `json:"formPasswordField"` // variant B password field name
	FormConfirmPath   string        `json:"formConfirmPath"`   // variant B follow-up script resource
	PlayerPath        string        `json:"playerPath"`        // player page path on the portal
	Referer           string        `json:"referer"`           // Referer sent with player and media requests
	UserAgent         string        `json:"userAgent"`         // browser-like User-Agent
	CertPath          string        `json:"certPath"`          // PEM bundle trusted for the portal, empty means system roots
	TLSCiphers        []string      `json:"tlsCiphers"`        // OpenSSL or Go cipher suite names
	RequestTimeout    time.Duration `json:"requestTimeout"`    // per request timeout for portal calls
	PortalRateLimit   int           `json:"portalRateLimit"`   // portal requests per second
	PublicKeyCacheTTL time.Duration `json:"publicKeyCacheTTL"` // how long a fetched RSA key is reused
	VerifyManifest    bool          `json:"verifyManifest"`    // fetch and parse HLS manifests after resolving

	// relay
	RelayAddress       string        `json:"relayAddress"`       // bind address of the local relay
	RelayPort          int           `json:"relayPort"`          // bind port of the local relay
	RelayChunkSize     int           `json:"relayChunkSize"`     // upstream read size in bytes
	RelayShutdownGrace time.Duration `json:"relayShutdownGrace"` // grace period for in-flight streams on stop
	RelayIdleTimeout   time.Duration `json:"relayIdleTimeout"`   // keep-alive idle timeout for relay connections

	// playback
	UseAdaptive          bool          `json:"useAdaptive"`          // prefer the adaptive player for HLS
	AdaptiveAvailable    bool          `json:"adaptiveAvailable"`    // whether the host has an adaptive player
	PlayerVersion        int           `json:"playerVersion"`        // major version of the playback host
	PlaybackHost         string        `json:"playbackHost"`         // "relay" or "kodi"
	KodiRPCURL           string        `json:"kodiRPCURL"`           // JSON-RPC endpoint when PlaybackHost is kodi
	PlaybackPollInterval time.Duration `json:"playbackPollInterval"` // interval between playback checks
	PlaybackStartPolls   int           `json:"playbackStartPolls"`   // polls to wait for playback to begin
	LicenseURL           string        `json:"licenseURL"`           // widevine license server, passed through untouched

	// catalog
	CheckWorkers int             `json:"checkWorkers"` // concurrent channel checks
	Channels     []ChannelConfig `json:"channels"`     // optional catalog override

	// storage and logging
	DatabasePath  string `json:"databasePath"`
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB"`
	LogMaxBackups int    `json:"logMaxBackups"`
	LogMaxAgeDays int    `json:"logMaxAgeDays"`
	Debug         bool   `json:"debug"`
	ObfuscateUrls bool   `json:"obfuscateUrls"`
}

// ChannelConfig overrides or extends one catalog entry.
type ChannelConfig struct {
	Handle string `json:"handle"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
}

// ConfigFile represents the JSON file structure. Duration fields are strings
// (e.g. "10s") and are parsed into time.Duration by convertFromFile.
type ConfigFile struct {
	PortalURL            string          `json:"portalURL"`
	PortalVariant        string          `json:"portalVariant"`
	LoginPath            string          `json:"loginPath"`
	PublicKeyPath        string          `json:"publicKeyPath"`
	Realm                string          `json:"realm"`
	RequestedURL         string          `json:"requestedURL"`
	FormLoginPath        string          `json:"formLoginPath"`
	FormUserField        string          `json:"formUserField"`
	FormPasswordField    string          `json:"formPasswordField"`
	FormConfirmPath      string          `json:"formConfirmPath"`
	PlayerPath           string          `json:"playerPath"`
	Referer              string          `json:"referer"`
	UserAgent            string          `json:"userAgent"`
	CertPath             string          `json:"certPath"`
	TLSCiphers           []string        `json:"tlsCiphers"`
	RequestTimeout       string          `json:"requestTimeout"`
	PortalRateLimit      int             `json:"portalRateLimit"`
	PublicKeyCacheTTL    string          `json:"publicKeyCacheTTL"`
	VerifyManifest       bool            `json:"verifyManifest"`
	RelayAddress         string          `json:"relayAddress"`
	RelayPort            int             `json:"relayPort"`
	RelayChunkSize       int             `json:"relayChunkSize"`
	RelayShutdownGrace   string          `json:"relayShutdownGrace"`
	RelayIdleTimeout     string          `json:"relayIdleTimeout"`
	UseAdaptive          bool            `json:"useAdaptive"`
	AdaptiveAvailable    *bool           `json:"adaptiveAvailable"`
	PlayerVersion        int             `json:"playerVersion"`
	PlaybackHost         string          `json:"playbackHost"`
	KodiRPCURL           string          `json:"kodiRPCURL"`
	PlaybackPollInterval string          `json:"playbackPollInterval"`
	PlaybackStartPolls   int             `json:"playbackStartPolls"`
	LicenseURL           string          `json:"licenseURL"`
	CheckWorkers         int             `json:"checkWorkers"`
	Channels             []ChannelConfig `json:"channels"`
	DatabasePath         string          `json:"databasePath"`
	LogLevel             string          `json:"logLevel"`
	LogFile              string          `json:"logFile"`
	LogMaxSizeMB         int             `json:"logMaxSizeMB"`
	LogMaxBackups        int             `json:"logMaxBackups"`
	LogMaxAgeDays        int             `json:"logMaxAgeDays"`
	Debug                bool            `json:"debug"`
	ObfuscateUrls        bool            `json:"obfuscateUrls"`
}

// Load reads the configuration at path. A missing or unparsable file falls
// back to the defaults with a warning; the result is always validated.
//
// Parameters:
//   - path: JSON config file, DefaultPath when empty
//
// Returns:
//   - *Config: fully validated configuration object
func Load(path string) *Config {
	if path == "" {
		path = DefaultPath
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		logger.Warn("{config/config - Load} failed to load config from %s: %v", path, err)
		logger.Warn("{config/config - Load} falling back to default configuration")
		cfg = Default()
	}

	validateAndSetDefaults(cfg)

	if cfg.Debug {
		logger.Debug("{config/config - Load} portal: %s (variant %s)", cfg.PortalURL, cfg.PortalVariant)
		logger.Debug("{config/config - Load} relay: %s:%d chunk %d", cfg.RelayAddress, cfg.RelayPort, cfg.RelayChunkSize)
		logger.Debug("{config/config - Load} playback host: %s, player version %d", cfg.PlaybackHost, cfg.PlayerVersion)
	}

	return cfg
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left at zero and defaulted later.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		PortalURL:          cf.PortalURL,
		PortalVariant:      cf.PortalVariant,
		LoginPath:          cf.LoginPath,
		PublicKeyPath:      cf.PublicKeyPath,
		Realm:              cf.Realm,
		RequestedURL:       cf.RequestedURL,
		FormLoginPath:      cf.FormLoginPath,
		FormUserField:      cf.FormUserField,
		FormPasswordField:  cf.FormPasswordField,
		FormConfirmPath:    cf.FormConfirmPath,
		PlayerPath:         cf.PlayerPath,
		Referer:            cf.Referer,
		UserAgent:          cf.UserAgent,
		CertPath:           cf.CertPath,
		TLSCiphers:         cf.TLSCiphers,
		PortalRateLimit:    cf.PortalRateLimit,
		VerifyManifest:     cf.VerifyManifest,
		RelayAddress:       cf.RelayAddress,
		RelayPort:          cf.RelayPort,
		RelayChunkSize:     cf.RelayChunkSize,
		UseAdaptive:        cf.UseAdaptive,
		AdaptiveAvailable:  true,
		PlayerVersion:      cf.PlayerVersion,
		PlaybackHost:       cf.PlaybackHost,
		KodiRPCURL:         cf.KodiRPCURL,
		PlaybackStartPolls: cf.PlaybackStartPolls,
		LicenseURL:         cf.LicenseURL,
		CheckWorkers:       cf.CheckWorkers,
		Channels:           cf.Channels,
		DatabasePath:       cf.DatabasePath,
		LogLevel:           cf.LogLevel,
		LogFile:            cf.LogFile,
		LogMaxSizeMB:       cf.LogMaxSizeMB,
		LogMaxBackups:      cf.LogMaxBackups,
		LogMaxAgeDays:      cf.LogMaxAgeDays,
		Debug:              cf.Debug,
		ObfuscateUrls:      cf.ObfuscateUrls,
	}
	if cf.AdaptiveAvailable != nil {
		cfg.AdaptiveAvailable = *cf.AdaptiveAvailable
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"requestTimeout", cf.RequestTimeout, &cfg.RequestTimeout},
		{"publicKeyCacheTTL", cf.PublicKeyCacheTTL, &cfg.PublicKeyCacheTTL},
		{"relayShutdownGrace", cf.RelayShutdownGrace, &cfg.RelayShutdownGrace},
		{"relayIdleTimeout", cf.RelayIdleTimeout, &cfg.RelayIdleTimeout},
		{"playbackPollInterval", cf.PlaybackPollInterval, &cfg.PlaybackPollInterval},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}

	return cfg, nil
}

// Default returns the baseline configuration for the hungarian public media
// portal, used when no file is present.
func Default() *Config {
	return &Config{
		PortalURL:            "https://vpn.nvt.gov.hu",
		PortalVariant:        VariantRSA,
		LoginPath:            "/Login/Login",
		PublicKeyPath:        "/Login/JS_RSA.js",
		Realm:                "ssl_vpn",
		RequestedURL:         "https://vpn.nvt.gov.hu/PT/https://m4sport.hu/",
		FormLoginPath:        "/remote/logincheck",
		FormUserField:        "username",
		FormPasswordField:    "credential",
		FormConfirmPath:      "/remote/fgt_lang?lang=en",
		PlayerPath:           "/PT/https://player.mediaklikk.hu/playernew/player.php",
		Referer:              "https://vpn.nvt.gov.hu/PT/https://mediaklikk.hu",
		UserAgent:            "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36 GLS/100.10.9939.100",
		TLSCiphers:           []string{"AES128-SHA"},
		RequestTimeout:       15 * time.Second,
		PortalRateLimit:      5,
		PublicKeyCacheTTL:    10 * time.Minute,
		RelayAddress:         "127.0.0.1",
		RelayPort:            8090,
		RelayChunkSize:       32 * 1024,
		RelayShutdownGrace:   2 * time.Second,
		RelayIdleTimeout:     60 * time.Second,
		AdaptiveAvailable:    true,
		PlayerVersion:        21,
		PlaybackHost:         HostRelay,
		KodiRPCURL:           "http://127.0.0.1:8080/jsonrpc",
		PlaybackPollInterval: time.Second,
		PlaybackStartPolls:   8,
		LicenseURL:           "https://wv-keyos.licensekeyserver.com/",
		CheckWorkers:         4,
		DatabasePath:         "/settings/nvpn.db",
		LogLevel:             "INFO",
		LogMaxSizeMB:         10,
		LogMaxBackups:        3,
		LogMaxAgeDays:        28,
	}
}

// validateAndSetDefaults fills missing or invalid values from Default.
func validateAndSetDefaults(cfg *Config) {
	def := Default()

	setString := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setDuration := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}

	setString(&cfg.PortalURL, def.PortalURL)
	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")
	cfg.PortalVariant = strings.ToLower(strings.TrimSpace(cfg.PortalVariant))
	if cfg.PortalVariant != VariantRSA && cfg.PortalVariant != VariantForm {
		if cfg.PortalVariant != "" {
			logger.Warn("{config/config - validateAndSetDefaults} unknown portal variant %q, using %s", cfg.PortalVariant, def.PortalVariant)
		}
		cfg.PortalVariant = def.PortalVariant
	}
	setString(&cfg.LoginPath, def.LoginPath)
	setString(&cfg.PublicKeyPath, def.PublicKeyPath)
	setString(&cfg.Realm, def.Realm)
	setString(&cfg.RequestedURL, def.RequestedURL)
	setString(&cfg.FormLoginPath, def.FormLoginPath)
	setString(&cfg.FormUserField, def.FormUserField)
	setString(&cfg.FormPasswordField, def.FormPasswordField)
	setString(&cfg.FormConfirmPath, def.FormConfirmPath)
	setString(&cfg.PlayerPath, def.PlayerPath)
	setString(&cfg.Referer, def.Referer)
	setString(&cfg.UserAgent, def.UserAgent)
	if len(cfg.TLSCiphers) == 0 {
		cfg.TLSCiphers = def.TLSCiphers
	}
	setDuration(&cfg.RequestTimeout, def.RequestTimeout)
	setInt(&cfg.PortalRateLimit, def.PortalRateLimit)
	setDuration(&cfg.PublicKeyCacheTTL, def.PublicKeyCacheTTL)

	setString(&cfg.RelayAddress, def.RelayAddress)
	if cfg.RelayPort <= 0 || cfg.RelayPort > 65535 {
		cfg.RelayPort = def.RelayPort
	}
	setInt(&cfg.RelayChunkSize, def.RelayChunkSize)
	setDuration(&cfg.RelayShutdownGrace, def.RelayShutdownGrace)
	setDuration(&cfg.RelayIdleTimeout, def.RelayIdleTimeout)

	setInt(&cfg.PlayerVersion, def.PlayerVersion)
	cfg.PlaybackHost = strings.ToLower(strings.TrimSpace(cfg.PlaybackHost))
	if cfg.PlaybackHost != HostRelay && cfg.PlaybackHost != HostKodi {
		cfg.PlaybackHost = def.PlaybackHost
	}
	setString(&cfg.KodiRPCURL, def.KodiRPCURL)
	setDuration(&cfg.PlaybackPollInterval, def.PlaybackPollInterval)
	setInt(&cfg.PlaybackStartPolls, def.PlaybackStartPolls)
	setString(&cfg.LicenseURL, def.LicenseURL)

	setInt(&cfg.CheckWorkers, def.CheckWorkers)
	setString(&cfg.DatabasePath, def.DatabasePath)
	setString(&cfg.LogLevel, def.LogLevel)
	setInt(&cfg.LogMaxSizeMB, def.LogMaxSizeMB)
	setInt(&cfg.LogMaxBackups, def.LogMaxBackups)
	setInt(&cfg.LogMaxAgeDays, def.LogMaxAgeDays)
	if cfg.Debug {
		cfg.LogLevel = "DEBUG"
	}
}

// Validate reports settings that make the portal unusable. It is separate
// from the defaulting pass because the relay alone can run without a portal.
func (c *Config) Validate() error {
	u, err := url.Parse(c.PortalURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("portalURL %q is not an absolute http(s) URL", c.PortalURL)
	}
	if c.CertPath != "" {
		if _, err := os.Stat(c.CertPath); err != nil {
			return fmt.Errorf("certPath: %w", err)
		}
	}
	return nil
}

// PortalEndpoint joins the portal origin with a path.
func (c *Config) PortalEndpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.PortalURL + path
}

// RelayBaseURL is the URL players use to reach the local relay.
func (c *Config) RelayBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.RelayAddress, c.RelayPort)
}

// StoreOverrides are the user settings kept in the credential store that take
// precedence over the file.
type StoreOverrides struct {
	RelayAddress  string
	RelayPort     string
	UseAdaptive   string
	PlayerVersion string
}

// ApplyStoreOverrides merges non-empty store values into the configuration.
// Unparsable values are logged and ignored.
func (c *Config) ApplyStoreOverrides(o StoreOverrides) {
	if o.RelayAddress != "" {
		c.RelayAddress = o.RelayAddress
	}
	if o.RelayPort != "" {
		var port int
		if _, err := fmt.Sscanf(o.RelayPort, "%d", &port); err == nil && port > 0 && port <= 65535 {
			c.RelayPort = port
		} else {
			logger.Warn("{config/config - ApplyStoreOverrides} ignoring invalid webport %q", o.RelayPort)
		}
	}
	if o.UseAdaptive != "" {
		switch strings.ToLower(o.UseAdaptive) {
		case "true", "1", "yes", "on":
			c.UseAdaptive = true
		case "false", "0", "no", "off":
			c.UseAdaptive = false
		default:
			logger.Warn("{config/config - ApplyStoreOverrides} ignoring invalid useisa %q", o.UseAdaptive)
		}
	}
	if o.PlayerVersion != "" {
		var v int
		if _, err := fmt.Sscanf(o.PlayerVersion, "%d", &v); err == nil && v > 0 {
			c.PlayerVersion = v
		} else {
			logger.Warn("{config/config - ApplyStoreOverrides} ignoring invalid player version %q", o.PlayerVersion)
		}
	}
}

// CreateExampleConfig writes the default configuration to path.
func CreateExampleConfig(path string) error {
	def := Default()
	available := def.AdaptiveAvailable
	example := ConfigFile{
		PortalURL:            def.PortalURL,
		PortalVariant:        def.PortalVariant,
		LoginPath:            def.LoginPath,
		PublicKeyPath:        def.PublicKeyPath,
		Realm:                def.Realm,
		RequestedURL:         def.RequestedURL,
		FormLoginPath:        def.FormLoginPath,
		FormUserField:        def.FormUserField,
		FormPasswordField:    def.FormPasswordField,
		FormConfirmPath:      def.FormConfirmPath,
		PlayerPath:           def.PlayerPath,
		Referer:              def.Referer,
		UserAgent:            def.UserAgent,
		CertPath:             "/settings/portal.pem",
		TLSCiphers:           def.TLSCiphers,
		RequestTimeout:       def.RequestTimeout.String(),
		PortalRateLimit:      def.PortalRateLimit,
		PublicKeyCacheTTL:    def.PublicKeyCacheTTL.String(),
		RelayAddress:         def.RelayAddress,
		RelayPort:            def.RelayPort,
		RelayChunkSize:       def.RelayChunkSize,
		RelayShutdownGrace:   def.RelayShutdownGrace.String(),
		RelayIdleTimeout:     def.RelayIdleTimeout.String(),
		AdaptiveAvailable:    &available,
		PlayerVersion:        def.PlayerVersion,
		PlaybackHost:         def.PlaybackHost,
		KodiRPCURL:           def.KodiRPCURL,
		PlaybackPollInterval: def.PlaybackPollInterval.String(),
		PlaybackStartPolls:   def.PlaybackStartPolls,
		LicenseURL:           def.LicenseURL,
		CheckWorkers:         def.CheckWorkers,
		DatabasePath:         def.DatabasePath,
		LogLevel:             def.LogLevel,
		LogMaxSizeMB:         def.LogMaxSizeMB,
		LogMaxBackups:        def.LogMaxBackups,
		LogMaxAgeDays:        def.LogMaxAgeDays,
		ObfuscateUrls:        true,
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
