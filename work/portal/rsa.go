package portal

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/types"

	"github.com/PuerkitoBio/goquery"
	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"
)

var (
	modulusPattern    = regexp.MustCompile(`var modulus = '(.+?)';`)
	exponentPattern   = regexp.MustCompile(`var exponent = '(.+?)';`)
	loginErrorPattern = regexp.MustCompile(`(?s)<div id="errorMsgDIV">\s*<span class="errorMessage">(.+?)</span>`)
)

// PublicKey is the portal's RSA key as published in its login script.
type PublicKey struct {
	Modulus  string // hex
	Exponent string // hex
}

// EncryptPassword produces the value the portal expects in the password
// field: PKCS#1 v1.5 encryption of password followed by a single zero byte,
// with the ciphertext bytes reversed and hex encoded in lowercase. The output
// is always twice the key size in bytes.
func EncryptPassword(password, modulusHex, exponentHex string, random io.Reader) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(modulusHex), 16)
	if !ok || n.Sign() <= 0 {
		return "", types.Errorf(types.ProtocolError, "portal.rsa", "invalid modulus")
	}
	e, ok := new(big.Int).SetString(strings.TrimSpace(exponentHex), 16)
	if !ok || !e.IsInt64() || e.Int64() < 3 {
		return "", types.Errorf(types.ProtocolError, "portal.rsa", "invalid exponent")
	}

	if random == nil {
		random = rand.Reader
	}

	pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
	plain := append([]byte(password), 0x00)

	cipher, err := rsa.EncryptPKCS1v15(random, pub, plain)
	if err != nil {
		return "", types.Wrap(types.ProtocolError, "portal.rsa", err)
	}

	for i, j := 0, len(cipher)-1; i < j; i, j = i+1, j-1 {
		cipher[i], cipher[j] = cipher[j], cipher[i]
	}
	return hex.EncodeToString(cipher), nil
}

// ParsePublicKey extracts the modulus and exponent from the login script.
func ParsePublicKey(script []byte) (PublicKey, error) {
	mod := modulusPattern.FindSubmatch(script)
	exp := exponentPattern.FindSubmatch(script)
	if mod == nil || exp == nil {
		return PublicKey{}, types.Errorf(types.ProtocolError, "portal.rsa", "public key not found in login script")
	}
	return PublicKey{Modulus: string(mod[1]), Exponent: string(exp[1])}, nil
}

// ParseLoginError returns the inline error message of a login page, or "".
func ParseLoginError(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		if msg := strings.TrimSpace(doc.Find("#errorMsgDIV span.errorMessage").First().Text()); msg != "" {
			return msg
		}
	}

	// regex fallback for fragments goquery cannot locate
	if m := loginErrorPattern.FindSubmatch(body); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

// RSAStrategy logs in through the portal's RSA protected form.
type RSAStrategy struct {
	client *client.PortalClient
	config *config.Config
	keys   *otter.Cache[string, PublicKey]
	random io.Reader
}

// NewRSAStrategy creates the variant A login strategy. Fetched public keys are
// cached for PublicKeyCacheTTL.
func NewRSAStrategy(cfg *config.Config, pc *client.PortalClient) *RSAStrategy {
	return &RSAStrategy{
		client: pc,
		config: cfg,
		keys: otter.Must(&otter.Options[string, PublicKey]{
			MaximumSize:      8,
			ExpiryCalculator: otter.ExpiryWriting[string, PublicKey](cfg.PublicKeyCacheTTL),
		}),
		random: rand.Reader,
	}
}

func (s *RSAStrategy) Name() string { return config.VariantRSA }

// PublicKey returns the cached portal key, fetching it when absent or expired.
func (s *RSAStrategy) PublicKey(ctx context.Context) (PublicKey, error) {
	keyURL := s.config.PortalEndpoint(s.config.PublicKeyPath)
	if key, ok := s.keys.GetIfPresent(keyURL); ok {
		return key, nil
	}

	resp, err := s.client.Get(ctx, keyURL, "")
	if err != nil {
		return PublicKey{}, err
	}
	if resp.StatusCode != http.StatusOK {
		client.DrainAndClose(resp)
		return PublicKey{}, types.Status("portal.rsa", resp.StatusCode)
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return PublicKey{}, err
	}

	key, err := ParsePublicKey(body)
	if err != nil {
		return PublicKey{}, err
	}
	s.keys.Set(keyURL, key)
	logger.Debug("{portal/rsa - PublicKey} fetched portal key, %d bit modulus", len(key.Modulus)*4)
	return key, nil
}

// Login submits the encrypted credentials. 301/302 carrying cookies is a
// success, 200 with an inline error is a rejection, anything else is a
// protocol error.
func (s *RSAStrategy) Login(ctx context.Context, creds Credentials) (*Session, error) {
	key, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}

	encrypted, err := EncryptPassword(creds.Password, key.Modulus, key.Exponent, s.random)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("selectedRealm", s.config.Realm)
	form.Set("loginType", "Standard")
	form.Set("userName", creds.Username)
	form.Set("pin", "")
	form.Set("password", encrypted)
	form.Set("HeightData", "")

	loginURL := s.config.PortalEndpoint(s.config.LoginPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, types.Wrap(types.ConfigurationError, "portal.login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	req.Header.Set("Origin", s.config.PortalURL)
	req.Header.Set("Referer", loginURL)
	req.Header.Set("Cookie", fmt.Sprintf("CheckCookieSupport=1; CPCVPN_REQUESTED_URL=%s; CPCVPN_SELECTED_REALM=%s",
		base64.StdEncoding.EncodeToString([]byte(s.config.RequestedURL)), s.config.Realm))
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Sec-Fetch-User", "?1")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := client.ReadBody(resp)
		if err != nil {
			return nil, err
		}
		if msg := ParseLoginError(body); msg != "" {
			return nil, types.Errorf(types.AuthRejected, "portal.login", "%s", msg)
		}
		return nil, &types.Error{Kind: types.ProtocolError, Op: "portal.login", Message: "login page returned without an error message", StatusCode: resp.StatusCode}

	case http.StatusMovedPermanently, http.StatusFound:
		defer client.DrainAndClose(resp)
		cookies := cookiesFromResponse(resp)
		if len(cookies) == 0 {
			return nil, &types.Error{Kind: types.ProtocolError, Op: "portal.login", Message: "redirect without session cookies", StatusCode: resp.StatusCode}
		}
		return &Session{Cookies: cookies, Authenticated: true}, nil

	default:
		client.DrainAndClose(resp)
		return nil, types.Status("portal.login", resp.StatusCode)
	}
}
