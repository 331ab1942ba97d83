package portal

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"nvpn-proxy/work/client"
	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/types"

	"github.com/grafana/regexp"
)

// confirmErrorPattern finds the error string the confirm script embeds, e.g.
// `var errorMsg = "Permission denied.";` or `"error_msg": ""`.
var confirmErrorPattern = regexp.MustCompile(`(?i)["']?(?:errorMsg|error_msg|err_msg)["']?\s*[=:]\s*["']([^"']*)["']`)

// FormStrategy logs in with plain form fields. A 302 from the login path is
// only tentative; the outcome is read from a follow-up script resource.
type FormStrategy struct {
	client *client.PortalClient
	config *config.Config
}

// NewFormStrategy creates the variant B login strategy.
func NewFormStrategy(cfg *config.Config, pc *client.PortalClient) *FormStrategy {
	return &FormStrategy{client: pc, config: cfg}
}

func (s *FormStrategy) Name() string { return config.VariantForm }

// Login posts the form, then confirms the tentative success.
func (s *FormStrategy) Login(ctx context.Context, creds Credentials) (*Session, error) {
	form := url.Values{}
	form.Set(s.config.FormUserField, creds.Username)
	form.Set(s.config.FormPasswordField, creds.Password)

	loginURL := s.config.PortalEndpoint(s.config.FormLoginPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, types.Wrap(types.ConfigurationError, "portal.login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", s.config.PortalURL)
	req.Header.Set("Referer", loginURL)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	client.DrainAndClose(resp)

	if resp.StatusCode != http.StatusFound {
		return nil, types.Status("portal.login", resp.StatusCode)
	}

	session := &Session{Cookies: cookiesFromResponse(resp), Authenticated: true}
	logger.Debug("{portal/form - Login} tentative success, confirming with %d cookies", len(session.Cookies))

	msg, err := s.confirm(ctx, session)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return nil, types.Errorf(types.AuthRejected, "portal.login", "%s", msg)
	}
	if len(session.Cookies) == 0 {
		return nil, &types.Error{Kind: types.ProtocolError, Op: "portal.login", Message: "confirmed login without session cookies", StatusCode: resp.StatusCode}
	}
	return session, nil
}

// confirm fetches the confirm resource and returns the embedded error string.
// Cookies set by the confirm response are merged into the session.
func (s *FormStrategy) confirm(ctx context.Context, session *Session) (string, error) {
	resp, err := s.client.Get(ctx, s.config.PortalEndpoint(s.config.FormConfirmPath), session.CookieHeader())
	if err != nil {
		return "", err
	}
	for k, v := range cookiesFromResponse(resp) {
		session.Cookies[k] = v
	}
	if resp.StatusCode != http.StatusOK {
		client.DrainAndClose(resp)
		return "", types.Status("portal.confirm", resp.StatusCode)
	}

	body, err := client.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if m := confirmErrorPattern.FindSubmatch(body); m != nil {
		return strings.TrimSpace(string(m[1])), nil
	}
	return "", nil
}

// NewStrategy selects the login variant named in the configuration.
func NewStrategy(cfg *config.Config, pc *client.PortalClient) AuthStrategy {
	if cfg.PortalVariant == config.VariantForm {
		return NewFormStrategy(cfg, pc)
	}
	return NewRSAStrategy(cfg, pc)
}
