package portal

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/metrics"
	"nvpn-proxy/work/types"
)

// Session is the authenticated cookie set obtained from the portal. Values
// handed out by the SessionManager are copies; only the manager mutates its
// own session.
type Session struct {
	Cookies       map[string]string
	Authenticated bool
	generation    uint64
}

// CookieHeader renders the cookies as a Cookie header value in key order.
func (s *Session) CookieHeader() string {
	if s == nil || len(s.Cookies) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.Cookies))
	for k := range s.Cookies {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s.Cookies[k])
	}
	return strings.Join(parts, "; ")
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := &Session{
		Cookies:       make(map[string]string, len(s.Cookies)),
		Authenticated: s.Authenticated,
		generation:    s.generation,
	}
	for k, v := range s.Cookies {
		c.Cookies[k] = v
	}
	return c
}

// Credentials are the portal username and password.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether either field is missing.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Username) == "" || c.Password == ""
}

// CredentialStore supplies credentials and persists the session cookies.
type CredentialStore interface {
	Credentials(ctx context.Context) (Credentials, error)
	LoadCookies(ctx context.Context) (map[string]string, error)
	SaveCookies(ctx context.Context, cookies map[string]string) error
}

// LoginRecorder is optionally implemented by stores that keep a login history.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, variant, result, message string) error
}

// AuthStrategy performs one login against the portal. Implementations must
// return a Session with Authenticated set and at least one cookie on success,
// and a *types.Error on failure.
type AuthStrategy interface {
	Name() string
	Login(ctx context.Context, creds Credentials) (*Session, error)
}

// SessionManager owns the portal session. All logins are serialized by mu so
// a dependent request never observes a half-written cookie set and an older
// login can never overwrite the cookies of a newer one.
type SessionManager struct {
	strategy AuthStrategy
	store    CredentialStore

	mu         sync.Mutex
	session    *Session
	rejected   bool
	generation uint64
}

// NewSessionManager creates a manager around a strategy and a store.
func NewSessionManager(strategy AuthStrategy, store CredentialStore) *SessionManager {
	return &SessionManager{
		strategy: strategy,
		store:    store,
	}
}

// Strategy returns the configured login variant.
func (m *SessionManager) Strategy() AuthStrategy {
	return m.strategy
}

// EnsureAuthenticated returns a usable session. The cached session, then the
// cookies persisted in the store, are reused unless a dependent request has
// reported a rejection; otherwise a login runs.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.rejected {
		if m.session != nil && m.session.Authenticated && len(m.session.Cookies) > 0 {
			return m.session.Clone(), nil
		}

		cookies, err := m.store.LoadCookies(ctx)
		if err != nil {
			logger.Warn("{portal/session - EnsureAuthenticated} failed to load stored cookies: %v", err)
		}
		if len(cookies) > 0 {
			m.generation++
			m.session = &Session{Cookies: cookies, Authenticated: true, generation: m.generation}
			logger.Debug("{portal/session - EnsureAuthenticated} reusing %d stored cookies", len(cookies))
			return m.session.Clone(), nil
		}
	}

	return m.loginLocked(ctx)
}

// Invalidate marks the session as rejected after a dependent request saw a
// redirect or 401. A stale session (one already replaced by a newer login) is
// ignored so concurrent observers do not force a second login.
func (m *SessionManager) Invalidate(stale *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stale != nil && m.session != nil && stale.generation != m.session.generation {
		return
	}
	m.rejected = true
	if m.session != nil {
		m.session.Authenticated = false
	}
}

// Reauthenticate invalidates stale and returns a fresh session. If another
// caller already logged in since stale was handed out, that newer session is
// returned without a second login.
func (m *SessionManager) Reauthenticate(ctx context.Context, stale *Session) (*Session, error) {
	m.Invalidate(stale)
	return m.EnsureAuthenticated(ctx)
}

// Login forces a login regardless of any cached session.
func (m *SessionManager) Login(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

// Current returns a copy of the cached session, or nil.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone()
}

func (m *SessionManager) loginLocked(ctx context.Context) (*Session, error) {
	creds, err := m.store.Credentials(ctx)
	if err != nil {
		return nil, types.Wrap(types.ConfigurationError, "portal.login", err)
	}
	if creds.Empty() {
		err := types.Errorf(types.ConfigurationError, "portal.login", "username and password must be set")
		m.record(ctx, err)
		return nil, err
	}

	logger.Info("{portal/session - login} logging in to the portal (%s variant)", m.strategy.Name())

	session, err := m.strategy.Login(ctx, creds)
	m.record(ctx, err)
	if err != nil {
		var e *types.Error
		if errors.As(err, &e) && e.Kind == types.AuthRejected {
			logger.Warn("{portal/session - login} portal rejected the login: %s", e.Message)
		} else {
			logger.Error("{portal/session - login} login failed: %v", err)
		}
		return nil, err
	}

	if err := m.store.SaveCookies(ctx, session.Cookies); err != nil {
		// the session is still valid for this process
		logger.Warn("{portal/session - login} failed to persist cookies: %v", err)
	}

	m.generation++
	session.generation = m.generation
	session.Authenticated = true
	m.session = session
	m.rejected = false

	logger.Info("{portal/session - login} login succeeded, %d cookies stored", len(session.Cookies))
	return m.session.Clone(), nil
}

func (m *SessionManager) record(ctx context.Context, err error) {
	result := metrics.Result(err)
	metrics.PortalLogins.WithLabelValues(m.strategy.Name(), result).Inc()

	rec, ok := m.store.(LoginRecorder)
	if !ok {
		return
	}
	message := ""
	var e *types.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if rerr := rec.RecordLogin(ctx, m.strategy.Name(), result, message); rerr != nil {
		logger.Debug("{portal/session - record} %v", rerr)
	}
}

// cookiesFromResponse collects the Set-Cookie values of a response.
func cookiesFromResponse(resp *http.Response) map[string]string {
	cookies := make(map[string]string)
	for _, c := range resp.Cookies() {
		if c.Name == "" {
			continue
		}
		// Max-Age=0 deletes the cookie
		if c.MaxAge < 0 {
			continue
		}
		cookies[c.Name] = c.Value
	}
	return cookies
}
