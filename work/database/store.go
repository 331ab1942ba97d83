package database

import (
	"context"
	"encoding/json"
	"fmt"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/portal"
)

// CredentialStore exposes the settings table through the portal's store
// interface. Cookies are kept as a compact JSON object under KeyCookies.
type CredentialStore struct {
	db *DB
}

// NewCredentialStore wraps an open database.
func NewCredentialStore(db *DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Credentials returns the stored username and password. Missing keys yield
// empty strings; the session manager reports that as a configuration error.
func (s *CredentialStore) Credentials(ctx context.Context) (portal.Credentials, error) {
	username, _, err := s.db.GetSetting(ctx, KeyUsername)
	if err != nil {
		return portal.Credentials{}, err
	}
	password, _, err := s.db.GetSetting(ctx, KeyPassword)
	if err != nil {
		return portal.Credentials{}, err
	}
	return portal.Credentials{Username: username, Password: password}, nil
}

// LoadCookies decodes the persisted cookie blob. A corrupt blob is dropped
// and treated as "no cookies" so the next call logs in again.
func (s *CredentialStore) LoadCookies(ctx context.Context) (map[string]string, error) {
	raw, ok, err := s.db.GetSetting(ctx, KeyCookies)
	if err != nil || !ok || raw == "" {
		return nil, err
	}

	var cookies map[string]string
	if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
		logger.Warn("{database/store - LoadCookies} discarding unreadable cookie blob: %v", err)
		return nil, s.db.DeleteSetting(ctx, KeyCookies)
	}
	return cookies, nil
}

// SaveCookies stores the cookie map as compact JSON.
func (s *CredentialStore) SaveCookies(ctx context.Context, cookies map[string]string) error {
	if cookies == nil {
		cookies = map[string]string{}
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	return s.db.SetSetting(ctx, KeyCookies, string(data))
}

// ClearCookies forgets the persisted session.
func (s *CredentialStore) ClearCookies(ctx context.Context) error {
	return s.db.DeleteSetting(ctx, KeyCookies)
}

// RecordLogin forwards to the login history table.
func (s *CredentialStore) RecordLogin(ctx context.Context, variant, result, message string) error {
	return s.db.RecordLogin(ctx, variant, result, message)
}

// Overrides reads the user settings that take precedence over the config file.
func (s *CredentialStore) Overrides(ctx context.Context) (config.StoreOverrides, error) {
	var o config.StoreOverrides
	targets := []struct {
		key string
		dst *string
	}{
		{KeyWebAddress, &o.RelayAddress},
		{KeyWebPort, &o.RelayPort},
		{KeyUseAdaptive, &o.UseAdaptive},
		{KeyPlayerVersion, &o.PlayerVersion},
	}
	for _, t := range targets {
		v, _, err := s.db.GetSetting(ctx, t.key)
		if err != nil {
			return o, err
		}
		*t.dst = v
	}
	return o, nil
}
