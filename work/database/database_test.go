package database

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "nvpn.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvpn.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(context.Background(), KeyUsername, "viewer"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatal(err)
	}
	if applied != 2 {
		t.Errorf("applied migrations = %d, want 2", applied)
	}
	if v, ok, _ := db.GetSetting(context.Background(), KeyUsername); !ok || v != "viewer" {
		t.Errorf("setting lost across reopen: %q %v", v, ok)
	}
}

func TestSettingsCRUD(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, ok, err := db.GetSetting(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := db.SetSetting(ctx, KeyWebPort, "8090"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(ctx, KeyWebPort, "9000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetSetting(ctx, KeyWebAddress, "0.0.0.0"); err != nil {
		t.Fatal(err)
	}
	if v, _, _ := db.GetSetting(ctx, KeyWebPort); v != "9000" {
		t.Errorf("webport = %q, want upsert to 9000", v)
	}

	all, err := db.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Key != KeyWebAddress || all[1].Key != KeyWebPort {
		t.Errorf("Settings() = %+v", all)
	}

	if err := db.DeleteSetting(ctx, KeyWebPort); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteSetting(ctx, KeyWebPort); err != nil {
		t.Errorf("deleting twice should be a no-op: %v", err)
	}
	if _, ok, _ := db.GetSetting(ctx, KeyWebPort); ok {
		t.Error("webport should be gone")
	}
}

func TestCredentialStoreCookies(t *testing.T) {
	db := openTestDB(t)
	store := NewCredentialStore(db)
	ctx := context.Background()

	cookies, err := store.LoadCookies(ctx)
	if err != nil || cookies != nil {
		t.Fatalf("empty store: %v %v", cookies, err)
	}

	want := map[string]string{"CPCVPN_SESSION_ID": "abc", "CPCVPN_BASE_HOST": "vpn"}
	if err := store.SaveCookies(ctx, want); err != nil {
		t.Fatal(err)
	}
	raw, _, _ := db.GetSetting(ctx, KeyCookies)
	if raw != `{"CPCVPN_BASE_HOST":"vpn","CPCVPN_SESSION_ID":"abc"}` {
		t.Errorf("stored blob = %s, want compact JSON", raw)
	}

	got, err := store.LoadCookies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["CPCVPN_SESSION_ID"] != "abc" {
		t.Errorf("LoadCookies() = %v", got)
	}

	if err := db.SetSetting(ctx, KeyCookies, "{not json"); err != nil {
		t.Fatal(err)
	}
	got, err = store.LoadCookies(ctx)
	if err != nil || got != nil {
		t.Errorf("corrupt blob: got %v err %v", got, err)
	}
	if _, ok, _ := db.GetSetting(ctx, KeyCookies); ok {
		t.Error("corrupt blob should be removed")
	}
}

func TestCredentialStoreCredentialsAndOverrides(t *testing.T) {
	db := openTestDB(t)
	store := NewCredentialStore(db)
	ctx := context.Background()

	creds, err := store.Credentials(ctx)
	if err != nil || !creds.Empty() {
		t.Fatalf("expected empty credentials, got %+v %v", creds, err)
	}

	db.SetSetting(ctx, KeyUsername, "viewer")
	db.SetSetting(ctx, KeyPassword, "pw")
	db.SetSetting(ctx, KeyUseAdaptive, "true")
	db.SetSetting(ctx, KeyPlayerVersion, "19")

	creds, _ = store.Credentials(ctx)
	if creds.Username != "viewer" || creds.Password != "pw" {
		t.Errorf("Credentials() = %+v", creds)
	}

	o, err := store.Overrides(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if o.UseAdaptive != "true" || o.PlayerVersion != "19" || o.RelayPort != "" {
		t.Errorf("Overrides() = %+v", o)
	}
}

func TestLoginHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	store := NewCredentialStore(db)

	store.RecordLogin(ctx, "rsa", "rejected", "Wrong credentials")
	store.RecordLogin(ctx, "rsa", "success", "")

	logins, err := db.RecentLogins(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(logins) != 2 || logins[0].Result != "success" || logins[1].Message != "Wrong credentials" {
		t.Errorf("RecentLogins() = %+v", logins)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Logins != 2 || stats.SizeBytes <= 0 {
		t.Errorf("stats = %v", stats)
	}
}
