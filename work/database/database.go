package database

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"nvpn-proxy/work/logger"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DB wraps the sql.DB backing the credential store.
type DB struct {
	*sql.DB
	path string
}

// Open creates a new database connection in WAL mode and applies any pending
// embedded migrations.
func Open(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// the store is tiny and written rarely, one writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &DB{DB: db, path: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}

	logger.Debug("{database/database - Open} sqlite database opened at %s", dbPath)
	return store, nil
}

// migration is one embedded SQL file, numbered by its file name prefix.
type migration struct {
	version int
	name    string
}

// pendingMigrations lists the embedded files whose version is not yet in
// schema_migrations, lowest version first.
func (db *DB) pendingMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pending []migration
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		// "001_settings.sql" -> 1
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("migration %s has no version prefix", entry.Name())
		}
		if !applied[version] {
			pending = append(pending, migration{version: version, name: entry.Name()})
		}
	}
	slices.SortFunc(pending, func(a, b migration) int { return a.version - b.version })
	return pending, nil
}

// migrate brings the schema up to date, one transaction per file.
func (db *DB) migrate() error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, err := db.pendingMigrations()
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := db.apply(m); err != nil {
			return err
		}
		logger.Debug("{database/database - migrate} applied migration: %s", m.name)
	}
	return nil
}

func (db *DB) apply(m migration) error {
	// embed.FS paths always use forward slashes
	script, err := migrations.ReadFile(path.Join("migrations", m.name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", m.name, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return fmt.Errorf("run migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return tx.Commit()
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	logger.Debug("{database/database - Close} closing database %s", db.path)
	return db.DB.Close()
}

// StoreStats summarizes the store for the status command.
type StoreStats struct {
	Settings  int
	Logins    int
	SizeBytes int64
}

// GetStats counts rows and reports the on-disk size of the store.
func (db *DB) GetStats() (StoreStats, error) {
	var st StoreStats
	err := db.QueryRow(`SELECT
		(SELECT COUNT(*) FROM settings),
		(SELECT COUNT(*) FROM login_history),
		(SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size())`,
	).Scan(&st.Settings, &st.Logins, &st.SizeBytes)
	if err != nil {
		return StoreStats{}, fmt.Errorf("store stats: %w", err)
	}
	return st, nil
}
