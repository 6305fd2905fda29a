package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite3 driver

	"image-optimizer/internal/logging"
	"image-optimizer/internal/metrics"
)

// Default timeout for database operations
const defaultTimeout = 5 * time.Second

// Database manages the ledger and its supporting tables.
type Database struct {
	db      *sql.DB
	dbPath  string
	mu      sync.RWMutex
	txStart time.Time // Track transaction start time for metrics

	// now is replaceable in tests
	now func() time.Time
}

// New creates a new Database instance.
// dbPath is the full path to the database FILE (e.g. "/data/ledger.db"), and
// the parent directory must already exist and be writable.
func New(ctx context.Context, dbPath string) (*Database, error) {
	logging.Info("Database path: %s", dbPath)

	if err := diagnoseDatabasePermissions(dbPath); err != nil {
		logging.Warn("Database permission diagnostics: %v", err)
	}

	// busy_timeout helps prevent "database is locked" errors between ticks
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_temp_store=MEMORY&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	d := &Database{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := d.initialize(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after initialization failure: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.Info("Database initialized successfully at %s", dbPath)
	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	schema := `
	-- Ledger: one row per physical file
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		gallery TEXT NOT NULL DEFAULT '',
		attachment_id INTEGER NOT NULL DEFAULT 0,
		resize TEXT NOT NULL DEFAULT '',
		orig_size INTEGER NOT NULL DEFAULT 0,
		image_size INTEGER NOT NULL DEFAULT 0,
		converted TEXT NOT NULL DEFAULT '',
		pending INTEGER NOT NULL DEFAULT 0,
		results TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL DEFAULT 0,
		updates INTEGER NOT NULL DEFAULT 0,
		backup TEXT NOT NULL DEFAULT '',
		updated INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_images_pending ON images(pending, id);
	CREATE INDEX IF NOT EXISTS idx_images_attachment ON images(attachment_id);
	CREATE INDEX IF NOT EXISTS idx_images_converted ON images(converted) WHERE converted != '';

	-- Rows found to alias another row's file, deleted by the cleanup pass
	CREATE TABLE IF NOT EXISTS duplicate_rows (
		image_id INTEGER PRIMARY KEY,
		keeper_id INTEGER NOT NULL,
		found_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	-- Media library originals
	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		mime_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		mod_time INTEGER NOT NULL DEFAULT 0,
		seen_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_attachments_seen ON attachments(seen_at);

	-- Metadata table
	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT
	);
	`

	_, err := d.db.ExecContext(ctx, schema)
	if err != nil {
		return err
	}

	return d.runMigrations(ctx)
}

// columnMigration adds a column that older ledgers were created without.
type columnMigration struct {
	table      string
	column     string
	definition string
}

var columnMigrations = []columnMigration{
	{"images", "claim_token", "TEXT NOT NULL DEFAULT ''"},
	{"images", "claim_until", "INTEGER NOT NULL DEFAULT 0"},
}

// runMigrations applies database schema migrations
func (d *Database) runMigrations(ctx context.Context) error {
	for _, m := range columnMigrations {
		var columnExists bool
		err := d.db.QueryRowContext(ctx, `
			SELECT COUNT(*) > 0
			FROM pragma_table_info(?)
			WHERE name = ?
		`, m.table, m.column).Scan(&columnExists)
		if err != nil {
			return fmt.Errorf("failed to check for %s.%s column: %w", m.table, m.column, err)
		}

		if columnExists {
			continue
		}

		logging.Info("Migrating database: adding %s column to %s table", m.column, m.table)

		// Table and column names come from columnMigrations, never from input.
		_, err = d.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.definition))
		if err != nil {
			return fmt.Errorf("failed to add %s column: %w", m.column, err)
		}
	}

	_, err := d.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_images_claim ON images(pending, claim_until)`)
	return err
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.dbPath
}

// Ping checks that the database answers queries.
func (d *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}

// BeginBatch starts a transaction for batch operations.
// The caller is responsible for calling EndBatch when done.
// Note: Acquires write lock only during transaction begin, not for entire duration.
func (d *Database) BeginBatch() (*sql.Tx, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Transaction lifetime is managed by EndBatch, not a timeout.
	tx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return nil, err
	}

	d.txStart = time.Now()
	return tx, nil
}

// EndBatch commits or rolls back a transaction.
func (d *Database) EndBatch(tx *sql.Tx, err error) error {
	d.mu.RLock()
	duration := time.Since(d.txStart).Seconds()
	d.mu.RUnlock()

	if err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(duration)
		rbErr := tx.Rollback()
		if rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}

	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(duration)
	return tx.Commit()
}

// Vacuum optimizes the database.
func (d *Database) Vacuum(ctx context.Context) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("vacuum", start, err) }()

	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	_, err = d.db.ExecContext(ctx, "VACUUM")
	return err
}

// recordQuery records database query metrics
func recordQuery(operation string, start time.Time, err error) {
	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.DBQueryTotal.WithLabelValues(operation, status).Inc()
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(duration)
}

func recordRows(operation string, result sql.Result) int64 {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0
	}
	if rows > 0 {
		metrics.DBRowsAffected.WithLabelValues(operation).Observe(float64(rows))
	}
	return rows
}

// UpdateDBMetrics updates database connection and file size metrics
func (d *Database) UpdateDBMetrics() {
	stats := d.db.Stats()
	metrics.DBConnectionsOpen.Set(float64(stats.OpenConnections))

	for label, suffix := range map[string]string{"main": "", "wal": "-wal", "shm": "-shm"} {
		if info, err := os.Stat(d.dbPath + suffix); err == nil {
			metrics.DBSizeBytes.WithLabelValues(label).Set(float64(info.Size()))
		}
	}
}

// diagnoseDatabasePermissions checks database directory and file permissions
func diagnoseDatabasePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}

	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile) // Explicitly ignore cleanup error
	logging.Debug("Database directory is writable")

	if dbInfo, err := os.Stat(dbPath); err == nil {
		logging.Debug("Database file exists: %s (mode: %v, size: %d bytes)", dbPath, dbInfo.Mode(), dbInfo.Size())
		if dbInfo.Mode().Perm()&0o200 == 0 {
			logging.Warn("Database file is read-only! Mode: %v", dbInfo.Mode())
		}
	}

	// WAL and SHM files left read-only by another user break every write
	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := dbPath + suffix
		info, err := os.Stat(sidecar)
		if err != nil {
			continue
		}
		logging.Debug("%s file exists: %s (mode: %v, size: %d bytes)", suffix[1:], sidecar, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 != 0 {
			continue
		}
		logging.Warn("%s file is read-only! Mode: %v - this will cause write failures", sidecar, info.Mode())
		if chmodErr := os.Chmod(sidecar, 0o600); chmodErr != nil {
			logging.Error("Failed to fix %s permissions: %v", sidecar, chmodErr)
		} else {
			logging.Info("Fixed %s permissions", sidecar)
		}
	}

	return nil
}
