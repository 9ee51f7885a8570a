package registry

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/history"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists devices and their address history.
type Store interface {
	LoadDevices(ctx context.Context) ([]device.Device, error)
	LoadAddresses(ctx context.Context) ([]history.Record, error)
	// SaveScan writes all changes of one scan cycle atomically and returns the devices
	// with their assigned IDs.
	SaveScan(ctx context.Context, devices []device.Device, addresses []history.Record) ([]device.Device, error)
	SaveDevice(ctx context.Context, d device.Device) error
}

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS devices (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  mac           TEXT NOT NULL UNIQUE,
  ip            TEXT NOT NULL DEFAULT '',
  vendor        TEXT NOT NULL DEFAULT '',
  vendor_status TEXT NOT NULL CHECK(vendor_status IN ('unresolved','resolved','unknown')) DEFAULT 'unresolved',
  custom_name   TEXT NOT NULL DEFAULT '',
  hostname      TEXT NOT NULL DEFAULT '',
  first_seen    INTEGER NOT NULL,
  last_seen     INTEGER NOT NULL,
  connected     INTEGER NOT NULL DEFAULT 0,
  watched       INTEGER NOT NULL DEFAULT 0,
  missed_scans  INTEGER NOT NULL DEFAULT 0
);
`,
	`
CREATE TABLE IF NOT EXISTS addresses (
  mac      TEXT NOT NULL REFERENCES devices(mac) ON DELETE CASCADE,
  ip       TEXT NOT NULL,
  first_ts INTEGER NOT NULL,
  last_ts  INTEGER NOT NULL,
  count    INTEGER NOT NULL,
  PRIMARY KEY (mac, ip)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_devices_watched
ON devices (watched, mac);
`,
}

// SQLiteStore is a Store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs schema migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

const deviceColumns = `id, mac, ip, vendor, vendor_status, custom_name, hostname,
	first_seen, last_seen, connected, watched, missed_scans`

func (s *SQLiteStore) LoadDevices(ctx context.Context) ([]device.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY mac`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]device.Device, 0)
	for rows.Next() {
		var d device.Device
		var vendorStatus string
		var firstSeen, lastSeen int64
		err := rows.Scan(&d.ID, &d.MAC, &d.IP, &d.Vendor, &vendorStatus, &d.CustomName, &d.Hostname,
			&firstSeen, &lastSeen, &d.Connected, &d.Watched, &d.MissedScans)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		d.VendorStatus = device.VendorStatus(vendorStatus)
		d.FirstSeen = time.UnixMilli(firstSeen)
		d.LastSeen = time.UnixMilli(lastSeen)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return devices, nil
}

func (s *SQLiteStore) LoadAddresses(ctx context.Context) ([]history.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mac, ip, first_ts, last_ts, count FROM addresses ORDER BY mac, first_ts`)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	records := make([]history.Record, 0)
	for rows.Next() {
		var r history.Record
		if err := rows.Scan(&r.Mac, &r.Ip, &r.FirstTs, &r.LastTs, &r.Count); err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) SaveScan(ctx context.Context, devices []device.Device, addresses []history.Record) ([]device.Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin scan transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	saved := make([]device.Device, 0, len(devices))
	for _, d := range devices {
		id, err := upsertDevice(ctx, tx, d)
		if err != nil {
			return nil, err
		}
		d.ID = id
		saved = append(saved, d)
	}

	for _, r := range addresses {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO addresses (mac, ip, first_ts, last_ts, count) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(mac, ip) DO UPDATE SET
				first_ts = excluded.first_ts,
				last_ts = excluded.last_ts,
				count = excluded.count`,
			r.Mac, r.Ip, r.FirstTs, r.LastTs, r.Count,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert address %v %v: %w", r.Mac, r.Ip, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit scan transaction: %w", err)
	}
	return saved, nil
}

func (s *SQLiteStore) SaveDevice(ctx context.Context, d device.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin device transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := upsertDevice(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit device transaction: %w", err)
	}
	return nil
}

func upsertDevice(ctx context.Context, tx *sql.Tx, d device.Device) (int64, error) {
	vendorStatus := d.VendorStatus
	if vendorStatus == "" {
		vendorStatus = device.VendorUnresolved
	}

	var id int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO devices (
			mac, ip, vendor, vendor_status, custom_name, hostname,
			first_seen, last_seen, connected, watched, missed_scans
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac) DO UPDATE SET
			ip = excluded.ip,
			vendor = excluded.vendor,
			vendor_status = excluded.vendor_status,
			custom_name = excluded.custom_name,
			hostname = excluded.hostname,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			connected = excluded.connected,
			watched = excluded.watched,
			missed_scans = excluded.missed_scans
		RETURNING id`,
		d.MAC, d.IP, d.Vendor, string(vendorStatus), d.CustomName, d.Hostname,
		d.FirstSeen.UnixMilli(), d.LastSeen.UnixMilli(), d.Connected, d.Watched, d.MissedScans,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert device %v: %w", d.MAC, err)
	}
	return id, nil
}
