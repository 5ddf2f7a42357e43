// Package recorder passively records bus traffic into SQLite: every
// individual address and group address seen in delivered frames,
// with activity counters. Health checks and commissioning tools use
// the result without manual configuration.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/nerrad567/gray-logic-knx/knx"
)

// apciResponse is the GroupValue_Response APCI in the second TPDU
// byte.
const apciResponse = 0x40

// Recorder upserts observed addresses into two tables, creating
// them on first use.
//
// Thread Safety: all methods are safe for concurrent use; the
// database serializes writers.
type Recorder struct {
	db     *sql.DB
	logger knx.Logger

	deviceUpsert *sql.Stmt
	groupUpsert  *sql.Stmt
}

// Open opens (or creates) the recorder database at path.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening recorder database: %w", err)
	}

	r := &Recorder{db: db}
	if err := r.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// SetLogger sets the optional logger.
func (r *Recorder) SetLogger(logger knx.Logger) { r.logger = logger }

func (r *Recorder) prepare() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS knx_devices (
			individual_address TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS knx_group_addresses (
			group_address TEXT PRIMARY KEY,
			last_seen INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			has_read_response INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("creating recorder tables: %w", err)
	}

	r.deviceUpsert, err = r.db.Prepare(`
		INSERT INTO knx_devices (individual_address, last_seen, message_count)
		VALUES (?, ?, 1)
		ON CONFLICT(individual_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1
	`)
	if err != nil {
		return fmt.Errorf("preparing device upsert: %w", err)
	}

	r.groupUpsert, err = r.db.Prepare(`
		INSERT INTO knx_group_addresses (group_address, last_seen, message_count, has_read_response)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(group_address) DO UPDATE SET
			last_seen = excluded.last_seen,
			message_count = message_count + 1,
			has_read_response = MAX(has_read_response, excluded.has_read_response)
	`)
	if err != nil {
		return fmt.Errorf("preparing group upsert: %w", err)
	}

	return nil
}

// HandleEvent is the subscriber hook: frame events feed the
// recorder, everything else is ignored.
func (r *Recorder) HandleEvent(ev knx.Event) {
	if fr, ok := ev.(knx.FrameReceived); ok {
		r.RecordFrame(fr.Frame)
	}
}

// RecordFrame records the source and group destination of a cEMI
// L-Data frame. Non-L-Data frames are ignored.
func (r *Recorder) RecordFrame(cemi []byte) {
	ld, err := knx.DecodeLData(cemi)
	if err != nil {
		return
	}

	now := time.Now().Unix()

	if !ld.Source.IsUnregistered() {
		if _, err := r.deviceUpsert.Exec(ld.Source.String(), now); err != nil {
			r.logError("recording device", err)
		}
	}

	if ld.IsGroupDest() && ld.Destination != 0 {
		isResponse := 0
		if len(ld.Data) >= 2 && ld.Data[1]&0xC0 == apciResponse {
			isResponse = 1
		}
		ga := ld.GroupDestination().String()
		if _, err := r.groupUpsert.Exec(ga, now, isResponse); err != nil {
			r.logError("recording group address", err)
		}
	}
}

// Devices returns the most recently active individual addresses.
func (r *Recorder) Devices(ctx context.Context, limit int) ([]string, error) {
	return r.queryStrings(ctx, `
		SELECT individual_address FROM knx_devices
		ORDER BY last_seen DESC
		LIMIT ?
	`, limit)
}

// GroupAddresses returns known group addresses, preferring those
// that have answered read requests.
func (r *Recorder) GroupAddresses(ctx context.Context, limit int) ([]string, error) {
	return r.queryStrings(ctx, `
		SELECT group_address FROM knx_group_addresses
		ORDER BY has_read_response DESC, last_seen DESC
		LIMIT ?
	`, limit)
}

// DeviceCount returns the number of recorded devices.
func (r *Recorder) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_devices`).Scan(&count)
	return count, err
}

// GroupAddressCount returns the number of recorded group addresses.
func (r *Recorder) GroupAddressCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM knx_group_addresses`).Scan(&count)
	return count, err
}

func (r *Recorder) queryStrings(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the prepared statements and the database.
func (r *Recorder) Close() error {
	if r.deviceUpsert != nil {
		r.deviceUpsert.Close()
	}
	if r.groupUpsert != nil {
		r.groupUpsert.Close()
	}
	return r.db.Close()
}

func (r *Recorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
