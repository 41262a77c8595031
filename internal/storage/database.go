package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/icex2/plaf203/internal/feedplan"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Device identity, one row per serial
	CREATE TABLE IF NOT EXISTS device_info (
		serial TEXT PRIMARY KEY,
		pid TEXT,
		mac TEXT,
		uuid TEXT,
		hardware_version TEXT,
		software_version TEXT,
		last_seen DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Desired feed plan, the full set replaced per generation
	CREATE TABLE IF NOT EXISTS feed_plans (
		plan_id INTEGER PRIMARY KEY,
		hour INTEGER NOT NULL,
		minute INTEGER NOT NULL,
		weekdays TEXT NOT NULL,
		portions INTEGER NOT NULL,
		enable_audio INTEGER DEFAULT 0,
		audio_times INTEGER DEFAULT 0,
		sync_time INTEGER NOT NULL,
		confirmed_sync_time INTEGER,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Desired switch positions
	CREATE TABLE IF NOT EXISTS switches (
		name TEXT PRIMARY KEY,
		switch_on INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Free-form settings (audio url, volume, ...)
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Feeding history from grain output events. The unique key
	-- deduplicates QoS 1 redeliveries.
	CREATE TABLE IF NOT EXISTS feeding_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		trigger_type INTEGER NOT NULL,
		exec_step TEXT NOT NULL,
		expected_portions INTEGER NOT NULL,
		actual_portions INTEGER NOT NULL,
		plan_id INTEGER,
		exec_time DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(message_id, exec_step)
	);
	CREATE INDEX IF NOT EXISTS idx_feeding_log_exec_time ON feeding_log(exec_time);

	-- Device error history
	CREATE TABLE IF NOT EXISTS device_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		error_code TEXT NOT NULL,
		trigger_time DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_device_errors_trigger ON device_errors(trigger_time);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// --- Device Info ---

// UpsertDeviceInfo inserts or updates the device identity row. Empty
// strings leave existing values in place: the device reports identity
// fields piecemeal across channels.
func (db *DB) UpsertDeviceInfo(d *DeviceInfo) error {
	query := `
		INSERT INTO device_info (serial, pid, mac, uuid, hardware_version, software_version, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			pid = CASE WHEN excluded.pid != '' THEN excluded.pid ELSE pid END,
			mac = CASE WHEN excluded.mac != '' THEN excluded.mac ELSE mac END,
			uuid = CASE WHEN excluded.uuid != '' THEN excluded.uuid ELSE uuid END,
			hardware_version = CASE WHEN excluded.hardware_version != '' THEN excluded.hardware_version ELSE hardware_version END,
			software_version = CASE WHEN excluded.software_version != '' THEN excluded.software_version ELSE software_version END,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`
	_, err := db.conn.Exec(query, d.Serial, d.Pid, d.Mac, d.UUID,
		d.HardwareVersion, d.SoftwareVersion, d.LastSeen, time.Now())
	return err
}

// GetDeviceInfo retrieves the device identity by serial
func (db *DB) GetDeviceInfo(serial string) (*DeviceInfo, error) {
	query := `SELECT serial, pid, mac, uuid, hardware_version, software_version, last_seen, updated_at
		FROM device_info WHERE serial = ?`

	d := &DeviceInfo{}
	var pid, mac, uid, hw, sw sql.NullString
	var lastSeen sql.NullTime
	err := db.conn.QueryRow(query, serial).Scan(&d.Serial, &pid, &mac, &uid, &hw, &sw, &lastSeen, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Pid = pid.String
	d.Mac = mac.String
	d.UUID = uid.String
	d.HardwareVersion = hw.String
	d.SoftwareVersion = sw.String
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return d, nil
}

// TouchDeviceSeen updates only the last-seen timestamp
func (db *DB) TouchDeviceSeen(serial string, seen time.Time) error {
	return db.UpsertDeviceInfo(&DeviceInfo{Serial: serial, LastSeen: seen})
}

// --- Feed Plans ---

// ReplaceFeedPlans stores a new desired plan generation, dropping the old
// one. Confirmations start empty for the new generation.
func (db *DB) ReplaceFeedPlans(entries []feedplan.Entry, syncTime int64) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM feed_plans"); err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.Exec(`INSERT INTO feed_plans
			(plan_id, hour, minute, weekdays, portions, enable_audio, audio_times, sync_time, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Hour, e.Minute, encodeWeekdays(e.Weekdays), e.Portions,
			e.EnableAudio, e.AudioTimes, syncTime, time.Now())
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetFeedPlans loads the desired plan set and its generation sync time.
func (db *DB) GetFeedPlans() ([]feedplan.Entry, int64, error) {
	query := `SELECT plan_id, hour, minute, weekdays, portions, enable_audio, audio_times, sync_time
		FROM feed_plans ORDER BY plan_id`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []feedplan.Entry
	var syncTime int64
	for rows.Next() {
		var e feedplan.Entry
		var days string
		if err := rows.Scan(&e.ID, &e.Hour, &e.Minute, &days, &e.Portions,
			&e.EnableAudio, &e.AudioTimes, &syncTime); err != nil {
			return nil, 0, err
		}
		e.Weekdays, err = decodeWeekdays(days)
		if err != nil {
			return nil, 0, fmt.Errorf("plan %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, syncTime, rows.Err()
}

// ConfirmFeedPlan records the sync time the device echoed for one plan
func (db *DB) ConfirmFeedPlan(planID int, syncTime int64) error {
	_, err := db.conn.Exec("UPDATE feed_plans SET confirmed_sync_time = ? WHERE plan_id = ?", syncTime, planID)
	return err
}

// GetConfirmedFeedPlans returns plan id -> confirmed sync time for every
// plan the device acknowledged.
func (db *DB) GetConfirmedFeedPlans() (map[int]int64, error) {
	rows, err := db.conn.Query("SELECT plan_id, confirmed_sync_time FROM feed_plans WHERE confirmed_sync_time IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]int64)
	for rows.Next() {
		var id int
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

// --- Switches and Settings ---

// UpsertSwitch stores a desired switch position
func (db *DB) UpsertSwitch(name string, on bool) error {
	query := `INSERT INTO switches (name, switch_on, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET switch_on = excluded.switch_on, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, name, on, time.Now())
	return err
}

// GetSwitches loads all desired switch positions
func (db *DB) GetSwitches() ([]SwitchSetting, error) {
	rows, err := db.conn.Query("SELECT name, switch_on, updated_at FROM switches ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SwitchSetting
	for rows.Next() {
		var s SwitchSetting
		if err := rows.Scan(&s.Name, &s.On, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSetting stores a free-form setting value
func (db *DB) SetSetting(key, value string) error {
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	_, err := db.conn.Exec(query, key, value, time.Now())
	return err
}

// GetSetting retrieves a setting; ok is false when the key is absent
func (db *DB) GetSetting(key string) (value string, ok bool, err error) {
	err = db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// --- Feeding Log ---

// InsertFeeding appends a feeding history record. Returns false without
// error when the (message id, exec step) pair was already recorded, i.e.
// the broker redelivered the event.
func (db *DB) InsertFeeding(r *FeedingRecord) (bool, error) {
	query := `INSERT OR IGNORE INTO feeding_log
		(message_id, trigger_type, exec_step, expected_portions, actual_portions, plan_id, exec_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	result, err := db.conn.Exec(query, r.MessageID, r.TriggerType, r.ExecStep,
		r.ExpectedPortions, r.ActualPortions, r.PlanID, r.ExecTime)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRecentFeedings retrieves the newest feeding records
func (db *DB) GetRecentFeedings(limit int) ([]*FeedingRecord, error) {
	query := `SELECT id, message_id, trigger_type, exec_step, expected_portions, actual_portions, plan_id, exec_time, created_at
		FROM feeding_log ORDER BY exec_time DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*FeedingRecord
	for rows.Next() {
		r := &FeedingRecord{}
		var planID sql.NullInt64
		if err := rows.Scan(&r.ID, &r.MessageID, &r.TriggerType, &r.ExecStep,
			&r.ExpectedPortions, &r.ActualPortions, &planID, &r.ExecTime, &r.CreatedAt); err != nil {
			return nil, err
		}
		if planID.Valid {
			id := int(planID.Int64)
			r.PlanID = &id
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Device Errors ---

// InsertDeviceError appends a device error record
func (db *DB) InsertDeviceError(e *DeviceError) (int64, error) {
	result, err := db.conn.Exec("INSERT INTO device_errors (error_code, trigger_time) VALUES (?, ?)",
		e.ErrorCode, e.TriggerTime)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRecentDeviceErrors retrieves the newest error records
func (db *DB) GetRecentDeviceErrors(limit int) ([]*DeviceError, error) {
	query := `SELECT id, error_code, trigger_time, created_at
		FROM device_errors ORDER BY trigger_time DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []*DeviceError
	for rows.Next() {
		e := &DeviceError{}
		if err := rows.Scan(&e.ID, &e.ErrorCode, &e.TriggerTime, &e.CreatedAt); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func encodeWeekdays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid weekday list %q", s)
		}
		days[i] = d
	}
	return days, nil
}
