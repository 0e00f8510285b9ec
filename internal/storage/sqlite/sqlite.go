package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"triplog/internal/storage"
	"triplog/internal/storage/codec"
	"triplog/internal/tracking"
)

const (
	// CurrentTripSamplesKey — ключ буфера точек открытой поездки.
	CurrentTripSamplesKey = "current_trip_samples"
	lastSyncKey           = "last_sync_at"
)

// Фиксированная ширина: строки сравниваются в SQL как время.
const auditTSLayout = "2006-01-02 15:04:05.000000000"

var errInvalidTransition = errors.New("invalid status transition")

// Store реализует хранилище поездок, буфер точек и маркер синхронизации поверх SQLite.
type Store struct {
	db        *sql.DB
	bufferKey string
}

var (
	_ tracking.Store        = (*Store)(nil)
	_ tracking.SampleBuffer = (*Store)(nil)
	_ tracking.SyncMarker   = (*Store)(nil)
	_ storage.AuditLog      = (*Store)(nil)
	_ storage.AuditWriter   = (*Store)(nil)
)

// Open инициализирует соединение и выполняет миграции.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Один писатель: тик опроса и слив буфера не конкурируют за блокировку файла.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, bufferKey: CurrentTripSamplesKey}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS historic (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			license_plate TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			coords BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_historic_created ON historic(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_historic_user_created ON historic(user_id, created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_historic_single_open ON historic(status) WHERE status = 'departure';`,
		`CREATE TABLE IF NOT EXISTS pending_samples (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			buffer_key TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_key_seq ON pending_samples(buffer_key, seq);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			action TEXT,
			source TEXT,
			status TEXT,
			request_id TEXT,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_subject_ts ON audit_events(subject, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// withTx выполняет fn в транзакции: commit при успехе, rollback на любом
// другом пути, включая панику.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Create сохраняет новую поездку.
func (s *Store) Create(ctx context.Context, h tracking.Historic) error {
	coords, err := codec.Marshal(h.Coords)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO historic(id, user_id, license_plate, description, status, coords, created_at, updated_at) VALUES(?,?,?,?,?,?,?,?)`,
			h.ID.String(), h.UserID, h.LicensePlate, h.Description, string(h.Status), coords, h.CreatedAt.UnixNano(), h.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert historic: %w", err)
		}
		return nil
	})
}

// Read возвращает поездку; ok=false, если записи нет.
func (s *Store) Read(ctx context.Context, id uuid.UUID) (tracking.Historic, bool, error) {
	row := s.db.QueryRowContext(ctx, selectHistoric+` WHERE id = ?`, id.String())
	h, err := scanHistoric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Historic{}, false, nil
	}
	if err != nil {
		return tracking.Historic{}, false, err
	}
	return h, true, nil
}

// Update применяет mutate к записи внутри одной транзакции.
// id, user_id и created_at неизменяемы; arrival — конечный статус.
func (s *Store) Update(ctx context.Context, id uuid.UUID, mutate func(*tracking.Historic) error) (tracking.Historic, error) {
	var out tracking.Historic
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		before, err := scanHistoric(tx.QueryRowContext(ctx, selectHistoric+` WHERE id = ?`, id.String()))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("historic %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		h := before.Clone()
		if err := mutate(&h); err != nil {
			return err
		}
		h.ID, h.UserID, h.CreatedAt = before.ID, before.UserID, before.CreatedAt
		if !h.Status.Valid() || (before.Status == tracking.StatusArrival && h.Status != tracking.StatusArrival) {
			return fmt.Errorf("%s -> %s: %w", before.Status, h.Status, errInvalidTransition)
		}
		coords, err := codec.Marshal(h.Coords)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE historic SET license_plate = ?, description = ?, status = ?, coords = ?, updated_at = ? WHERE id = ?`,
			h.LicensePlate, h.Description, string(h.Status), coords, h.UpdatedAt.UnixNano(), id.String())
		if err != nil {
			return fmt.Errorf("update historic: %w", err)
		}
		out = h
		return nil
	})
	if err != nil {
		return tracking.Historic{}, err
	}
	return out, nil
}

// Delete удаляет поездку.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM historic WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("delete historic: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete historic: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("historic %s: %w", id, storage.ErrNotFound)
		}
		return nil
	})
}

// FindOpen возвращает единственную поездку в статусе departure.
func (s *Store) FindOpen(ctx context.Context) (tracking.Historic, bool, error) {
	row := s.db.QueryRowContext(ctx, selectHistoric+` WHERE status = ? LIMIT 1`, string(tracking.StatusDeparture))
	h, err := scanHistoric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Historic{}, false, nil
	}
	if err != nil {
		return tracking.Historic{}, false, err
	}
	return h, true, nil
}

// List возвращает поездки по фильтрам, новые первыми.
func (s *Store) List(ctx context.Context, q tracking.HistoryQuery) ([]tracking.Historic, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	after := int64(math.MinInt64)
	if !q.UpdatedAfter.IsZero() {
		after = q.UpdatedAfter.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx, selectHistoric+`
WHERE (? = '' OR user_id = ?) AND (? = '' OR status = ?) AND updated_at > ?
ORDER BY created_at DESC
LIMIT ?`, q.UserID, q.UserID, string(q.Status), string(q.Status), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query historic: %w", err)
	}
	defer rows.Close()

	items := make([]tracking.Historic, 0, limit)
	for rows.Next() {
		h, err := scanHistoric(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate historic: %w", err)
	}
	return items, nil
}

const selectHistoric = `SELECT id, user_id, license_plate, description, status, coords, created_at, updated_at FROM historic`

type scanner interface {
	Scan(dest ...any) error
}

func scanHistoric(row scanner) (tracking.Historic, error) {
	var (
		h                tracking.Historic
		id, status       string
		coords           []byte
		created, updated int64
	)
	if err := row.Scan(&id, &h.UserID, &h.LicensePlate, &h.Description, &status, &coords, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return h, err
		}
		return h, fmt.Errorf("scan historic: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return h, fmt.Errorf("parse historic id: %w", err)
	}
	h.ID = parsed
	h.Status = tracking.Status(status)
	h.Coords = []tracking.Coordinate{}
	if err := codec.Unmarshal(coords, &h.Coords); err != nil {
		return h, fmt.Errorf("decode coords: %w", err)
	}
	if h.Coords == nil {
		h.Coords = []tracking.Coordinate{}
	}
	h.CreatedAt = time.Unix(0, created).UTC()
	h.UpdatedAt = time.Unix(0, updated).UTC()
	return h, nil
}

// Append дописывает точку в буфер текущей поездки.
func (s *Store) Append(ctx context.Context, c tracking.Coordinate) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO pending_samples(buffer_key, latitude, longitude, ts) VALUES(?,?,?,?)`,
		s.bufferKey, c.Latitude, c.Longitude, c.Timestamp)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// All возвращает буфер в порядке записи.
func (s *Store) All(ctx context.Context) ([]tracking.Coordinate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT latitude, longitude, ts FROM pending_samples WHERE buffer_key = ? ORDER BY seq`, s.bufferKey)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []tracking.Coordinate
	for rows.Next() {
		var c tracking.Coordinate
		if err := rows.Scan(&c.Latitude, &c.Longitude, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// Clear очищает буфер.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_samples WHERE buffer_key = ?`, s.bufferKey); err != nil {
		return fmt.Errorf("clear samples: %w", err)
	}
	return nil
}

// Len возвращает количество точек в буфере.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_samples WHERE buffer_key = ?`, s.bufferKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// LastSync возвращает маркер синхронизации; нулевое время, если его нет.
func (s *Store) LastSync(ctx context.Context) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, lastSyncKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("query last sync: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last sync: %w", err)
	}
	return ts.UTC(), nil
}

// SetLastSync сохраняет маркер синхронизации.
func (s *Store) SetLastSync(ctx context.Context, ts time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			lastSyncKey, ts.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert last sync: %w", err)
		}
		return nil
	})
}

// SaveAudit сохраняет аудиторное событие.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events(subject, action, source, status, request_id, payload, ts) VALUES(?,?,?,?,?,?,?)`,
		ev.Subject, ev.Action, ev.Source, ev.Status, ev.RequestID, ev.Payload, ts.UTC().Format(auditTSLayout))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// QueryAudit возвращает аудит по фильтрам.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	to := q.To
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, action, source, status, request_id, payload, ts
FROM audit_events
WHERE ts >= ? AND ts <= ? AND (? = '' OR subject = ?)
ORDER BY ts DESC
LIMIT ?`, from.UTC().Format(auditTSLayout), to.UTC().Format(auditTSLayout), q.Subject, q.Subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Subject, &ev.Action, &ev.Source, &ev.Status, &ev.RequestID, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		ev.TS = parsedTS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		auditTSLayout,
		"2006-01-02 15:04:05",
	}
	v = strings.TrimSpace(v)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Write реализует storage.AuditWriter.
func (s *Store) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarshalPayload сериализует полезную нагрузку аудита.
func MarshalPayload(data interface{}) ([]byte, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return buf, nil
}
