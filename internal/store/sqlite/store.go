package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/greentrail/nudge-engine/internal/localstate"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/store"
)

// Store implements store.Store on a local SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens the database at path and applies the schema.
func New(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	s, err := NewWithDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wires an existing connection and applies the schema.
func NewWithDB(db *sql.DB) (*Store, error) {
	if err := localstate.EnsureSQLiteSchema(db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) HealthPing(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Profiles() store.Blobs { return blobs{db: s.db, table: "Profiles"} }
func (s *Store) Timing() store.Blobs { return blobs{db: s.db, table: "TimingState"} }
func (s *Store) Delays() store.Delays { return delays{db: s.db} }
func (s *Store) Queue() store.Queue { return queue{db: s.db} }
func (s *Store) Settings() store.Settings { return settings{db: s.db} }

// --- per-user JSON documents ---

type blobs struct {
	db    *sql.DB
	table string
}

func (b blobs) Get(ctx context.Context, userID string) (json.RawMessage, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT Data FROM `+b.table+` WHERE UserId = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (b blobs) Put(ctx context.Context, userID string, data json.RawMessage) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO `+b.table+` (UserId, Data, UpdateTime) VALUES (?,?,?)
        ON CONFLICT(UserId) DO UPDATE SET Data = excluded.Data, UpdateTime = excluded.UpdateTime`,
		userID, string(data), time.Now().UTC())
	return err
}

func (b blobs) Delete(ctx context.Context, userID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM `+b.table+` WHERE UserId = ?`, userID)
	return err
}

// --- delays ---

type delays struct {
	db *sql.DB
}

func (d delays) Put(ctx context.Context, rec *model.DelayRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `INSERT INTO Delays (DelayId, UserId, Status, DelayEnd, Data, CreationTime) VALUES (?,?,?,?,?,?)
        ON CONFLICT(DelayId) DO UPDATE SET Status = excluded.Status, DelayEnd = excluded.DelayEnd, Data = excluded.Data`,
		rec.DelayID, rec.UserID, string(rec.Status), rec.DelayEnd.UTC(), string(data), rec.CreatedAt.UTC())
	return err
}

func (d delays) Get(ctx context.Context, delayID string) (*model.DelayRecord, error) {
	var data string
	err := d.db.QueryRowContext(ctx, `SELECT Data FROM Delays WHERE DelayId = ?`, delayID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec model.DelayRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode delay %s: %w", delayID, err)
	}
	return &rec, nil
}

func (d delays) ListByStatus(ctx context.Context, userID string, status model.DelayStatus) ([]*model.DelayRecord, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT Data FROM Delays WHERE UserId = ? AND Status = ? ORDER BY CreationTime ASC`, userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.DelayRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec model.DelayRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// --- sync queue ---

type queue struct {
	db *sql.DB
}

func (q queue) Append(ctx context.Context, e model.QueuedEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `INSERT OR IGNORE INTO SyncQueue (EventId, Payload, QueuedTime) VALUES (?,?,?)`,
		e.ID, string(payload), e.Timestamp.UTC())
	return err
}

func (q queue) Remove(ctx context.Context, eventID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM SyncQueue WHERE EventId = ?`, eventID)
	return err
}

func (q queue) List(ctx context.Context) ([]model.QueuedEvent, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT Payload FROM SyncQueue ORDER BY Seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.QueuedEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e model.QueuedEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q queue) Clear(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM SyncQueue`)
	return err
}

// --- settings ---

type settings struct {
	db *sql.DB
}

func (s settings) Get(ctx context.Context, userID string) (model.Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT Data FROM Settings WHERE UserId = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, err
	}
	out := model.DefaultSettings()
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return model.Settings{}, err
	}
	return out, nil
}

func (s settings) Put(ctx context.Context, userID string, v model.Settings) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO Settings (UserId, Data, UpdateTime) VALUES (?,?,?)
        ON CONFLICT(UserId) DO UPDATE SET Data = excluded.Data, UpdateTime = excluded.UpdateTime`,
		userID, string(data), time.Now().UTC())
	return err
}
