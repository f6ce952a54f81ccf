package syncqueue

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"example.com/activitylog/pkg/activityapi"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const itemColumns = `id, data, status, retry_count, error, created_at, updated_at, syncing_since`

// SQLiteStore keeps the queue in a SQLite file through a single connection.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the queue database at path and applies its migrations.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open queue %s", path)
	}
	db.SetMaxOpenConns(1)

	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "queue migrations")
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply queue migrations")
	}
	return &SQLiteStore{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStore) Enqueue(payload activityapi.CreateEventRequest) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, "generate item id")
	}
	now := s.opts.now()
	item := newPending(id.String(), payload, now)
	data, err := msgpack.Marshal(item.Data)
	if err != nil {
		return "", errors.Wrap(err, "encode payload")
	}
	_, err = s.db.Exec(`INSERT INTO sync_queue (`+itemColumns+`) VALUES (?, ?, ?, 0, '', ?, ?, NULL)`,
		item.ID, data, string(item.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return "", errors.Wrap(err, "enqueue")
	}
	return item.ID, nil
}

func (s *SQLiteStore) Get(id string) (Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, errors.Wrapf(ErrItemNotFound, "get %s", id)
	}
	return item, err
}

func (s *SQLiteStore) List(statuses ...Status) ([]Item, error) {
	rows, err := s.db.Query(`SELECT ` + itemColumns + ` FROM sync_queue ORDER BY created_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "list queue")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if wantStatus(statuses, item.Status) {
			items = append(items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list queue")
	}
	return items, nil
}

func (s *SQLiteStore) MarkSyncing(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markSyncing(it, now) })
}

func (s *SQLiteStore) MarkSynced(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markSynced(it, now) })
}

func (s *SQLiteStore) MarkFailed(id, reason string) error {
	return s.update(id, func(it *Item, now time.Time) error { return markFailed(it, reason, now) })
}

func (s *SQLiteStore) Requeue(id, reason string) error {
	return s.update(id, func(it *Item, now time.Time) error { return requeue(it, reason, now) })
}

func (s *SQLiteStore) Release(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return release(it, now) })
}

func (s *SQLiteStore) ResetFailed(id string) error {
	return s.update(id, func(it *Item, now time.Time) error { return resetFailed(it, now) })
}

func (s *SQLiteStore) RecoverStale(olderThan time.Time) (int, error) {
	now := s.opts.now()
	res, err := s.db.Exec(`UPDATE sync_queue SET status = ?, syncing_since = NULL, updated_at = ?
		WHERE status = ? AND syncing_since < ?`,
		string(StatusPending), now.UnixNano(), string(StatusSyncing), olderThan.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "recover stale items")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Remove(id string) error {
	res, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "remove %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrItemNotFound, "remove %s", id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) update(id string, fn func(*Item, time.Time) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin queue update")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	item, err := scanItem(tx.QueryRow(`SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrItemNotFound, "get %s", id)
	}
	if err != nil {
		return err
	}
	if err = fn(&item, s.opts.now()); err != nil {
		return err
	}

	var syncingSince any
	if !item.SyncingSince.IsZero() {
		syncingSince = item.SyncingSince.UnixNano()
	}
	if _, err = tx.Exec(`UPDATE sync_queue SET status = ?, retry_count = ?, error = ?, updated_at = ?, syncing_since = ? WHERE id = ?`,
		string(item.Status), item.RetryCount, item.Error, item.UpdatedAt.UnixNano(), syncingSince, item.ID); err != nil {
		return errors.Wrapf(err, "update %s", id)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item         Item
		data         []byte
		status       string
		createdAt    int64
		updatedAt    int64
		syncingSince sql.NullInt64
	)
	if err := row.Scan(&item.ID, &data, &status, &item.RetryCount, &item.Error, &createdAt, &updatedAt, &syncingSince); err != nil {
		return Item{}, err
	}
	if err := msgpack.Unmarshal(data, &item.Data); err != nil {
		return Item{}, errors.Wrapf(err, "decode payload %s", item.ID)
	}
	item.Status = Status(status)
	item.Timestamp = time.Unix(0, createdAt).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if syncingSince.Valid {
		item.SyncingSince = time.Unix(0, syncingSince.Int64).UTC()
	}
	return item, nil
}
