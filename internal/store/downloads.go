package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mediadl/mediadl/internal/engine/types"
	"github.com/mediadl/mediadl/internal/utils"
)

const recordColumns = `id, url_id, url, title, status, progress, file_path, file_size,
  error_message, start_time, end_time, queued_at, created_at, options`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*types.Record, error) {
	var (
		r         types.Record
		status    string
		fileSize  sql.NullInt64
		startTime sql.NullInt64
		endTime   sql.NullInt64
		queuedAt  sql.NullInt64
		createdAt int64
		options   string
	)
	if err := row.Scan(
		&r.ID, &r.URLID, &r.URL, &r.Title, &status, &r.Progress, &r.FilePath, &fileSize,
		&r.ErrorMessage, &startTime, &endTime, &queuedAt, &createdAt, &options,
	); err != nil {
		return nil, err
	}
	r.Status = types.Status(status)
	if fileSize.Valid {
		size := fileSize.Int64
		r.FileSize = &size
	}
	r.StartTime = fromMillis(startTime)
	r.EndTime = fromMillis(endTime)
	r.QueuedAt = fromMillis(queuedAt)
	r.CreatedAt = time.UnixMilli(createdAt)
	r.Options = types.UnmarshalOptions(options)
	return &r, nil
}

func getByURLIDTx(ctx context.Context, tx *sql.Tx, urlID string) (*types.Record, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM downloads WHERE url_id = ? ORDER BY id DESC LIMIT 1`, urlID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func nullableSize(size *int64) any {
	if size == nil {
		return nil
	}
	return *size
}

// insertIgnoreTx inserts a record unless urlID already has one. It reports
// whether a row was added.
func insertIgnoreTx(ctx context.Context, tx *sql.Tx, url, urlID, title string, status types.Status, opts types.Options, now int64) (bool, error) {
	var queuedAt any
	if status == types.StatusQueued {
		queuedAt = now
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO downloads (url_id, url, title, status, queued_at, created_at, options)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url_id) DO NOTHING`,
		urlID, url, title, string(status), queuedAt, now, types.MarshalOptions(opts),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateRecord inserts a record unless one already exists for urlID, in
// which case the existing row is returned unchanged.
func (s *Store) CreateRecord(ctx context.Context, url, urlID, title string, status types.Status, opts types.Options) (*types.Record, error) {
	if urlID == "" {
		return nil, errors.New("urlId is required")
	}
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}

	var rec *types.Record
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := insertIgnoreTx(ctx, tx, url, urlID, title, status, opts, s.nowMillis()); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		var err error
		rec, err = getByURLIDTx(ctx, tx, urlID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// upsertActive moves the record for urlID into status (creating it when
// missing) and resets the per-run fields.
func (s *Store) upsertActive(ctx context.Context, urlID, url, title string, status types.Status, opts types.Options) (*types.Record, error) {
	var rec *types.Record
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		now := s.nowMillis()
		var startTime, queuedAt any
		switch status {
		case types.StatusDownloading:
			startTime = now
		case types.StatusQueued:
			queuedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO downloads (url_id, url, title, status, progress, start_time, queued_at, created_at, options)
VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
ON CONFLICT(url_id) DO UPDATE SET
  status = excluded.status,
  progress = 0,
  error_message = '',
  file_path = '',
  file_size = NULL,
  start_time = excluded.start_time,
  end_time = NULL,
  queued_at = COALESCE(excluded.queued_at, downloads.queued_at),
  title = CASE WHEN excluded.title <> '' THEN excluded.title ELSE downloads.title END,
  url = CASE WHEN excluded.url <> '' THEN excluded.url ELSE downloads.url END,
  options = CASE WHEN excluded.options <> '' THEN excluded.options ELSE downloads.options END`,
			urlID, url, title, string(status), startTime, queuedAt, now, types.MarshalOptions(opts),
		); err != nil {
			return fmt.Errorf("upsert %s record: %w", status, err)
		}
		var err error
		rec, err = getByURLIDTx(ctx, tx, urlID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateStart moves the record for urlID to downloading, creating it if
// needed. Progress and error are reset and the start time refreshed.
func (s *Store) UpdateStart(ctx context.Context, urlID, url, title string, opts types.Options) (*types.Record, error) {
	return s.upsertActive(ctx, urlID, url, title, types.StatusDownloading, opts)
}

// UpdateQueued moves the record for urlID to queued, creating it if needed,
// and stamps the time it entered the queue.
func (s *Store) UpdateQueued(ctx context.Context, urlID, url, title string, opts types.Options) (*types.Record, error) {
	return s.upsertActive(ctx, urlID, url, title, types.StatusQueued, opts)
}

// UpdateProgress records progress for an active record. It reports false
// when the record is not pending or downloading.
func (s *Store) UpdateProgress(ctx context.Context, urlID string, percent float64, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET
  progress = ?,
  title = CASE WHEN ? <> '' THEN ? ELSE title END
WHERE url_id = ? AND status IN ('pending', 'downloading')`,
		percent, title, title, urlID)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return applied(res, "progress", urlID)
}

// UpdateComplete marks an active record completed.
func (s *Store) UpdateComplete(ctx context.Context, urlID, filePath, title string, fileSize *int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET
  status = 'completed',
  progress = 100,
  end_time = ?,
  file_path = ?,
  file_size = ?,
  error_message = '',
  title = CASE WHEN ? <> '' THEN ? ELSE title END
WHERE url_id = ? AND status IN ('pending', 'downloading')`,
		s.nowMillis(), filePath, nullableSize(fileSize), title, title, urlID)
	if err != nil {
		return false, fmt.Errorf("update complete: %w", err)
	}
	return applied(res, "complete", urlID)
}

// UpdateFailed marks a record failed whatever its current status.
func (s *Store) UpdateFailed(ctx context.Context, urlID, errorMessage, title string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE downloads SET
  status = 'failed',
  end_time = ?,
  error_message = ?,
  title = CASE WHEN ? <> '' THEN ? ELSE title END
WHERE url_id = ?`,
		s.nowMillis(), errorMessage, title, title, urlID)
	if err != nil {
		return fmt.Errorf("update failed: %w", err)
	}
	return nil
}

// UpdateCancelled marks a pending, downloading or queued record cancelled.
func (s *Store) UpdateCancelled(ctx context.Context, urlID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads SET status = 'cancelled', end_time = ?
WHERE url_id = ? AND status IN ('pending', 'downloading', 'queued')`,
		s.nowMillis(), urlID)
	if err != nil {
		return false, fmt.Errorf("update cancelled: %w", err)
	}
	return applied(res, "cancel", urlID)
}

func applied(res sql.Result, op, urlID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		utils.Debug("Store: ignoring %s for %s, record not active", op, urlID)
		return false, nil
	}
	return true, nil
}

// GetByURLID returns the most recent record for urlID.
func (s *Store) GetByURLID(ctx context.Context, urlID string) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM downloads WHERE url_id = ? ORDER BY id DESC LIMIT 1`, urlID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", urlID, err)
	}
	return r, nil
}

// GetByID returns the record with the given surrogate id.
func (s *Store) GetByID(ctx context.Context, id int64) (*types.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %d: %w", id, err)
	}
	return r, nil
}

var sortColumns = map[types.SortField]string{
	types.SortByCreatedAt: "created_at",
	types.SortByStartTime: "start_time",
	types.SortByEndTime:   "end_time",
	types.SortByTitle:     "title",
	types.SortByStatus:    "status",
	types.SortByProgress:  "progress",
}

// ListHistory returns a filtered, ordered page of records.
func (s *Store) ListHistory(ctx context.Context, q types.HistoryQuery) ([]types.Record, error) {
	column, ok := sortColumns[q.SortBy]
	if !ok {
		column = "created_at"
	}
	order := "DESC"
	if q.SortOrder == types.SortAsc {
		order = "ASC"
	}

	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString(`SELECT ` + recordColumns + ` FROM downloads`)
	if q.Status != "" {
		sb.WriteString(` WHERE status = ?`)
		args = append(args, string(q.Status))
	}
	fmt.Fprintf(&sb, ` ORDER BY %s %s, id %s`, column, order, order)
	if q.Limit > 0 {
		sb.WriteString(` LIMIT ? OFFSET ?`)
		args = append(args, q.Limit, max(q.Offset, 0))
	} else if q.Offset > 0 {
		sb.WriteString(` LIMIT -1 OFFSET ?`)
		args = append(args, q.Offset)
	}

	return s.queryRecords(ctx, sb.String(), args...)
}

// ListUnfinished returns every record left pending, downloading or queued.
// Records that held a slot come first, then the queue in FIFO order.
func (s *Store) ListUnfinished(ctx context.Context) ([]types.Record, error) {
	return s.queryRecords(ctx, `
SELECT `+recordColumns+` FROM downloads
WHERE status IN ('downloading', 'pending', 'queued')
ORDER BY CASE status WHEN 'queued' THEN 1 ELSE 0 END, created_at, id`)
}

// ListQueued returns queued records in release order, oldest record first.
// Re-queueing a record does not move it behind newer work.
func (s *Store) ListQueued(ctx context.Context) ([]types.Record, error) {
	return s.queryRecords(ctx, `
SELECT `+recordColumns+` FROM downloads
WHERE status = 'queued'
ORDER BY created_at, id`)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// DeleteByIDs hard-deletes the given records and returns the count removed.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return res.RowsAffected()
}

// ClearAll removes every record and returns the count removed.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM downloads`)
	if err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}
	return res.RowsAffected()
}

// DeleteFinishedBefore removes terminal records that ended before cutoff.
func (s *Store) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM downloads
WHERE status IN ('completed', 'failed', 'cancelled')
  AND COALESCE(end_time, created_at) < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete finished records: %w", err)
	}
	return res.RowsAffected()
}

// PopNextQueued atomically takes the oldest queued record and flips it to
// pending. It returns nil when the queue is empty.
func (s *Store) PopNextQueued(ctx context.Context) (*types.Record, error) {
	var rec *types.Record
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM downloads
WHERE status = 'queued'
ORDER BY created_at, id
LIMIT 1`)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next queued: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE downloads SET status = 'pending' WHERE id = ? AND status = 'queued'`, r.ID)
		if err != nil {
			return fmt.Errorf("pop queued: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		r.Status = types.StatusPending
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ResetForRetry re-arms a record as pending or queued, clearing the result
// of its previous run.
func (s *Store) ResetForRetry(ctx context.Context, id int64, status types.Status) (*types.Record, error) {
	if status != types.StatusPending && status != types.StatusQueued {
		return nil, fmt.Errorf("cannot retry into status %q", status)
	}

	var rec *types.Record
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var queuedAt any
		if status == types.StatusQueued {
			queuedAt = s.nowMillis()
		}
		res, err := tx.ExecContext(ctx, `
UPDATE downloads SET
  status = ?,
  progress = 0,
  error_message = '',
  file_path = '',
  file_size = NULL,
  start_time = NULL,
  end_time = NULL,
  queued_at = COALESCE(?, queued_at)
WHERE id = ?`, string(status), queuedAt, id)
		if err != nil {
			return fmt.Errorf("reset record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM downloads WHERE id = ?`, id)
		rec, err = scanRecord(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Statistics returns per-status counts. Every status is present.
func (s *Store) Statistics(ctx context.Context) (*types.Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM downloads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &types.Statistics{ByStatus: make(map[types.Status]int, len(types.AllStatuses))}
	for _, st := range types.AllStatuses {
		stats.ByStatus[st] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.ByStatus[types.Status(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// InsertCheckIDs records urlIds learned from a client as check rows. Ids
// already stored are left alone. It returns the number of rows inserted.
func (s *Store) InsertCheckIDs(ctx context.Context, urlIDs []string) (int, error) {
	if len(urlIDs) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		inserted = 0
		now := s.nowMillis()
		for _, id := range urlIDs {
			if id == "" {
				continue
			}
			added, err := insertIgnoreTx(ctx, tx, "", id, "", types.StatusCheck, types.Options{}, now)
			if err != nil {
				return fmt.Errorf("insert check row %s: %w", id, err)
			}
			if added {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// AllURLIDs returns every stored urlId in insertion order.
func (s *Store) AllURLIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT url_id FROM downloads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query url ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan url id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
