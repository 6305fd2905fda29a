package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertAttachment inserts or refreshes an attachment within a transaction.
// seen stamps the row so DeleteMissingAttachments can drop rows a walk did not
// visit. The id of an existing path never changes.
func (d *Database) UpsertAttachment(tx *sql.Tx, a *Attachment, seen time.Time) error {
	start := time.Now()
	var err error
	defer func() { recordQuery("upsert_attachment", start, err) }()

	query := `
	INSERT INTO attachments (path, mime_type, size, mod_time, seen_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		mime_type = excluded.mime_type,
		size = excluded.size,
		mod_time = excluded.mod_time,
		seen_at = excluded.seen_at
	`

	// Use background context since we're within a transaction.
	var result sql.Result
	result, err = tx.ExecContext(context.Background(), query,
		CanonicalPath(a.Path), a.MimeType, a.Size, a.ModTime.Unix(), seen.UnixMilli())
	if err == nil {
		recordRows("upsert_attachment", result)
	}
	return err
}

// DeleteMissingAttachments removes attachments not seen since cutoff.
// Must be called within a transaction.
func (d *Database) DeleteMissingAttachments(tx *sql.Tx, cutoff time.Time) (int64, error) {
	result, err := tx.ExecContext(context.Background(),
		"DELETE FROM attachments WHERE seen_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return recordRows("delete_attachments", result), nil
}

// GetAttachment returns one attachment or ErrAttachmentNotFound.
func (d *Database) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var a Attachment
	var modTime int64
	err := d.db.QueryRowContext(ctx,
		"SELECT id, path, mime_type, size, mod_time FROM attachments WHERE id = ?", id,
	).Scan(&a.ID, &a.Path, &a.MimeType, &a.Size, &modTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ModTime = time.Unix(modTime, 0)
	return &a, nil
}

// GetAttachmentByPath returns the attachment whose original is path.
func (d *Database) GetAttachmentByPath(ctx context.Context, path string) (*Attachment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var a Attachment
	var modTime int64
	err := d.db.QueryRowContext(ctx,
		"SELECT id, path, mime_type, size, mod_time FROM attachments WHERE path = ?", CanonicalPath(path),
	).Scan(&a.ID, &a.Path, &a.MimeType, &a.Size, &modTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttachmentNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ModTime = time.Unix(modTime, 0)
	return &a, nil
}

// ListAttachmentIDs returns every attachment id in ascending order.
func (d *Database) ListAttachmentIDs(ctx context.Context) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, "SELECT id FROM attachments ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountAttachments returns the number of indexed attachments.
func (d *Database) CountAttachments(ctx context.Context) (int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int64
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attachments").Scan(&count)
	return count, err
}
