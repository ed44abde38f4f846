package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/stanstork/harvest-api/internal/models"
)

type RecordRepository interface {
	UpsertRecord(ctx context.Context, rec models.Record) (models.RecordUpsertResult, error)
	GetRecord(ctx context.Context, id string) (models.Record, error)
	GetRecordByProviderID(ctx context.Context, providerRecordID string) (models.Record, error)
	ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.Record, error)
}

type recordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) RecordRepository {
	return &recordRepository{db: db}
}

// UpsertRecord is a single statement under the unique index on
// provider_record_id. Existing job/container links are never replaced;
// display fields take the latest non-null value.
func (r *recordRepository) UpsertRecord(ctx context.Context, rec models.Record) (models.RecordUpsertResult, error) {
	const query = `
		INSERT INTO ingest.records AS r (
			provider_record_id, platform, container_id, job_id, payload,
			author, body, url, like_count, comment_count, share_count, view_count,
			posted_at, synthetic_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (provider_record_id) DO UPDATE
		   SET container_id  = COALESCE(r.container_id, EXCLUDED.container_id),
		       job_id        = COALESCE(r.job_id, EXCLUDED.job_id),
		       payload       = EXCLUDED.payload,
		       author        = COALESCE(EXCLUDED.author, r.author),
		       body          = COALESCE(EXCLUDED.body, r.body),
		       url           = COALESCE(EXCLUDED.url, r.url),
		       like_count    = COALESCE(EXCLUDED.like_count, r.like_count),
		       comment_count = COALESCE(EXCLUDED.comment_count, r.comment_count),
		       share_count   = COALESCE(EXCLUDED.share_count, r.share_count),
		       view_count    = COALESCE(EXCLUDED.view_count, r.view_count),
		       posted_at     = COALESCE(EXCLUDED.posted_at, r.posted_at),
		       updated_at    = NOW()
		RETURNING id, (xmax = 0) AS inserted
	`
	var res models.RecordUpsertResult
	rec, err := stripNULRecord(rec)
	if err != nil {
		return res, pkgerrors.Wrapf(err, "sanitize record %s", rec.ProviderRecordID)
	}
	err = r.db.QueryRowContext(ctx, query,
		rec.ProviderRecordID,
		rec.Platform,
		rec.ContainerID,
		rec.JobID,
		[]byte(rec.Payload),
		rec.Author,
		rec.Body,
		rec.URL,
		rec.LikeCount,
		rec.CommentCount,
		rec.ShareCount,
		rec.ViewCount,
		rec.PostedAt,
		rec.SyntheticID,
	).Scan(&res.ID, &res.Inserted)
	if err != nil {
		return res, pkgerrors.Wrapf(err, "upsert record %s", rec.ProviderRecordID)
	}
	return res, nil
}

const recordColumns = `id, provider_record_id, platform, container_id, job_id, payload,
	author, body, url, like_count, comment_count, share_count, view_count,
	posted_at, synthetic_id, ingested_at, updated_at`

func (r *recordRepository) GetRecord(ctx context.Context, id string) (models.Record, error) {
	if !isRowID(id) {
		return models.Record{}, ErrNotFound
	}
	query := `SELECT ` + recordColumns + ` FROM ingest.records WHERE id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, query, id))
}

func (r *recordRepository) GetRecordByProviderID(ctx context.Context, providerRecordID string) (models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ingest.records WHERE provider_record_id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, query, providerRecordID))
}

func (r *recordRepository) ListRecords(ctx context.Context, filter models.RecordFilter) ([]models.Record, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if filter.Platform != "" {
		add("platform = ?", filter.Platform)
	}
	if filter.JobID != "" {
		if !isRowID(filter.JobID) {
			return []models.Record{}, nil
		}
		add("job_id = ?", filter.JobID)
	}
	if filter.ContainerID != "" {
		add("container_id = ?", filter.ContainerID)
	}

	query := `SELECT ` + recordColumns + ` FROM ingest.records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	// LIMIT NULL means no limit.
	var limit interface{}
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	args = append(args, limit, filter.Offset)
	query += ` ORDER BY ingested_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list records")
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanRecord(scanner rowScanner) (models.Record, error) {
	var (
		rec          models.Record
		containerID  sql.NullString
		jobID        sql.NullString
		payload      []byte
		author       sql.NullString
		body         sql.NullString
		url          sql.NullString
		likeCount    sql.NullInt64
		commentCount sql.NullInt64
		shareCount   sql.NullInt64
		viewCount    sql.NullInt64
		postedAt     sql.NullTime
	)
	err := scanner.Scan(
		&rec.ID,
		&rec.ProviderRecordID,
		&rec.Platform,
		&containerID,
		&jobID,
		&payload,
		&author,
		&body,
		&url,
		&likeCount,
		&commentCount,
		&shareCount,
		&viewCount,
		&postedAt,
		&rec.SyntheticID,
		&rec.IngestedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, err
	}

	rec.Payload = payload
	rec.ContainerID = nullString(containerID)
	rec.JobID = nullString(jobID)
	rec.Author = nullString(author)
	rec.Body = nullString(body)
	rec.URL = nullString(url)
	rec.LikeCount = nullInt64(likeCount)
	rec.CommentCount = nullInt64(commentCount)
	rec.ShareCount = nullInt64(shareCount)
	rec.ViewCount = nullInt64(viewCount)
	if postedAt.Valid {
		rec.PostedAt = &postedAt.Time
	}
	return rec, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
