package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	"github.com/stanstork/harvest-api/internal/models"
)

// DeliveryRepository stores the delivery audit log. Entries only move
// forward through models.AuditStatus and flags are only ever appended.
type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, entry models.DeliveryAuditEntry) (models.DeliveryAuditEntry, error)
	AdvanceDelivery(ctx context.Context, id string, to models.AuditStatus, update models.AuditUpdate) error
	GetDelivery(ctx context.Context, id string) (models.DeliveryAuditEntry, error)
	ListDeliveries(ctx context.Context, filter models.AuditFilter) ([]models.DeliveryAuditEntry, error)
	DeliveryStats(ctx context.Context, days int) (models.DeliveryStat, error)
}

type deliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) DeliveryRepository {
	return &deliveryRepository{db: db}
}

func (r *deliveryRepository) CreateDelivery(ctx context.Context, entry models.DeliveryAuditEntry) (models.DeliveryAuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.AuditStatusReceived
	}
	headers := []byte(entry.Headers)
	if len(headers) == 0 {
		headers = []byte("{}")
	}

	const query = `
		INSERT INTO ingest.delivery_audit (
			id, platform, correlation_id, raw_payload, content_encoding, content_type,
			headers, query, status, flags, replay_of
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING received_at
	`
	err := r.db.QueryRowContext(ctx, query,
		entry.ID,
		entry.Platform,
		entry.CorrelationID,
		entry.RawPayload,
		entry.ContentEncoding,
		entry.ContentType,
		headers,
		entry.Query,
		entry.Status,
		pq.Array(flagStrings(entry.Flags)),
		entry.ReplayOf,
	).Scan(&entry.ReceivedAt)
	if err != nil {
		return entry, pkgerrors.Wrap(err, "create delivery audit entry")
	}
	return entry, nil
}

func (r *deliveryRepository) AdvanceDelivery(ctx context.Context, id string, to models.AuditStatus, update models.AuditUpdate) error {
	from := models.AuditPredecessors(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: %s is not reachable", ErrAuditTransition, to)
	}

	const query = `
		UPDATE ingest.delivery_audit
		   SET status            = $2,
		       platform          = COALESCE($3, platform),
		       correlation_id    = COALESCE($4, correlation_id),
		       job_id            = COALESCE($5, job_id),
		       flags             = flags || ARRAY(SELECT f FROM unnest($6::text[]) AS f WHERE f <> ALL(flags)),
		       error_detail      = COALESCE($7, error_detail),
		       records_total     = COALESCE($8, records_total),
		       records_persisted = COALESCE($9, records_persisted),
		       records_failed    = COALESCE($10, records_failed),
		       processed_at      = CASE WHEN $11 THEN NOW() ELSE processed_at END
		 WHERE id = $1 AND status = ANY($12)
	`
	res, err := r.db.ExecContext(ctx, query,
		id,
		to,
		update.Platform,
		update.CorrelationID,
		update.JobID,
		pq.Array(flagStrings(update.Flags)),
		update.ErrorDetail,
		update.RecordsTotal,
		update.RecordsPersisted,
		update.RecordsFailed,
		to.IsFinal(),
		pq.Array(statusStrings(from)),
	)
	if err != nil {
		return pkgerrors.Wrapf(err, "advance delivery %s to %s", id, to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetDelivery(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrAuditTransition, id, to)
	}
	return nil
}

const deliveryColumns = `id, platform, correlation_id, job_id, content_encoding, content_type,
	headers, query, status, flags, error_detail, records_total, records_persisted,
	records_failed, replay_of, received_at, processed_at`

func (r *deliveryRepository) GetDelivery(ctx context.Context, id string) (models.DeliveryAuditEntry, error) {
	if !isRowID(id) {
		return models.DeliveryAuditEntry{}, ErrNotFound
	}
	query := `SELECT ` + deliveryColumns + `, raw_payload FROM ingest.delivery_audit WHERE id = $1`
	var raw []byte
	entry, err := scanDelivery(r.db.QueryRowContext(ctx, query, id), &raw)
	if err != nil {
		return entry, err
	}
	entry.RawPayload = raw
	return entry, nil
}

func (r *deliveryRepository) ListDeliveries(ctx context.Context, filter models.AuditFilter) ([]models.DeliveryAuditEntry, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM ingest.delivery_audit
		WHERE ($1 = '' OR status = $1)
		ORDER BY received_at DESC
		LIMIT $2
		OFFSET $3
	`
	var limit interface{}
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := r.db.QueryContext(ctx, query, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list deliveries")
	}
	defer rows.Close()

	var entries []models.DeliveryAuditEntry
	for rows.Next() {
		entry, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *deliveryRepository) DeliveryStats(ctx context.Context, days int) (models.DeliveryStat, error) {
	const query = `
		WITH days AS (
			SELECT generate_series(
				(current_date - ($1 - 1) * INTERVAL '1 day'),
				current_date,
				'1 day'::INTERVAL
			) AS day
		)
		SELECT
			days.day,
			COALESCE(SUM((d.status = 'processed')::int), 0)      AS processed,
			COALESCE(SUM((d.status = 'error')::int), 0)          AS errored,
			COALESCE(SUM((d.status = 'malformed')::int), 0)      AS malformed,
			COALESCE(SUM((d.status = 'test_processed')::int), 0) AS test
		FROM days
		LEFT JOIN ingest.delivery_audit d
		ON d.received_at::DATE = days.day
		GROUP BY days.day
		ORDER BY days.day;
	`
	rows, err := r.db.QueryContext(ctx, query, days)
	if err != nil {
		return models.DeliveryStat{}, fmt.Errorf("DeliveryStats query error: %w", err)
	}
	defer rows.Close()

	var perDay []models.DeliveryStatDay
	for rows.Next() {
		var stat models.DeliveryStatDay
		if err := rows.Scan(&stat.Day, &stat.Processed, &stat.Errored, &stat.Malformed, &stat.Test); err != nil {
			return models.DeliveryStat{}, fmt.Errorf("failed to scan delivery stat: %w", err)
		}
		perDay = append(perDay, stat)
	}
	if err := rows.Err(); err != nil {
		return models.DeliveryStat{}, err
	}

	const totalQuery = `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM((status = 'processed')::int), 0) AS processed,
			COALESCE(SUM((status = 'error')::int), 0)     AS errored,
			COALESCE(SUM((status = 'malformed')::int), 0) AS malformed,
			COALESCE(SUM(('correlation_unresolved' = ANY(flags))::int), 0) AS unresolved
		FROM ingest.delivery_audit
		WHERE received_at >= current_date - ($1 - 1) * INTERVAL '1 day';
	`
	var stats models.DeliveryStat
	row := r.db.QueryRowContext(ctx, totalQuery, days)
	if err := row.Scan(&stats.Total, &stats.Processed, &stats.Errored, &stats.Malformed, &stats.Unresolved); err != nil {
		return models.DeliveryStat{}, fmt.Errorf("DeliveryStats total scan error: %w", err)
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Processed) / float64(stats.Total) * 100.0
	}
	stats.PerDay = perDay
	return stats, nil
}

func scanDelivery(scanner rowScanner, extra ...interface{}) (models.DeliveryAuditEntry, error) {
	var (
		entry         models.DeliveryAuditEntry
		platform      sql.NullString
		correlationID sql.NullString
		jobID         sql.NullString
		headers       []byte
		flags         []string
		errorDetail   sql.NullString
		replayOf      sql.NullString
		processedAt   sql.NullTime
	)
	dest := []interface{}{
		&entry.ID,
		&platform,
		&correlationID,
		&jobID,
		&entry.ContentEncoding,
		&entry.ContentType,
		&headers,
		&entry.Query,
		&entry.Status,
		pq.Array(&flags),
		&errorDetail,
		&entry.RecordsTotal,
		&entry.RecordsPersisted,
		&entry.RecordsFailed,
		&replayOf,
		&entry.ReceivedAt,
		&processedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry, ErrNotFound
		}
		return entry, err
	}

	entry.Platform = nullString(platform)
	entry.CorrelationID = nullString(correlationID)
	entry.JobID = nullString(jobID)
	entry.Headers = headers
	entry.ErrorDetail = nullString(errorDetail)
	entry.ReplayOf = nullString(replayOf)
	if processedAt.Valid {
		entry.ProcessedAt = &processedAt.Time
	}
	entry.Flags = make([]models.Flag, 0, len(flags))
	for _, f := range flags {
		entry.Flags = append(entry.Flags, models.Flag(f))
	}
	return entry, nil
}

func flagStrings(flags []models.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

func statusStrings(statuses []models.AuditStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
