package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	pkgerrors "github.com/pkg/errors"
	"github.com/stanstork/harvest-api/internal/models"
)

// JobRepository is the slice of the submission side's job store that
// ingestion is allowed to touch: lookups, correlation backfill and guarded
// state transitions.
type JobRepository interface {
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (models.Job, error)
	// ListInFlight returns processing jobs that have no correlation id yet,
	// newest first.
	ListInFlight(ctx context.Context, platform string, since time.Time, limit int) ([]models.Job, error)
	BackfillCorrelationID(ctx context.Context, jobID, correlationID string) (bool, error)
	TransitionJob(ctx context.Context, jobID string, to models.JobState, errorMessage string) (models.JobTransition, error)
	GetBatchGroup(ctx context.Context, groupID string) (models.BatchGroup, error)
	RecomputeBatchGroup(ctx context.Context, groupID string) (models.BatchGroup, error)
}

type jobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, provider_correlation_id, platform, target_ref, container_id, batch_group_id,
	state, created_at, started_at, completed_at, last_error`

func (r *jobRepository) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	if !isRowID(jobID) {
		return models.Job{}, ErrNotFound
	}
	query := `SELECT ` + jobColumns + ` FROM ingest.jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, jobID))
}

func (r *jobRepository) FindByCorrelationID(ctx context.Context, correlationID string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ingest.jobs WHERE provider_correlation_id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, correlationID))
}

func (r *jobRepository) ListInFlight(ctx context.Context, platform string, since time.Time, limit int) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM ingest.jobs
		WHERE platform = $1
		  AND state = 'processing'
		  AND provider_correlation_id IS NULL
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, platform, since, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list in-flight jobs")
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepository) BackfillCorrelationID(ctx context.Context, jobID, correlationID string) (bool, error) {
	query := `
		UPDATE ingest.jobs
		   SET provider_correlation_id = $2,
		       updated_at              = NOW()
		 WHERE id = $1 AND provider_correlation_id IS NULL
	`
	res, err := r.db.ExecContext(ctx, query, jobID, correlationID)
	if err != nil {
		// Another job already owns this correlation id.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, pkgerrors.Wrap(err, "backfill correlation id")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *jobRepository) TransitionJob(ctx context.Context, jobID string, to models.JobState, errorMessage string) (models.JobTransition, error) {
	if !isRowID(jobID) {
		return models.JobTransition{}, ErrNotFound
	}
	var from []string
	for _, s := range models.NonTerminalJobStates() {
		if s.CanTransitionTo(to) {
			from = append(from, string(s))
		}
	}

	const query = `
		WITH prev AS (
			SELECT id, state FROM ingest.jobs WHERE id = $1 FOR UPDATE
		)
		UPDATE ingest.jobs j
		   SET state        = $2::text,
		       started_at   = COALESCE(j.started_at, NOW()),
		       completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN NOW() ELSE j.completed_at END,
		       last_error   = CASE WHEN $3::text = '' THEN j.last_error ELSE $3::text END,
		       updated_at   = NOW()
		  FROM prev
		 WHERE j.id = prev.id AND prev.state = ANY($4)
		RETURNING prev.state, j.batch_group_id
	`
	var (
		prevState string
		groupID   sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, jobID, string(to), errorMessage, pq.Array(from)).Scan(&prevState, &groupID)
	if errors.Is(err, sql.ErrNoRows) {
		job, getErr := r.GetJob(ctx, jobID)
		if getErr != nil {
			return models.JobTransition{}, getErr
		}
		return models.JobTransition{}, &TransitionConflictError{JobID: jobID, Current: job.State, Target: to}
	}
	if err != nil {
		return models.JobTransition{}, pkgerrors.Wrap(err, "transition job")
	}

	t := models.JobTransition{JobID: jobID, From: models.JobState(prevState), To: to}
	if groupID.Valid {
		t.BatchGroupID = &groupID.String
	}
	return t, nil
}

func (r *jobRepository) GetBatchGroup(ctx context.Context, groupID string) (models.BatchGroup, error) {
	if !isRowID(groupID) {
		return models.BatchGroup{}, ErrNotFound
	}
	const query = `
		SELECT id, total, succeeded, failed, state, updated_at
		FROM ingest.batch_groups
		WHERE id = $1
	`
	var g models.BatchGroup
	err := r.db.QueryRowContext(ctx, query, groupID).Scan(&g.ID, &g.Total, &g.Succeeded, &g.Failed, &g.State, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

// RecomputeBatchGroup re-derives the group's counters from its members while
// holding the group row lock, so overlapping member transitions serialize.
func (r *jobRepository) RecomputeBatchGroup(ctx context.Context, groupID string) (models.BatchGroup, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return models.BatchGroup{}, pkgerrors.Wrap(err, "begin batch group tx")
	}
	defer tx.Rollback()

	var id string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM ingest.batch_groups WHERE id = $1 FOR UPDATE`, groupID).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.BatchGroup{}, ErrNotFound
		}
		return models.BatchGroup{}, pkgerrors.Wrap(err, "lock batch group")
	}

	g := models.BatchGroup{ID: id}
	const countQuery = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM ingest.jobs
		WHERE batch_group_id = $1
	`
	if err := tx.QueryRowContext(ctx, countQuery, groupID).Scan(&g.Total, &g.Succeeded, &g.Failed); err != nil {
		return models.BatchGroup{}, pkgerrors.Wrap(err, "count batch group members")
	}
	g.State = models.DeriveBatchState(g.Total, g.Succeeded, g.Failed)

	const updateQuery = `
		UPDATE ingest.batch_groups
		   SET total = $2, succeeded = $3, failed = $4, state = $5, updated_at = NOW()
		 WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowContext(ctx, updateQuery, groupID, g.Total, g.Succeeded, g.Failed, g.State).Scan(&g.UpdatedAt); err != nil {
		return models.BatchGroup{}, pkgerrors.Wrap(err, "update batch group")
	}

	if err := tx.Commit(); err != nil {
		return models.BatchGroup{}, pkgerrors.Wrap(err, "commit batch group")
	}
	return g, nil
}

func scanJob(scanner rowScanner) (models.Job, error) {
	var (
		job           models.Job
		correlationID sql.NullString
		containerID   sql.NullString
		groupID       sql.NullString
		startedAt     sql.NullTime
		completedAt   sql.NullTime
		lastError     sql.NullString
	)
	err := scanner.Scan(
		&job.ID,
		&correlationID,
		&job.Platform,
		&job.TargetRef,
		&containerID,
		&groupID,
		&job.State,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&lastError,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, ErrNotFound
		}
		return job, err
	}

	if correlationID.Valid {
		job.ProviderCorrelationID = &correlationID.String
	}
	if containerID.Valid {
		job.ContainerID = &containerID.String
	}
	if groupID.Valid {
		job.BatchGroupID = &groupID.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lastError.Valid {
		job.LastError = &lastError.String
	}
	return job, nil
}
