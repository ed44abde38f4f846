package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
)

// Outcome summarizes what a delivery did, as input to reconciliation.
type Outcome struct {
	Persisted int
	Failed    int
	Notice    Notice
}

// Reconciliation reports what happened to the Job.
type Reconciliation struct {
	Target     models.JobState
	Transition *models.JobTransition
	Group      *models.BatchGroup
	Conflict   bool
}

type Reconciler struct {
	jobs   repository.JobRepository
	logger zerolog.Logger
}

func NewReconciler(jobs repository.JobRepository, logger zerolog.Logger) *Reconciler {
	return &Reconciler{jobs: jobs, logger: logger.With().Str("component", "reconciler").Logger()}
}

// TargetState decides where a delivery moves its Job. An empty state means
// no change.
func TargetState(o Outcome) (models.JobState, string) {
	switch {
	case o.Persisted > 0:
		return models.JobStateCompleted, ""
	case o.Notice.Kind == NoticeFailure:
		msg := o.Notice.Message
		if msg == "" {
			msg = "provider reported failure: " + o.Notice.Status
		}
		return models.JobStateFailed, msg
	case o.Failed > 0:
		return models.JobStateFailed, "all records failed to persist"
	case o.Notice.Kind == NoticeSuccess:
		return models.JobStateCompleted, ""
	}
	return "", ""
}

// Reconcile applies the outcome to job. A transition rejected because the
// job already left the allowed states is reported, not returned as an error.
func (r *Reconciler) Reconcile(ctx context.Context, job models.Job, o Outcome) (Reconciliation, error) {
	target, msg := TargetState(o)
	rec := Reconciliation{Target: target}
	if target == "" {
		return rec, nil
	}

	t, err := r.jobs.TransitionJob(ctx, job.ID, target, msg)
	if errors.Is(err, repository.ErrTransitionConflict) {
		r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Job transition rejected")
		rec.Conflict = true
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	rec.Transition = &t

	if t.BatchGroupID != nil {
		g, err := r.jobs.RecomputeBatchGroup(ctx, *t.BatchGroupID)
		if err != nil {
			return rec, err
		}
		rec.Group = &g
		r.logger.Debug().
			Str("batch_group_id", g.ID).
			Str("state", string(g.State)).
			Int("succeeded", g.Succeeded).
			Int("failed", g.Failed).
			Int("total", g.Total).
			Msg("Batch group recomputed")
	}

	r.logger.Info().
		Str("job_id", job.ID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("Job transitioned")
	return rec, nil
}
