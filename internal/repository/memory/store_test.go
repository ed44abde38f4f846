package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestUpsertRecordMergesWithoutRegressingLinks(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	first, err := s.UpsertRecord(ctx, models.Record{
		ProviderRecordID: "p1",
		Platform:         "tiktok",
		JobID:            ptr("job-a"),
		Payload:          json.RawMessage(`{"v":1}`),
		Author:           ptr("alice"),
		LikeCount:        ptr(int64(3)),
	})
	require.NoError(t, err)
	assert.True(t, first.Inserted)

	second, err := s.UpsertRecord(ctx, models.Record{
		ProviderRecordID: "p1",
		Platform:         "tiktok",
		JobID:            ptr("job-b"),
		ContainerID:      ptr("c1"),
		Payload:          json.RawMessage(`{"v":2}`),
		LikeCount:        ptr(int64(9)),
	})
	require.NoError(t, err)
	assert.False(t, second.Inserted)
	assert.Equal(t, first.ID, second.ID)

	rec, err := s.GetRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "job-a", *rec.JobID)
	assert.Equal(t, "c1", *rec.ContainerID)
	assert.Equal(t, "alice", *rec.Author)
	assert.EqualValues(t, 9, *rec.LikeCount)
	assert.JSONEq(t, `{"v":2}`, string(rec.Payload))
}

func TestUpsertRecordConcurrent(t *testing.T) {
	s := NewStore()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.UpsertRecord(context.Background(), models.Record{ProviderRecordID: "same", Platform: "x", Payload: json.RawMessage(`{}`)})
			assert.NoError(t, err)
			if res.Inserted {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
	assert.Equal(t, 1, s.RecordCount())
}

func TestTransitionJobGuards(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	job := s.PutJob(models.Job{Platform: "reddit", State: models.JobStateProcessing})

	tr, err := s.TransitionJob(ctx, job.ID, models.JobStateCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, tr.From)

	_, err = s.TransitionJob(ctx, job.ID, models.JobStateFailed, "late")
	require.Error(t, err)
	assert.True(t, errors.Is(err, repository.ErrTransitionConflict))
	var conflict *repository.TransitionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, models.JobStateCompleted, conflict.Current)

	_, err = s.TransitionJob(ctx, "missing", models.JobStateFailed, "")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAdvanceDeliveryIsForwardOnly(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	entry, err := s.CreateDelivery(ctx, models.DeliveryAuditEntry{RawPayload: []byte("{}")})
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusReceived, entry.Status)

	require.NoError(t, s.AdvanceDelivery(ctx, entry.ID, models.AuditStatusDecoded, models.AuditUpdate{}))
	require.NoError(t, s.AdvanceDelivery(ctx, entry.ID, models.AuditStatusProcessing, models.AuditUpdate{
		Flags: []models.Flag{models.FlagCorrelationUnresolved},
	}))
	require.NoError(t, s.AdvanceDelivery(ctx, entry.ID, models.AuditStatusProcessed, models.AuditUpdate{
		Flags: []models.Flag{models.FlagCorrelationUnresolved, models.FlagSyntheticRecordID},
	}))

	err = s.AdvanceDelivery(ctx, entry.ID, models.AuditStatusError, models.AuditUpdate{})
	assert.ErrorIs(t, err, repository.ErrAuditTransition)

	got, err := s.GetDelivery(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusProcessed, got.Status)
	assert.Equal(t, []models.Flag{models.FlagCorrelationUnresolved, models.FlagSyntheticRecordID}, got.Flags)
	assert.NotNil(t, got.ProcessedAt)
}

func TestRecomputeBatchGroup(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	group := "g"
	a := s.PutJob(models.Job{Platform: "x", State: models.JobStateProcessing, BatchGroupID: &group})
	b := s.PutJob(models.Job{Platform: "x", State: models.JobStateProcessing, BatchGroupID: &group})

	_, err := s.TransitionJob(ctx, a.ID, models.JobStateFailed, "boom")
	require.NoError(t, err)
	g, err := s.RecomputeBatchGroup(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateProcessing, g.State)

	_, err = s.TransitionJob(ctx, b.ID, models.JobStateFailed, "boom")
	require.NoError(t, err)
	g, err = s.RecomputeBatchGroup(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, g.State)
	assert.Equal(t, 2, g.Failed)
}

func TestBackfillCorrelationIDOnlyOnce(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	a := s.PutJob(models.Job{Platform: "x", State: models.JobStateProcessing})
	b := s.PutJob(models.Job{Platform: "x", State: models.JobStateProcessing})

	ok, err := s.BackfillCorrelationID(ctx, a.ID, "snap")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BackfillCorrelationID(ctx, a.ID, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.BackfillCorrelationID(ctx, b.ID, "snap")
	require.NoError(t, err)
	assert.False(t, ok)
}
