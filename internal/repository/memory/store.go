// Package memory is an in-process backend for the repository interfaces.
// Every operation holds one mutex, which gives it the same atomic
// read-modify-write behaviour the Postgres statements rely on.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/repository"
)

type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	jobs       map[string]*models.Job
	groups     map[string]*models.BatchGroup
	records    map[string]*models.Record // by provider record id
	recordIDs  map[string]string         // row id -> provider record id
	deliveries map[string]*models.DeliveryAuditEntry
	containers map[string]time.Time
}

var (
	_ repository.JobRepository       = (*Store)(nil)
	_ repository.RecordRepository    = (*Store)(nil)
	_ repository.DeliveryRepository  = (*Store)(nil)
	_ repository.ContainerRepository = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		now:        func() time.Time { return time.Now().UTC() },
		jobs:       make(map[string]*models.Job),
		groups:     make(map[string]*models.BatchGroup),
		records:    make(map[string]*models.Record),
		recordIDs:  make(map[string]string),
		deliveries: make(map[string]*models.DeliveryAuditEntry),
		containers: make(map[string]time.Time),
	}
}

// PutJob inserts or replaces a job, standing in for the submission side.
func (s *Store) PutJob(job models.Job) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = models.JobStatePending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.BatchGroupID != nil {
		if _, ok := s.groups[*job.BatchGroupID]; !ok {
			s.groups[*job.BatchGroupID] = &models.BatchGroup{ID: *job.BatchGroupID, State: models.JobStateProcessing, UpdatedAt: s.now()}
		}
	}
	cp := job
	s.jobs[job.ID] = &cp
	return cp
}

// Containers returns the ids ensured so far.
func (s *Store) Containers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.containers))
	for id := range s.containers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RecordCount returns the number of stored records.
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) GetJob(_ context.Context, jobID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.Job{}, repository.ErrNotFound
	}
	return *job, nil
}

func (s *Store) FindByCorrelationID(_ context.Context, correlationID string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ProviderCorrelationID != nil && *job.ProviderCorrelationID == correlationID {
			return *job, nil
		}
	}
	return models.Job{}, repository.ErrNotFound
}

func (s *Store) ListInFlight(_ context.Context, platform string, since time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []models.Job
	for _, job := range s.jobs {
		if job.Platform == platform && job.State == models.JobStateProcessing &&
			job.ProviderCorrelationID == nil && !job.CreatedAt.Before(since) {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *Store) BackfillCorrelationID(_ context.Context, jobID, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.ProviderCorrelationID != nil {
		return false, nil
	}
	for _, other := range s.jobs {
		if other.ProviderCorrelationID != nil && *other.ProviderCorrelationID == correlationID {
			return false, nil
		}
	}
	id := correlationID
	job.ProviderCorrelationID = &id
	return true, nil
}

func (s *Store) TransitionJob(_ context.Context, jobID string, to models.JobState, errorMessage string) (models.JobTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return models.JobTransition{}, repository.ErrNotFound
	}
	if !job.State.CanTransitionTo(to) {
		return models.JobTransition{}, &repository.TransitionConflictError{JobID: jobID, Current: job.State, Target: to}
	}

	now := s.now()
	from := job.State
	job.State = to
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if to.IsTerminal() {
		job.CompletedAt = &now
	}
	if errorMessage != "" {
		msg := errorMessage
		job.LastError = &msg
	}
	return models.JobTransition{JobID: jobID, From: from, To: to, BatchGroupID: job.BatchGroupID}, nil
}

func (s *Store) GetBatchGroup(_ context.Context, groupID string) (models.BatchGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.BatchGroup{}, repository.ErrNotFound
	}
	return *g, nil
}

func (s *Store) RecomputeBatchGroup(_ context.Context, groupID string) (models.BatchGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return models.BatchGroup{}, repository.ErrNotFound
	}
	g.Total, g.Succeeded, g.Failed = 0, 0, 0
	for _, job := range s.jobs {
		if job.BatchGroupID == nil || *job.BatchGroupID != groupID {
			continue
		}
		g.Total++
		switch job.State {
		case models.JobStateCompleted:
			g.Succeeded++
		case models.JobStateFailed:
			g.Failed++
		}
	}
	g.State = models.DeriveBatchState(g.Total, g.Succeeded, g.Failed)
	g.UpdatedAt = s.now()
	return *g, nil
}

func (s *Store) UpsertRecord(_ context.Context, rec models.Record) (models.RecordUpsertResult, error) {
	if rec.ProviderRecordID == "" {
		return models.RecordUpsertResult{}, fmt.Errorf("provider record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.records[rec.ProviderRecordID]
	if !ok {
		cp := rec
		cp.ID = uuid.NewString()
		cp.IngestedAt = now
		cp.UpdatedAt = now
		s.records[rec.ProviderRecordID] = &cp
		s.recordIDs[cp.ID] = rec.ProviderRecordID
		return models.RecordUpsertResult{ID: cp.ID, Inserted: true}, nil
	}

	if existing.ContainerID == nil {
		existing.ContainerID = rec.ContainerID
	}
	if existing.JobID == nil {
		existing.JobID = rec.JobID
	}
	existing.Payload = rec.Payload
	existing.Author = latest(rec.Author, existing.Author)
	existing.Body = latest(rec.Body, existing.Body)
	existing.URL = latest(rec.URL, existing.URL)
	existing.LikeCount = latest(rec.LikeCount, existing.LikeCount)
	existing.CommentCount = latest(rec.CommentCount, existing.CommentCount)
	existing.ShareCount = latest(rec.ShareCount, existing.ShareCount)
	existing.ViewCount = latest(rec.ViewCount, existing.ViewCount)
	existing.PostedAt = latest(rec.PostedAt, existing.PostedAt)
	existing.UpdatedAt = now
	return models.RecordUpsertResult{ID: existing.ID, Inserted: false}, nil
}

func latest[T any](incoming, current *T) *T {
	if incoming != nil {
		return incoming
	}
	return current
}

func (s *Store) GetRecord(_ context.Context, id string) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid, ok := s.recordIDs[id]
	if !ok {
		return models.Record{}, repository.ErrNotFound
	}
	return *s.records[pid], nil
}

func (s *Store) GetRecordByProviderID(_ context.Context, providerRecordID string) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[providerRecordID]
	if !ok {
		return models.Record{}, repository.ErrNotFound
	}
	return *rec, nil
}

func (s *Store) ListRecords(_ context.Context, filter models.RecordFilter) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Record
	for _, rec := range s.records {
		if filter.Platform != "" && rec.Platform != filter.Platform {
			continue
		}
		if filter.JobID != "" && (rec.JobID == nil || *rec.JobID != filter.JobID) {
			continue
		}
		if filter.ContainerID != "" && (rec.ContainerID == nil || *rec.ContainerID != filter.ContainerID) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngestedAt.After(out[j].IngestedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) EnsureContainer(_ context.Context, containerID string) error {
	containerID = strings.TrimSpace(containerID)
	if containerID == "" {
		return fmt.Errorf("container id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[containerID]; !ok {
		s.containers[containerID] = s.now()
	}
	return nil
}

func (s *Store) CreateDelivery(_ context.Context, entry models.DeliveryAuditEntry) (models.DeliveryAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = models.AuditStatusReceived
	}
	entry.ReceivedAt = s.now()
	entry.Flags = append([]models.Flag(nil), entry.Flags...)
	cp := entry
	s.deliveries[entry.ID] = &cp
	return entry, nil
}

func (s *Store) AdvanceDelivery(_ context.Context, id string, to models.AuditStatus, update models.AuditUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deliveries[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !entry.Status.CanAdvanceTo(to) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrAuditTransition, entry.Status, to)
	}

	entry.Status = to
	entry.Platform = latest(update.Platform, entry.Platform)
	entry.CorrelationID = latest(update.CorrelationID, entry.CorrelationID)
	entry.JobID = latest(update.JobID, entry.JobID)
	entry.ErrorDetail = latest(update.ErrorDetail, entry.ErrorDetail)
	if update.RecordsTotal != nil {
		entry.RecordsTotal = *update.RecordsTotal
	}
	if update.RecordsPersisted != nil {
		entry.RecordsPersisted = *update.RecordsPersisted
	}
	if update.RecordsFailed != nil {
		entry.RecordsFailed = *update.RecordsFailed
	}
	for _, f := range update.Flags {
		if !hasFlag(entry.Flags, f) {
			entry.Flags = append(entry.Flags, f)
		}
	}
	if to.IsFinal() {
		now := s.now()
		entry.ProcessedAt = &now
	}
	return nil
}

func hasFlag(flags []models.Flag, f models.Flag) bool {
	for _, existing := range flags {
		if existing == f {
			return true
		}
	}
	return false
}

func (s *Store) GetDelivery(_ context.Context, id string) (models.DeliveryAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deliveries[id]
	if !ok {
		return models.DeliveryAuditEntry{}, repository.ErrNotFound
	}
	cp := *entry
	cp.Flags = append([]models.Flag(nil), entry.Flags...)
	return cp, nil
}

func (s *Store) ListDeliveries(_ context.Context, filter models.AuditFilter) ([]models.DeliveryAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DeliveryAuditEntry
	for _, entry := range s.deliveries {
		if filter.Status != "" && entry.Status != filter.Status {
			continue
		}
		cp := *entry
		cp.RawPayload = nil
		cp.Flags = append([]models.Flag(nil), entry.Flags...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) DeliveryStats(_ context.Context, days int) (models.DeliveryStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days <= 0 {
		days = 1
	}
	today := s.now().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -(days - 1))

	perDay := make([]models.DeliveryStatDay, days)
	for i := range perDay {
		perDay[i].Day = start.AddDate(0, 0, i)
	}

	var stats models.DeliveryStat
	for _, entry := range s.deliveries {
		if entry.ReceivedAt.Before(start) {
			continue
		}
		idx := int(entry.ReceivedAt.Sub(start) / (24 * time.Hour))
		if idx >= days {
			idx = days - 1
		}
		stats.Total++
		if hasFlag(entry.Flags, models.FlagCorrelationUnresolved) {
			stats.Unresolved++
		}
		switch entry.Status {
		case models.AuditStatusProcessed:
			stats.Processed++
			perDay[idx].Processed++
		case models.AuditStatusError:
			stats.Errored++
			perDay[idx].Errored++
		case models.AuditStatusMalformed:
			stats.Malformed++
			perDay[idx].Malformed++
		case models.AuditStatusTestProcessed:
			perDay[idx].Test++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Processed) / float64(stats.Total) * 100.0
	}
	stats.PerDay = perDay
	return stats, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
