package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/payload"
	"github.com/stanstork/harvest-api/internal/repository"
	"golang.org/x/sync/errgroup"
)

// PersistBatch is one delivery's worth of records headed for storage.
// Platforms is parallel to Items.
type PersistBatch struct {
	Items       []payload.Item
	Platforms   []string
	JobID       *string
	ContainerID *string
}

type PersistResult struct {
	Total     int
	Persisted int
	Inserted  int
	Failed    int
	Synthetic int
	RecordIDs []string
}

// Persister writes records with an idempotent upsert keyed by the provider
// record id. A failing record never stops the rest of the batch.
type Persister struct {
	records repository.RecordRepository
	rules   Rules
	workers int
	logger  zerolog.Logger
	seq     atomic.Uint64
	now     func() time.Time
}

func NewPersister(records repository.RecordRepository, rules Rules, workers int, logger zerolog.Logger) *Persister {
	if workers <= 0 {
		workers = 1
	}
	return &Persister{
		records: records,
		rules:   rules,
		workers: workers,
		logger:  logger.With().Str("component", "persister").Logger(),
		now:     time.Now,
	}
}

func (p *Persister) Persist(ctx context.Context, batch PersistBatch) PersistResult {
	res := PersistResult{Total: len(batch.Items)}
	if len(batch.Items) == 0 {
		return res
	}

	var (
		mu  sync.Mutex
		ids = make([]string, len(batch.Items))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, item := range batch.Items {
		i, item := i, item
		g.Go(func() error {
			rec, err := p.buildRecord(item, batch.Platforms[i], batch.JobID, batch.ContainerID)
			var out models.RecordUpsertResult
			if err == nil {
				out, err = p.records.UpsertRecord(gctx, rec)
			}

			mu.Lock()
			defer mu.Unlock()
			if rec.SyntheticID {
				res.Synthetic++
			}
			if err != nil {
				res.Failed++
				p.logger.Error().Err(err).
					Int("index", i).
					Str("provider_record_id", rec.ProviderRecordID).
					Msg("Failed to persist record")
				return nil
			}
			res.Persisted++
			if out.Inserted {
				res.Inserted++
			}
			ids[i] = out.ID
			return nil
		})
	}
	// Workers never return errors; failures are counted per record.
	_ = g.Wait()

	for _, id := range ids {
		if id != "" {
			res.RecordIDs = append(res.RecordIDs, id)
		}
	}
	return res
}

// RecordID returns the provider's own id for the record, if it carries one.
func (p *Persister) RecordID(item payload.Item) (string, bool) {
	id, _, ok := item.First(p.rules.RecordIDKeys...)
	return id, ok
}

func (p *Persister) syntheticID() string {
	return fmt.Sprintf("synthetic-%d-%d", p.now().UnixNano(), p.seq.Add(1))
}

func (p *Persister) buildRecord(item payload.Item, platform string, jobID, containerID *string) (models.Record, error) {
	rec := models.Record{
		Platform:    platform,
		JobID:       jobID,
		ContainerID: containerID,
	}
	if id, ok := p.RecordID(item); ok {
		rec.ProviderRecordID = id
	} else {
		rec.ProviderRecordID = p.syntheticID()
		rec.SyntheticID = true
	}

	raw, err := item.Raw()
	if err != nil {
		return rec, err
	}
	rec.Payload = raw

	keys := p.rules.Display
	rec.Author = firstString(item, keys.Author)
	rec.Body = firstString(item, keys.Body)
	rec.URL = firstString(item, keys.URL)
	rec.LikeCount = firstInt(item, keys.Likes)
	rec.CommentCount = firstInt(item, keys.Comments)
	rec.ShareCount = firstInt(item, keys.Shares)
	rec.ViewCount = firstInt(item, keys.Views)
	rec.PostedAt = firstTime(item, keys.PostedAt)
	return rec, nil
}

func firstString(item payload.Item, paths []string) *string {
	for _, path := range paths {
		if s, ok := item.StringPath(path); ok {
			return &s
		}
	}
	return nil
}

func firstInt(item payload.Item, paths []string) *int64 {
	for _, path := range paths {
		parent, leaf, ok := item.Lookup(path)
		if !ok {
			continue
		}
		if n, ok := parent.Int64(leaf); ok {
			return &n
		}
	}
	return nil
}

func firstTime(item payload.Item, paths []string) *time.Time {
	for _, path := range paths {
		parent, leaf, ok := item.Lookup(path)
		if !ok {
			continue
		}
		if t, ok := parent.Time(leaf); ok {
			return &t
		}
	}
	return nil
}
