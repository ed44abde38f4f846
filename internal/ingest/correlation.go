package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/payload"
	"github.com/stanstork/harvest-api/internal/repository"
)

// Source tells where a correlation value was found.
type Source string

const (
	SourceNone   Source = ""
	SourceHeader Source = "header"
	SourceQuery  Source = "query"
	SourceBody   Source = "body"
	SourceRecord Source = "record"
)

type MatchMethod string

const (
	MatchNone      MatchMethod = "none"
	MatchPrimary   MatchMethod = "primary"
	MatchSecondary MatchMethod = "secondary"
)

// Resolution is the outcome of correlating a delivery with a Job. Job is nil
// when the delivery could not be attributed.
type Resolution struct {
	CorrelationID string
	Source        Source
	Method        MatchMethod
	Job           *models.Job
	Ambiguous     bool
	Backfilled    bool
}

func (r Resolution) Resolved() bool {
	return r.Job != nil
}

type ResolverOptions struct {
	// SecondaryWindow bounds how old an in-flight job may be to be picked up
	// by the secondary strategy. Zero disables it.
	SecondaryWindow time.Duration
	// MaxInFlight is the most candidates the secondary strategy tolerates
	// before it gives up as ambiguous.
	MaxInFlight int
}

// Resolver attributes a delivery to the Job that requested it.
type Resolver struct {
	jobs   repository.JobRepository
	rules  Rules
	opts   ResolverOptions
	logger zerolog.Logger
	now    func() time.Time
}

func NewResolver(jobs repository.JobRepository, rules Rules, opts ResolverOptions, logger zerolog.Logger) *Resolver {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	return &Resolver{
		jobs:   jobs,
		rules:  rules,
		opts:   opts,
		logger: logger.With().Str("component", "correlation").Logger(),
		now:    time.Now,
	}
}

// Extract finds the correlation value of a delivery. Headers win over query
// parameters, which win over the payload body.
func (r *Resolver) Extract(header http.Header, query url.Values, batch payload.Batch) (string, Source) {
	if v, ok := headerValue(header, r.rules.CorrelationHeaders); ok {
		return v, SourceHeader
	}
	if v, ok := queryValue(query, r.rules.CorrelationQueryKeys); ok {
		return v, SourceQuery
	}

	top := batch.Envelope
	if top == nil && len(batch.Items) > 0 {
		top = batch.Items[0]
	}
	if v, ok := r.fromObject(top); ok {
		return v, SourceBody
	}
	if batch.Envelope != nil && len(batch.Items) > 0 {
		if v, ok := r.fromObject(batch.Items[0]); ok {
			return v, SourceRecord
		}
	}
	return "", SourceNone
}

func (r *Resolver) fromObject(obj payload.Item) (string, bool) {
	if obj == nil {
		return "", false
	}
	if v, _, ok := obj.First(r.rules.CorrelationBodyKeys...); ok {
		return v, true
	}
	for _, key := range r.rules.NestedMetaKeys {
		nested, ok := obj.Map(key)
		if !ok {
			continue
		}
		if v, _, ok := nested.First(r.rules.CorrelationBodyKeys...); ok {
			return v, true
		}
	}
	return "", false
}

// Resolve looks the correlation value up. An unresolved delivery is not an
// error; only storage failures are returned.
func (r *Resolver) Resolve(ctx context.Context, correlationID, platform string) (Resolution, error) {
	res := Resolution{CorrelationID: correlationID, Method: MatchNone}
	if correlationID == "" {
		return res, nil
	}

	job, err := r.jobs.FindByCorrelationID(ctx, correlationID)
	switch {
	case err == nil:
		res.Job = &job
		res.Method = MatchPrimary
		return res, nil
	case !errors.Is(err, repository.ErrNotFound):
		return res, err
	}

	if r.opts.SecondaryWindow <= 0 || platform == "" {
		return res, nil
	}

	since := r.now().Add(-r.opts.SecondaryWindow)
	inFlight, err := r.jobs.ListInFlight(ctx, platform, since, r.opts.MaxInFlight+1)
	if err != nil {
		return res, err
	}
	if len(inFlight) == 0 {
		return res, nil
	}
	if len(inFlight) > r.opts.MaxInFlight {
		r.logger.Warn().
			Str("correlation_id", correlationID).
			Str("platform", platform).
			Int("in_flight", len(inFlight)).
			Msg("Too many in-flight jobs to attribute delivery")
		res.Ambiguous = true
		return res, nil
	}

	// ListInFlight orders newest first.
	picked := inFlight[0]
	ok, err := r.jobs.BackfillCorrelationID(ctx, picked.ID, correlationID)
	if err != nil {
		return res, err
	}
	if !ok {
		// Lost the race to another delivery; treat the id as owned by whoever won.
		job, err := r.jobs.FindByCorrelationID(ctx, correlationID)
		if err == nil {
			res.Job = &job
			res.Method = MatchPrimary
			return res, nil
		}
		if errors.Is(err, repository.ErrNotFound) {
			return res, nil
		}
		return res, err
	}

	id := correlationID
	picked.ProviderCorrelationID = &id
	res.Job = &picked
	res.Method = MatchSecondary
	res.Backfilled = true
	r.logger.Info().
		Str("correlation_id", correlationID).
		Str("job_id", picked.ID).
		Msg("Attributed delivery to in-flight job")
	return res, nil
}

// headerValue matches header names case-insensitively and treats '_' and '-'
// as the same character.
func headerValue(header http.Header, names []string) (string, bool) {
	if len(header) == 0 {
		return "", false
	}
	for _, name := range names {
		want := canonicalName(name)
		for key, values := range header {
			if canonicalName(key) != want {
				continue
			}
			for _, v := range values {
				if v = strings.TrimSpace(v); v != "" {
					return v, true
				}
			}
		}
	}
	return "", false
}

func queryValue(query url.Values, keys []string) (string, bool) {
	for _, key := range keys {
		if v := strings.TrimSpace(query.Get(key)); v != "" {
			return v, true
		}
	}
	return "", false
}

func canonicalName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}
