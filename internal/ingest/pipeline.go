package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/harvest-api/internal/models"
	"github.com/stanstork/harvest-api/internal/payload"
	"github.com/stanstork/harvest-api/internal/repository"
)

// Delivery is one inbound webhook call as received.
type Delivery struct {
	Body     []byte
	Header   http.Header
	Query    url.Values
	ReplayOf *string
}

// Ack is returned to the provider once a delivery has been processed.
type Ack struct {
	Status           models.AuditStatus `json:"status"`
	DeliveryID       string             `json:"delivery_id"`
	CorrelationID    *string            `json:"correlation_id"`
	JobID            *string            `json:"job_id"`
	Platform         *string            `json:"platform"`
	Flags            []models.Flag      `json:"flags"`
	RecordsTotal     int                `json:"records_total"`
	RecordsPersisted int                `json:"records_persisted"`
	RecordsFailed    int                `json:"records_failed"`
	ElapsedMS        int64              `json:"elapsed_ms"`
	Error            string             `json:"error,omitempty"`
}

type Options struct {
	Workers            int
	FallbackPlatform   string
	DefaultContainerID string
	SecondaryWindow    time.Duration
	MaxInFlight        int
	MaxDecodedBytes    int64
}

type Repositories struct {
	Jobs       repository.JobRepository
	Records    repository.RecordRepository
	Deliveries repository.DeliveryRepository
	Containers repository.ContainerRepository
}

// Pipeline runs a delivery through normalization, correlation,
// classification, persistence and reconciliation, recording each step in the
// delivery audit log.
type Pipeline struct {
	repos      Repositories
	rules      Rules
	opts       Options
	normalizer *payload.Normalizer
	classifier *Classifier
	resolver   *Resolver
	persister  *Persister
	reconciler *Reconciler
	fetcher    Fetcher
	logger     zerolog.Logger
}

// NewPipeline wires the stages together. fetcher may be nil, in which case
// follow-up URLs in notifications are ignored.
func NewPipeline(repos Repositories, rules Rules, opts Options, fetcher Fetcher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		repos:      repos,
		rules:      rules,
		opts:       opts,
		normalizer: payload.NewNormalizer(opts.MaxDecodedBytes, rules.RecordIDKeys...),
		classifier: NewClassifier(rules, opts.FallbackPlatform),
		resolver: NewResolver(repos.Jobs, rules, ResolverOptions{
			SecondaryWindow: opts.SecondaryWindow,
			MaxInFlight:     opts.MaxInFlight,
		}, logger),
		persister:  NewPersister(repos.Records, rules, opts.Workers, logger),
		reconciler: NewReconciler(repos.Jobs, logger),
		fetcher:    fetcher,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

type flagSet []models.Flag

func (s *flagSet) add(f models.Flag) {
	for _, existing := range *s {
		if existing == f {
			return
		}
	}
	*s = append(*s, f)
}

// Process handles one delivery end to end. The returned error is non-nil
// only when the audit entry could not be created or the payload could not
// be decoded (a *payload.DecodeError); every other failure is reported
// through the Ack.
func (p *Pipeline) Process(ctx context.Context, d Delivery) (Ack, error) {
	start := time.Now()
	entry, err := p.createEntry(ctx, d)
	if err != nil {
		return Ack{Status: models.AuditStatusReceived}, err
	}
	log := p.logger.With().Str("delivery_id", entry.ID).Logger()
	ack := Ack{DeliveryID: entry.ID, Flags: []models.Flag{}}

	batch, err := p.normalizer.Normalize(d.Body, payload.Meta{
		ContentEncoding: entry.ContentEncoding,
		ContentType:     entry.ContentType,
		Header:          d.Header,
	})
	if err != nil {
		detail := err.Error()
		p.advance(ctx, log, entry.ID, models.AuditStatusMalformed, models.AuditUpdate{ErrorDetail: &detail})
		log.Warn().Err(err).Int("bytes", len(d.Body)).Msg("Malformed delivery")
		ack.Status = models.AuditStatusMalformed
		ack.Error = detail
		ack.ElapsedMS = time.Since(start).Milliseconds()
		return ack, err
	}
	p.advance(ctx, log, entry.ID, models.AuditStatusDecoded, models.AuditUpdate{})

	if p.isTest(d, batch) {
		p.advance(ctx, log, entry.ID, models.AuditStatusTest, models.AuditUpdate{})
		p.advance(ctx, log, entry.ID, models.AuditStatusTestProcessed, models.AuditUpdate{})
		log.Info().Msg("Test delivery acknowledged")
		ack.Status = models.AuditStatusTestProcessed
		ack.ElapsedMS = time.Since(start).Milliseconds()
		return ack, nil
	}

	var (
		flags    flagSet
		failures []string
	)

	notice := DetectNotice(p.rules, batch)
	items := batch.Items
	rejected := batch.Rejected
	if notice.Standalone {
		items = nil
		flags.add(models.FlagStatusNotice)
	}
	if notice.FollowUpURL != "" && notice.Kind != NoticeFailure && p.fetcher != nil {
		fetched, err := p.followUp(ctx, notice.FollowUpURL)
		if err != nil {
			log.Error().Err(err).Str("url", notice.FollowUpURL).Msg("Follow-up fetch failed")
			flags.add(models.FlagFollowUpFailed)
			failures = append(failures, err.Error())
		} else {
			items = append(items, fetched.Items...)
			rejected += fetched.Rejected
		}
	}

	// Classify first: the delivery platform narrows secondary correlation.
	hint := p.platformHint(d)
	classes := make([]Classification, len(items))
	platform := hint
	for i, item := range items {
		classes[i] = p.classifier.Classify(item)
		if platform == "" && !classes[i].IsFallback() {
			platform = classes[i].Platform
		}
	}

	value, source := p.resolver.Extract(d.Header, d.Query, batch)
	res, err := p.resolver.Resolve(ctx, value, platform)
	if err != nil {
		log.Error().Err(err).Str("correlation_id", value).Msg("Correlation lookup failed")
		failures = append(failures, "correlation lookup: "+err.Error())
		res = Resolution{CorrelationID: value, Method: MatchNone}
	}
	res.Source = source
	switch {
	case !res.Resolved():
		flags.add(models.FlagCorrelationUnresolved)
		if res.Ambiguous {
			flags.add(models.FlagAmbiguousCorrelation)
		}
		log.Warn().Str("correlation_id", value).Str("source", string(source)).Msg("Delivery not attributed to a job")
	case res.Method == MatchSecondary:
		flags.add(models.FlagSecondaryCorrelation)
	}

	platforms := make([]string, len(items))
	inherited := hint
	if inherited == "" && res.Job != nil {
		inherited = res.Job.Platform
	}
	for i, c := range classes {
		platforms[i] = c.Platform
		if !c.IsFallback() {
			continue
		}
		if inherited != "" {
			platforms[i] = inherited
			continue
		}
		flags.add(models.FlagClassificationFallback)
	}
	if platform == "" {
		switch {
		case inherited != "":
			platform = inherited
		case len(items) > 0:
			platform = p.classifier.Fallback()
		}
	}

	update := models.AuditUpdate{}
	if platform != "" {
		update.Platform = &platform
		ack.Platform = &platform
	}
	if value != "" {
		update.CorrelationID = &value
		ack.CorrelationID = &value
	}
	var jobID *string
	if res.Job != nil {
		id := res.Job.ID
		jobID = &id
		update.JobID = jobID
		ack.JobID = jobID
	}
	p.advance(ctx, log, entry.ID, models.AuditStatusProcessing, update)

	containerID := p.container(ctx, log, d, res.Job)
	result := p.persister.Persist(ctx, PersistBatch{
		Items:       items,
		Platforms:   platforms,
		JobID:       jobID,
		ContainerID: containerID,
	})
	if rejected > 0 {
		log.Warn().Int("rejected", rejected).Msg("Skipped list elements that are not objects")
		result.Total += rejected
		result.Failed += rejected
	}
	if result.Synthetic > 0 {
		flags.add(models.FlagSyntheticRecordID)
	}
	if result.Failed > 0 {
		flags.add(models.FlagPersistenceError)
		if result.Persisted == 0 {
			failures = append(failures, "no record could be persisted")
		}
	}

	// A follow-up that could not be fetched leaves the job for a later attempt.
	if res.Job != nil && !flagged(flags, models.FlagFollowUpFailed) {
		rec, err := p.reconciler.Reconcile(ctx, *res.Job, Outcome{
			Persisted: result.Persisted,
			Failed:    result.Failed,
			Notice:    notice,
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", res.Job.ID).Msg("Reconciliation failed")
			failures = append(failures, "reconciliation: "+err.Error())
		}
		if rec.Conflict {
			flags.add(models.FlagReconciliationConflict)
		}
	}

	final := models.AuditStatusProcessed
	finalUpdate := models.AuditUpdate{
		Flags:            flags,
		RecordsTotal:     &result.Total,
		RecordsPersisted: &result.Persisted,
		RecordsFailed:    &result.Failed,
	}
	if len(failures) > 0 {
		final = models.AuditStatusError
		detail := strings.Join(failures, "; ")
		finalUpdate.ErrorDetail = &detail
		ack.Error = detail
	}
	p.advance(ctx, log, entry.ID, final, finalUpdate)

	ack.Status = final
	ack.Flags = append(ack.Flags, flags...)
	ack.RecordsTotal = result.Total
	ack.RecordsPersisted = result.Persisted
	ack.RecordsFailed = result.Failed
	ack.ElapsedMS = time.Since(start).Milliseconds()

	log.Info().
		Str("status", string(final)).
		Str("platform", platform).
		Int("persisted", result.Persisted).
		Int("inserted", result.Inserted).
		Int("failed", result.Failed).
		Strs("flags", flagNames(flags)).
		Msg("Delivery processed")
	return ack, nil
}

// Replay runs a stored delivery again as a new delivery.
func (p *Pipeline) Replay(ctx context.Context, deliveryID string) (Ack, error) {
	entry, err := p.repos.Deliveries.GetDelivery(ctx, deliveryID)
	if err != nil {
		return Ack{}, err
	}

	header := http.Header{}
	if len(entry.Headers) > 0 {
		if err := json.Unmarshal(entry.Headers, &header); err != nil {
			return Ack{}, pkgerrors.Wrap(err, "decode stored headers")
		}
	}
	query, err := url.ParseQuery(entry.Query)
	if err != nil {
		return Ack{}, pkgerrors.Wrap(err, "decode stored query")
	}

	id := entry.ID
	return p.Process(ctx, Delivery{Body: entry.RawPayload, Header: header, Query: query, ReplayOf: &id})
}

// Reject audits a delivery whose body could not be accepted in full. The
// entry keeps the prefix that was read and goes straight to malformed.
func (p *Pipeline) Reject(ctx context.Context, d Delivery, reason string) (Ack, error) {
	entry, err := p.createEntry(ctx, d)
	if err != nil {
		return Ack{Status: models.AuditStatusReceived}, err
	}
	log := p.logger.With().Str("delivery_id", entry.ID).Logger()
	p.advance(ctx, log, entry.ID, models.AuditStatusMalformed, models.AuditUpdate{ErrorDetail: &reason})
	log.Warn().Str("reason", reason).Int("bytes", len(d.Body)).Msg("Delivery rejected")
	return Ack{Status: models.AuditStatusMalformed, DeliveryID: entry.ID, Flags: []models.Flag{}, Error: reason}, nil
}

func (p *Pipeline) createEntry(ctx context.Context, d Delivery) (models.DeliveryAuditEntry, error) {
	headers := []byte("{}")
	if len(d.Header) > 0 {
		if b, err := json.Marshal(d.Header); err == nil {
			headers = b
		}
	}
	entry, err := p.repos.Deliveries.CreateDelivery(ctx, models.DeliveryAuditEntry{
		RawPayload:      d.Body,
		ContentEncoding: d.Header.Get("Content-Encoding"),
		ContentType:     d.Header.Get("Content-Type"),
		Headers:         headers,
		Query:           d.Query.Encode(),
		ReplayOf:        d.ReplayOf,
	})
	if err != nil {
		return entry, pkgerrors.Wrap(err, "create delivery audit entry")
	}
	return entry, nil
}

// Audit writes do not share the delivery deadline, so an entry still
// reaches its terminal status when processing ran out of time.
const auditWriteTimeout = 5 * time.Second

func (p *Pipeline) advance(ctx context.Context, log zerolog.Logger, id string, to models.AuditStatus, update models.AuditUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := p.repos.Deliveries.AdvanceDelivery(ctx, id, to, update); err != nil {
		log.Error().Err(err).Str("status", string(to)).Msg("Failed to advance delivery audit entry")
	}
}

func (p *Pipeline) followUp(ctx context.Context, url string) (payload.Batch, error) {
	body, meta, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return payload.Batch{}, err
	}
	return p.normalizer.Normalize(body, meta)
}

func (p *Pipeline) isTest(d Delivery, batch payload.Batch) bool {
	if v, ok := headerValue(d.Header, p.rules.TestHeaders); ok && payload.IsTruthy(v) {
		return true
	}
	for _, key := range p.rules.TestQueryKeys {
		if vals, ok := d.Query[key]; ok && (len(vals) == 0 || vals[0] == "" || payload.IsTruthy(vals[0])) {
			return true
		}
	}
	if len(batch.Items) != 1 {
		return false
	}
	item := batch.Items[0]
	if _, _, ok := item.First(p.rules.RecordIDKeys...); ok {
		return false
	}
	for _, field := range p.rules.TestFields {
		if item.Bool(field) {
			return true
		}
	}
	return false
}

func (p *Pipeline) platformHint(d Delivery) string {
	if v, ok := headerValue(d.Header, p.rules.PlatformHeaders); ok {
		if platform, ok := p.classifier.Known(v); ok {
			return platform
		}
	}
	if v, ok := queryValue(d.Query, p.rules.PlatformQueryKeys); ok {
		if platform, ok := p.classifier.Known(v); ok {
			return platform
		}
	}
	return ""
}

// container picks the destination container: the job's own, then one named
// by the delivery, then the configured default. It is created if missing.
func (p *Pipeline) container(ctx context.Context, log zerolog.Logger, d Delivery, job *models.Job) *string {
	var id string
	switch {
	case job != nil && job.ContainerID != nil && *job.ContainerID != "":
		id = *job.ContainerID
	default:
		if v, ok := headerValue(d.Header, p.rules.ContainerHeaders); ok {
			id = v
		} else if v, ok := queryValue(d.Query, p.rules.ContainerQueryKeys); ok {
			id = v
		} else {
			id = p.opts.DefaultContainerID
		}
	}
	if id == "" || p.repos.Containers == nil {
		return nil
	}
	if err := p.repos.Containers.EnsureContainer(ctx, id); err != nil {
		log.Warn().Err(err).Str("container_id", id).Msg("Could not ensure container; records stay unfiled")
		return nil
	}
	return &id
}

func flagged(flags []models.Flag, f models.Flag) bool {
	for _, existing := range flags {
		if existing == f {
			return true
		}
	}
	return false
}

func flagNames(flags []models.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// IsDecodeError reports whether err came from payload normalization.
func IsDecodeError(err error) bool {
	var de *payload.DecodeError
	return errors.As(err, &de)
}
