package models

import (
	"encoding/json"
	"time"
)

type AuditStatus string

const (
	AuditStatusReceived      AuditStatus = "received"
	AuditStatusDecoded       AuditStatus = "decoded"
	AuditStatusMalformed     AuditStatus = "malformed"
	AuditStatusProcessing    AuditStatus = "processing"
	AuditStatusProcessed     AuditStatus = "processed"
	AuditStatusError         AuditStatus = "error"
	AuditStatusTest          AuditStatus = "test"
	AuditStatusTestProcessed AuditStatus = "test_processed"
)

var auditTransitions = map[AuditStatus][]AuditStatus{
	AuditStatusReceived:   {AuditStatusDecoded, AuditStatusMalformed},
	AuditStatusDecoded:    {AuditStatusProcessing, AuditStatusTest},
	AuditStatusProcessing: {AuditStatusProcessed, AuditStatusError},
	AuditStatusTest:       {AuditStatusTestProcessed},
}

// CanAdvanceTo reports whether the audit vocabulary allows s -> to.
func (s AuditStatus) CanAdvanceTo(to AuditStatus) bool {
	for _, next := range auditTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AuditPredecessors returns the statuses from which to can be reached.
func AuditPredecessors(to AuditStatus) []AuditStatus {
	var from []AuditStatus
	for s, nexts := range auditTransitions {
		for _, n := range nexts {
			if n == to {
				from = append(from, s)
			}
		}
	}
	return from
}

// IsFinal reports whether the entry has stopped advancing.
func (s AuditStatus) IsFinal() bool {
	_, ok := auditTransitions[s]
	return !ok
}

type Flag string

const (
	FlagCorrelationUnresolved  Flag = "correlation_unresolved"
	FlagSecondaryCorrelation   Flag = "secondary_correlation"
	FlagAmbiguousCorrelation   Flag = "ambiguous_correlation"
	FlagClassificationFallback Flag = "classification_fallback"
	FlagSyntheticRecordID      Flag = "synthetic_record_id"
	FlagPersistenceError       Flag = "persistence_error"
	FlagReconciliationConflict Flag = "reconciliation_conflict"
	FlagFollowUpFailed         Flag = "follow_up_failed"
	FlagStatusNotice           Flag = "status_notice"
)

// DeliveryAuditEntry is the forensic trail of one inbound delivery. It never
// touches records; it only moves forward through AuditStatus.
type DeliveryAuditEntry struct {
	ID               string          `json:"id" db:"id"`
	Platform         *string         `json:"platform" db:"platform"`
	CorrelationID    *string         `json:"correlation_id" db:"correlation_id"`
	JobID            *string         `json:"job_id" db:"job_id"`
	RawPayload       []byte          `json:"-" db:"raw_payload"`
	ContentEncoding  string          `json:"content_encoding" db:"content_encoding"`
	ContentType      string          `json:"content_type" db:"content_type"`
	Headers          json.RawMessage `json:"headers" db:"headers"`
	Query            string          `json:"query" db:"query"`
	Status           AuditStatus     `json:"status" db:"status"`
	Flags            []Flag          `json:"flags" db:"flags"`
	ErrorDetail      *string         `json:"error_detail" db:"error_detail"`
	RecordsTotal     int             `json:"records_total" db:"records_total"`
	RecordsPersisted int             `json:"records_persisted" db:"records_persisted"`
	RecordsFailed    int             `json:"records_failed" db:"records_failed"`
	ReplayOf         *string         `json:"replay_of,omitempty" db:"replay_of"`
	ReceivedAt       time.Time       `json:"received_at" db:"received_at"`
	ProcessedAt      *time.Time      `json:"processed_at" db:"processed_at"`
}

// AuditUpdate carries the fields written alongside a status advance. Nil
// pointers leave the stored value untouched; flags are appended.
type AuditUpdate struct {
	Platform         *string
	CorrelationID    *string
	JobID            *string
	Flags            []Flag
	ErrorDetail      *string
	RecordsTotal     *int
	RecordsPersisted *int
	RecordsFailed    *int
}

// AuditFilter narrows delivery listings.
type AuditFilter struct {
	Status AuditStatus
	Limit  int
	Offset int
}
