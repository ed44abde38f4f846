package models

import (
	"encoding/json"
	"time"
)

// Record is one scraped post, stored once per provider record id.
type Record struct {
	ID               string          `json:"id" db:"id"`
	ProviderRecordID string          `json:"provider_record_id" db:"provider_record_id"`
	Platform         string          `json:"platform" db:"platform"`
	ContainerID      *string         `json:"container_id" db:"container_id"`
	JobID            *string         `json:"job_id" db:"job_id"`
	Payload          json.RawMessage `json:"payload" db:"payload"`
	Author           *string         `json:"author" db:"author"`
	Body             *string         `json:"body" db:"body"`
	URL              *string         `json:"url" db:"url"`
	LikeCount        *int64          `json:"like_count" db:"like_count"`
	CommentCount     *int64          `json:"comment_count" db:"comment_count"`
	ShareCount       *int64          `json:"share_count" db:"share_count"`
	ViewCount        *int64          `json:"view_count" db:"view_count"`
	PostedAt         *time.Time      `json:"posted_at" db:"posted_at"`
	SyntheticID      bool            `json:"synthetic_id" db:"synthetic_id"`
	IngestedAt       time.Time       `json:"ingested_at" db:"ingested_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// RecordUpsertResult tells whether an upsert created a new row.
type RecordUpsertResult struct {
	ID       string `json:"id"`
	Inserted bool   `json:"inserted"`
}

// RecordFilter narrows record listings.
type RecordFilter struct {
	Platform    string
	JobID       string
	ContainerID string
	Limit       int
	Offset      int
}
