// Package model defines the persisted ingestion types shared by the store,
// engine, orchestrator and read-side packages.
package model

import (
	"time"
)

// DefaultSource is the origin tag used when a delivery does not name one.
const DefaultSource = "imap"

// FileMeta is the delivery metadata recorded alongside a fingerprint.
type FileMeta struct {
	Source        string     `json:"source"`
	MessageID     string     `json:"message_id,omitempty"`
	FromEmail     string     `json:"from_email,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	Filename      string     `json:"filename"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// NewFile is the insert payload for an ingestion file row.
type NewFile struct {
	FileMeta
	SHA256      string
	Status      FileStatus
	DuplicateOf *int64
	// Note is stored in the error column. Only DUPLICATE records carry one.
	Note      string
	CreatedAt time.Time
}

// IngestionFile is one uniquely fingerprinted source document, or a
// DUPLICATE record of a rejected re-delivery.
type IngestionFile struct {
	ID                    int64          `json:"id"`
	Source                string         `json:"source"`
	MessageID             string         `json:"message_id,omitempty"`
	FromEmail             string         `json:"from_email,omitempty"`
	Subject               string         `json:"subject,omitempty"`
	ReceivedAt            *time.Time     `json:"received_at,omitempty"`
	Filename              string         `json:"filename"`
	SHA256                string         `json:"file_sha256"`
	Status                FileStatus     `json:"status"`
	Error                 string         `json:"error,omitempty"`
	ProcessingStartedAt   *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time     `json:"processing_completed_at,omitempty"`
	CorrelationID         string         `json:"correlation_id"`
	DuplicateOf           *int64         `json:"duplicate_of,omitempty"`
	Outcome               FileOutcome    `json:"outcome"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// FileOutcome holds the row counts and timing recorded when a file leaves
// PROCESSING.
type FileOutcome struct {
	RowsAccepted  int   `json:"rows_accepted"`
	RowsInserted  int   `json:"rows_inserted"`
	RowsDuplicate int   `json:"rows_duplicate"`
	RowsRejected  int   `json:"rows_rejected"`
	DurationMs    int64 `json:"duration_ms"`
}

// FileUpdate describes a compare-and-set status change on a file row.
// Nil pointer fields leave the stored column untouched.
type FileUpdate struct {
	From        FileStatus
	To          FileStatus
	At          time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	Outcome     *FileOutcome
	Metadata    map[string]any
}
