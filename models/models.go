package models

import (
	"log/slog"
	"time"
)

// Instance is a configured remote server. Domain is globally unique; the
// credential column is an opaque secret and must never appear in logs or
// case records.
type Instance struct {
	ID              uint64 `gorm:"primaryKey"`
	Domain          string `gorm:"uniqueIndex;not null"`
	Platform        string `gorm:"not null"`
	SoftwareVersion string
	Credential      string `gorm:"not null"`
	Enabled         bool   `gorm:"not null;default:true"`
	LastPolled      *time.Time
	AuthorizedBy    string
	AuthorizedRole  string
	AuthorizedAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LogValue keeps the credential out of structured logs.
func (i Instance) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("domain", i.Domain),
		slog.String("platform", i.Platform),
		slog.Bool("enabled", i.Enabled),
	)
}

// Report is a normalized inbound abuse report. ReportKey
// ("domain:remoteReportId") is the deduplication identity; the unique index
// on it is the authoritative guard against concurrent double-ingestion.
// RawPayload is preserved verbatim: close-time actions re-derive the target
// account from it, not from the case.
type Report struct {
	ID              uint64 `gorm:"primaryKey"`
	ReportKey       string `gorm:"uniqueIndex;not null"`
	Domain          string `gorm:"index;not null"`
	RemoteReportID  string `gorm:"not null"`
	ReporterHandle  string
	TargetHandle    string
	TargetRemoteID  string
	Comment         string `gorm:"type:text"`
	Category        string
	RelatedPostIDs  string  `gorm:"type:text"` // JSON array, ordered
	RawPayload      []byte  `gorm:"type:text;not null"`
	RemoteCreatedAt *time.Time
	CaseID          *uint64 `gorm:"index"`
	CreatedAt       time.Time
}

// ModerationLogEntry is one append-only audit record per action attempt.
// Failed retries each get their own row; rows are never mutated.
type ModerationLogEntry struct {
	ID             uint64    `gorm:"primaryKey"`
	CaseID         uint64    `gorm:"index;not null"`
	Domain         string    `gorm:"index;not null"`
	RemoteReportID string    `gorm:"not null"`
	Action         string    `gorm:"not null"`
	Status         string    `gorm:"not null"`
	Message        string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null"`
}

// Moderation actions recorded in the audit log.
const (
	ActionSuspendAccount   = "suspend_account"
	ActionBlockDomain      = "block_domain"
	ActionLimitAccount     = "limit_account"
	ActionFlagAccountMedia = "flag_account_media"
	ActionFlagServerMedia  = "flag_server_media"
	ActionCloseReport      = "close_report"
	ActionTicketCreated    = "ticket_created"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)
