// Package ticket defines the narrow interfaces this service consumes from
// the host ticketing system, plus a gorm-backed local implementation so the
// service runs standalone.
package ticket

import (
	"context"
	"errors"
	"time"
)

var ErrCaseNotFound = errors.New("case not found")

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Case is one unit of moderation work, created from an imported abuse
// report. Custom boolean fields on the case (set by the moderator in the
// host UI) drive the close-time action set.
type Case struct {
	ID        uint64
	Subject   string
	Body      string
	Status    string
	UserID    uint64
	Fields    map[string]string
	ExtraData map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GetField returns a custom field value, or "" when unset.
func (c *Case) GetField(name string) string {
	if c.Fields == nil {
		return ""
	}
	return c.Fields[name]
}

// Note is one thread entry on a case. Internal notes are never shown to the
// reporting party.
type Note struct {
	ID        uint64
	CaseID    uint64
	Author    string
	Body      string
	Internal  bool
	CreatedAt time.Time
}

// Identity is a reporting identity in the host system.
type Identity struct {
	ID    uint64
	Name  string
	Email string
}

type CaseParams struct {
	Subject string
	Body    string
	UserID  uint64
}

type NoteParams struct {
	CaseID   uint64
	Author   string
	Body     string
	Internal bool
}

// CaseStore is the host system's case/thread surface. Implementations must
// tolerate redelivered lifecycle events: AppendNote with an identical body
// may be guarded by NoteExists at the call site.
type CaseStore interface {
	Create(ctx context.Context, params CaseParams) (*Case, error)
	Get(ctx context.Context, id uint64) (*Case, error)
	Close(ctx context.Context, id uint64) error
	SetField(ctx context.Context, id uint64, name, value string) error
	SetExtraData(ctx context.Context, id uint64, data map[string]string) error
	AppendNote(ctx context.Context, params NoteParams) (*Note, error)
	NoteExists(ctx context.Context, caseID uint64, body string) (bool, error)
}

// IdentityStore resolves or creates reporting identities.
type IdentityStore interface {
	LookupByEmail(ctx context.Context, email string) (*Identity, error)
	Create(ctx context.Context, name, email string) (*Identity, error)
}
