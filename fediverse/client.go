package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Platform string

const (
	PlatformMastodon Platform = "mastodon"
	PlatformMisskey  Platform = "misskey"
	PlatformLemmy    Platform = "lemmy"
)

func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformMastodon, PlatformMisskey, PlatformLemmy:
		return Platform(s), nil
	}
	// sharkey and other misskey forks expose the misskey admin API
	if s == "sharkey" || s == "firefish" || s == "calckey" {
		return PlatformMisskey, nil
	}
	return "", fmt.Errorf("unsupported platform: %s", s)
}

// Capability identifies one optional operation a platform adapter may
// support. Resolution happens at adapter construction, not per-call, so the
// orchestrator can gate actions with Supports() as plain control flow.
type Capability string

const (
	CapFetchReport      Capability = "fetch_report"
	CapFetchReports     Capability = "fetch_reports"
	CapCloseReport      Capability = "close_report"
	CapPostComment      Capability = "post_comment"
	CapGetComments      Capability = "get_comments"
	CapFetchAccount     Capability = "fetch_account"
	CapFetchPosts       Capability = "fetch_posts"
	CapSuspendAccount   Capability = "suspend_account"
	CapBlockDomain      Capability = "block_domain"
	CapLimitAccount     Capability = "limit_account"
	CapFlagAccountMedia Capability = "flag_account_media"
	CapFlagServerMedia  Capability = "flag_server_media"
)

// Account is the normalized subset of remote account data the moderation
// flows need.
type Account struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Acct        string `json:"acct"`
	DisplayName string `json:"displayName"`
	URL         string `json:"url,omitempty"`
	Role        string `json:"role,omitempty"`
}

// Comment is one moderation note attached to a remote report.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Client is the capability interface over one remote server's admin API,
// bound to a (domain, credential, platform) triple. Raw report payloads are
// returned as json.RawMessage so the ingestion pipeline normalizes fetched
// and webhook-delivered reports through the same path.
//
// Operations whose capability is absent return ErrNotSupported; callers are
// expected to check Supports() first and skip rather than log a failure.
type Client interface {
	Domain() string
	Platform() Platform
	Supports(cap Capability) bool

	ValidateConnection(ctx context.Context) error
	FetchReport(ctx context.Context, reportID string) (json.RawMessage, error)
	FetchReports(ctx context.Context, filters map[string]string) ([]json.RawMessage, error)
	CloseReport(ctx context.Context, reportID string) error
	PostModerationComment(ctx context.Context, reportID, text, authorName, authorDomain string) error
	GetModerationComments(ctx context.Context, reportID string) ([]Comment, error)
	FetchAccount(ctx context.Context, idOrHandle string) (*Account, error)
	FetchPosts(ctx context.Context, postIDs []string) ([]json.RawMessage, error)
	SuspendAccount(ctx context.Context, accountID string) error
	BlockDomain(ctx context.Context, domain string) error
	LimitAccount(ctx context.Context, accountID string) error
	FlagAccountMediaSensitive(ctx context.Context, accountID string) error
	FlagServerMediaSensitive(ctx context.Context, domain string) error
}

// Per-family moderation note length limits. Notes are truncated rather than
// rejected so a note is always delivered in some form.
const (
	mastodonNoteLimit = 480
	misskeyNoteLimit  = 950
	lemmyNoteLimit    = 950
)

// truncateNote caps text at limit runes, replacing the tail with an ellipsis
// when it would overflow.
func truncateNote(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

// NewClient constructs the adapter for the given platform family. If
// httpClient is nil a default retrying client is used.
func NewClient(domain, credential string, platform Platform, httpClient *http.Client) (Client, error) {
	switch platform {
	case PlatformMastodon:
		return NewMastodonClient(domain, credential, httpClient), nil
	case PlatformMisskey:
		return NewMisskeyClient(domain, credential, httpClient), nil
	case PlatformLemmy:
		return NewLemmyClient(domain, credential, httpClient), nil
	}
	return nil, fmt.Errorf("unsupported platform: %s", platform)
}

type capSet map[Capability]bool

func (cs capSet) has(c Capability) bool {
	return cs[c]
}
