// Package modsync links local cases back to their remote abuse reports:
// pushing moderator notes out, pulling remote comments in, and applying the
// configured moderation actions when a case closes.
package modsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/models"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

// Case custom field names carrying the close-time action flags.
const (
	FieldSuspendAccount   = "fediverse_suspend_account"
	FieldBlockDomain      = "fediverse_block_domain"
	FieldLimitAccount     = "fediverse_limit_account"
	FieldFlagAccountMedia = "fediverse_flag_account_media_sensitive"
	FieldFlagServerMedia  = "fediverse_flag_server_media_sensitive"
)

const summaryAuthor = "Fediverse Sync"

// ClientFactory constructs a platform client for an instance. Swappable in
// tests.
type ClientFactory func(domain, credential string, platform fediverse.Platform) (fediverse.Client, error)

func defaultClientFactory(httpClient *http.Client) ClientFactory {
	return func(domain, credential string, platform fediverse.Platform) (fediverse.Client, error) {
		return fediverse.NewClient(domain, credential, platform, httpClient)
	}
}

type Config struct {
	Logger        *slog.Logger
	HTTPClient    *http.Client
	ClientFactory ClientFactory
	// ActionTimeout bounds each remote moderation call.
	ActionTimeout time.Duration
}

// Syncer orchestrates moderation sync between cases and remote reports.
type Syncer struct {
	instances *store.InstanceStore
	reports   *store.ReportStore
	audit     *store.AuditLog
	cases     ticket.CaseStore

	clients       ClientFactory
	actionTimeout time.Duration
	logger        *slog.Logger
}

func NewSyncer(instances *store.InstanceStore, reports *store.ReportStore, audit *store.AuditLog, cases ticket.CaseStore, config Config) *Syncer {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "modsync")
	}
	factory := config.ClientFactory
	if factory == nil {
		factory = defaultClientFactory(config.HTTPClient)
	}
	timeout := config.ActionTimeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Syncer{
		instances:     instances,
		reports:       reports,
		audit:         audit,
		cases:         cases,
		clients:       factory,
		actionTimeout: timeout,
		logger:        logger,
	}
}

// resolve finds the report linked to a case and the instance it came from.
// A nil client with nil error means the case is simply not fediverse-linked
// (or the instance is gone/disabled); callers no-op in that situation.
func (s *Syncer) resolve(ctx context.Context, caseID uint64) (fediverse.Client, *models.Report, error) {
	report, err := s.reports.GetByCaseID(ctx, caseID)
	if errors.Is(err, store.ErrReportNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	inst, err := s.instances.GetByDomain(ctx, report.Domain)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if !inst.Enabled {
		return nil, nil, nil
	}

	platform, err := fediverse.ParsePlatform(inst.Platform)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.clients(inst.Domain, inst.Credential, platform)
	if err != nil {
		return nil, nil, err
	}
	return client, report, nil
}

// PushNote delivers a moderator note to the remote report. Best-effort: any
// failure is logged and swallowed so note creation in the host system is
// never blocked.
func (s *Syncer) PushNote(ctx context.Context, caseID uint64, noteText, authorName, authorDomain string) {
	client, report, err := s.resolve(ctx, caseID)
	if err != nil {
		s.logger.Error("resolving case for note push", "caseID", caseID, "err", err)
		return
	}
	if client == nil {
		return
	}
	if !client.Supports(fediverse.CapPostComment) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	if err := client.PostModerationComment(ctx, report.RemoteReportID, noteText, authorName, authorDomain); err != nil {
		s.logger.Warn("failed to push moderation note", "caseID", caseID, "domain", report.Domain, "err", err)
	}
}

// PullComments merges remote moderation comments into the case thread.
// Dedup is content-based: remote comment ids are not stable across all
// families, so a note is only created when no note with an identical body
// exists.
func (s *Syncer) PullComments(ctx context.Context, caseID uint64) error {
	client, report, err := s.resolve(ctx, caseID)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	if !client.Supports(fediverse.CapGetComments) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
	defer cancel()
	comments, err := client.GetModerationComments(callCtx, report.RemoteReportID)
	if err != nil {
		s.logger.Warn("failed to pull moderation comments", "caseID", caseID, "domain", report.Domain, "err", err)
		return nil
	}

	for _, comment := range comments {
		if comment.Body == "" {
			continue
		}
		exists, err := s.cases.NoteExists(ctx, caseID, comment.Body)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		author := comment.Author
		if author == "" {
			author = "Remote Moderator"
		}
		if _, err := s.cases.AppendNote(ctx, ticket.NoteParams{
			CaseID:   caseID,
			Author:   author,
			Body:     comment.Body,
			Internal: true,
		}); err != nil {
			return err
		}
	}
	return nil
}

// closeAction is one close-time moderation action: a capability, the audit
// action name, the identifier it needs, and the call itself.
type closeAction struct {
	name       string
	capability fediverse.Capability
	field      string
	summary    string
	target     func() string
	invoke     func(ctx context.Context, client fediverse.Client, target string) error
}

// ApplyModerationOnClose closes the remote report and applies the action
// flags set on the case. Each action runs in isolation: one failure never
// prevents the remaining actions from being attempted, and every attempt
// gets its own audit entry. Exactly one summary note is appended to the
// case regardless of how many actions ran.
func (s *Syncer) ApplyModerationOnClose(ctx context.Context, caseID uint64) error {
	client, report, err := s.resolve(ctx, caseID)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}

	kase, err := s.cases.Get(ctx, caseID)
	if err != nil {
		return err
	}

	// close the remote report first
	if client.Supports(fediverse.CapCloseReport) {
		callCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
		err := client.CloseReport(callCtx, report.RemoteReportID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to close remote report", "caseID", caseID, "domain", report.Domain, "err", err)
			s.recordAudit(ctx, caseID, report, models.ActionCloseReport, models.StatusFailure, err.Error())
		} else {
			s.recordAudit(ctx, caseID, report, models.ActionCloseReport, models.StatusSuccess, "Remote report closed.")
		}
	}

	// the raw payload, not the case, is the source of truth for the target
	accountID, accountDomain := targetFromRawPayload(report)

	actions := []closeAction{
		{
			name:       models.ActionSuspendAccount,
			capability: fediverse.CapSuspendAccount,
			field:      FieldSuspendAccount,
			summary:    "account suspended",
			target:     func() string { return accountID },
			invoke: func(ctx context.Context, client fediverse.Client, target string) error {
				return client.SuspendAccount(ctx, target)
			},
		},
		{
			name:       models.ActionBlockDomain,
			capability: fediverse.CapBlockDomain,
			field:      FieldBlockDomain,
			summary:    "domain blocked",
			target:     func() string { return accountDomain },
			invoke: func(ctx context.Context, client fediverse.Client, target string) error {
				return client.BlockDomain(ctx, target)
			},
		},
		{
			name:       models.ActionLimitAccount,
			capability: fediverse.CapLimitAccount,
			field:      FieldLimitAccount,
			summary:    "account limited",
			target:     func() string { return accountID },
			invoke: func(ctx context.Context, client fediverse.Client, target string) error {
				return client.LimitAccount(ctx, target)
			},
		},
		{
			name:       models.ActionFlagAccountMedia,
			capability: fediverse.CapFlagAccountMedia,
			field:      FieldFlagAccountMedia,
			summary:    "account media flagged sensitive",
			target:     func() string { return accountID },
			invoke: func(ctx context.Context, client fediverse.Client, target string) error {
				return client.FlagAccountMediaSensitive(ctx, target)
			},
		},
		{
			name:       models.ActionFlagServerMedia,
			capability: fediverse.CapFlagServerMedia,
			field:      FieldFlagServerMedia,
			summary:    "server media flagged sensitive",
			target:     func() string { return accountDomain },
			invoke: func(ctx context.Context, client fediverse.Client, target string) error {
				return client.FlagServerMediaSensitive(ctx, target)
			},
		},
	}

	var actionsTaken []string
	for _, action := range actions {
		if kase.GetField(action.field) != "1" {
			continue
		}
		// absent capability is a routing signal, not a failure: skip
		// without an audit entry
		if !client.Supports(action.capability) {
			continue
		}
		target := action.target()
		if target == "" {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.actionTimeout)
		err := action.invoke(callCtx, client, target)
		cancel()
		if err != nil {
			s.logger.Warn("moderation action failed", "caseID", caseID, "action", action.name, "err", err)
			s.recordAudit(ctx, caseID, report, action.name, models.StatusFailure, err.Error())
			continue
		}
		s.recordAudit(ctx, caseID, report, action.name, models.StatusSuccess, action.summary)
		actionsTaken = append(actionsTaken, action.summary)
	}

	summary := "Remote report closed."
	if len(actionsTaken) > 0 {
		summary += " Actions: " + strings.Join(actionsTaken, ", ") + "."
	} else {
		summary += " No further actions taken."
	}
	if _, err := s.cases.AppendNote(ctx, ticket.NoteParams{
		CaseID:   caseID,
		Author:   summaryAuthor,
		Body:     summary,
		Internal: true,
	}); err != nil {
		return fmt.Errorf("appending summary note: %w", err)
	}
	return nil
}

func (s *Syncer) recordAudit(ctx context.Context, caseID uint64, report *models.Report, action, status, message string) {
	if err := s.audit.Record(ctx, caseID, report.Domain, report.RemoteReportID, action, status, message); err != nil {
		s.logger.Error("audit write failed", "caseID", caseID, "action", action, "err", err)
	}
}

// targetFromRawPayload re-derives the action target from the stored raw
// payload: the account's remote id and its home domain (from a user@domain
// handle, defaulting to the reporting instance's own domain).
func targetFromRawPayload(report *models.Report) (accountID, accountDomain string) {
	accountDomain = report.Domain
	raw := report.RawPayload

	// unwrap {"report": {...}} deliveries, mirroring ingestion
	var wrapper struct {
		Report json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Report) > 0 {
		raw = wrapper.Report
	}

	var payload struct {
		TargetAccount *struct {
			ID   json.Number `json:"id"`
			Acct string      `json:"acct"`
		} `json:"target_account"`
		TargetUserID string `json:"targetUserId"`
		TargetUser   *struct {
			ID   string `json:"id"`
			Host string `json:"host"`
		} `json:"targetUser"`
		Creator *struct {
			ID json.Number `json:"id"`
		} `json:"creator"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return report.TargetRemoteID, targetDomainFallback(report)
	}

	switch {
	case payload.TargetAccount != nil:
		accountID = payload.TargetAccount.ID.String()
		if _, host, found := strings.Cut(payload.TargetAccount.Acct, "@"); found && host != "" {
			accountDomain = host
		}
	case payload.TargetUserID != "" || payload.TargetUser != nil:
		accountID = payload.TargetUserID
		if payload.TargetUser != nil {
			if accountID == "" {
				accountID = payload.TargetUser.ID
			}
			if payload.TargetUser.Host != "" {
				accountDomain = payload.TargetUser.Host
			}
		}
	case payload.Creator != nil:
		accountID = payload.Creator.ID.String()
	}

	if accountID == "" {
		accountID = report.TargetRemoteID
	}
	if accountDomain == report.Domain {
		accountDomain = targetDomainFallback(report)
	}
	return accountID, accountDomain
}

// targetDomainFallback prefers the host portion of the normalized target
// handle over the reporting instance's own domain, so domain-level actions
// never land on the reporter's server by accident.
func targetDomainFallback(report *models.Report) string {
	if _, host, found := strings.Cut(report.TargetHandle, "@"); found && host != "" {
		return host
	}
	return report.Domain
}
