package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/models"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

// Config for the ingestion pipeline. FallbackEmailDomain is used to
// synthesize reporter addresses when the remote account carries no email
// (which is always, for fediverse reports).
type Config struct {
	FallbackEmailDomain string
	Logger              *slog.Logger
}

// Result of processing one inbound report payload.
type Result struct {
	Report    *models.Report
	Case      *ticket.Case
	Duplicate bool
}

// Ingestor validates, deduplicates, and normalizes inbound report payloads,
// then creates the local case.
type Ingestor struct {
	reports reportStore
	audit   *store.AuditLog
	cases   ticket.CaseStore
	idents  ticket.IdentityStore

	fallbackEmailDomain string
	logger              *slog.Logger

	htmlPolicy *bluemonday.Policy
}

// reportStore is the slice of ReportStore the ingestor needs; narrowed
// for tests.
type reportStore interface {
	Exists(ctx context.Context, reportKey string) (bool, error)
	Create(ctx context.Context, report *models.Report) error
	LinkCase(ctx context.Context, reportKey string, caseID uint64) error
	ListUnlinked(ctx context.Context) ([]models.Report, error)
}

func NewIngestor(reports *store.ReportStore, audit *store.AuditLog, cases ticket.CaseStore, idents ticket.IdentityStore, config Config) *Ingestor {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "ingest")
	}
	fallback := config.FallbackEmailDomain
	if fallback == "" {
		fallback = "reports.local"
	}
	return &Ingestor{
		reports:             reports,
		audit:               audit,
		cases:               cases,
		idents:              idents,
		fallbackEmailDomain: fallback,
		logger:              logger,
		htmlPolicy:          bluemonday.StrictPolicy(),
	}
}

// Process runs the full pipeline: shape detection, normalization, dedup,
// persistence, and case creation. The raw payload is stored verbatim; it is
// the source of truth for close-time action targets.
//
// A duplicate delivery returns Result.Duplicate=true and no error. A failed
// case creation returns an error but the report stays stored (deduplicated)
// and unlinked; Relink retries those later.
func (ing *Ingestor) Process(ctx context.Context, raw json.RawMessage, sourceDomain string) (*Result, error) {
	platform, err := DetectFamily(raw)
	if err != nil {
		// never log the payload itself, just its size
		ing.logger.Warn("unrecognized report payload", "domain", sourceDomain, "payloadBytes", len(raw))
		return nil, err
	}

	norm, err := normalize(platform, raw, sourceDomain)
	if err != nil {
		ing.logger.Warn("malformed report payload", "domain", sourceDomain, "platform", platform, "payloadBytes", len(raw))
		return nil, err
	}

	reportKey := store.ReportKey(sourceDomain, norm.RemoteReportID)

	// advisory fast path; the unique constraint below is the real guard
	if exists, err := ing.reports.Exists(ctx, reportKey); err != nil {
		return nil, err
	} else if exists {
		ing.logger.Info("duplicate report", "reportKey", reportKey)
		return &Result{Duplicate: true}, nil
	}

	postIDs, _ := json.Marshal(norm.PostIDs)
	report := models.Report{
		ReportKey:       reportKey,
		Domain:          sourceDomain,
		RemoteReportID:  norm.RemoteReportID,
		ReporterHandle:  norm.ReporterHandle,
		TargetHandle:    norm.TargetHandle,
		TargetRemoteID:  norm.TargetRemoteID,
		Comment:         norm.Comment,
		Category:        norm.Category,
		RelatedPostIDs:  string(postIDs),
		RawPayload:      append([]byte(nil), raw...),
		RemoteCreatedAt: norm.CreatedAt,
	}
	if err := ing.reports.Create(ctx, &report); err != nil {
		if errors.Is(err, fediverse.ErrDuplicateReport) {
			// lost the race against a concurrent delivery
			ing.logger.Info("duplicate report (concurrent)", "reportKey", reportKey)
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("storing report: %w", err)
	}

	kase, err := ing.createCase(ctx, &report, norm, platform)
	if err != nil {
		ing.logger.Error("case creation failed, report stored unlinked", "reportKey", reportKey, "err", err)
		return &Result{Report: &report}, fmt.Errorf("creating case for %s: %w", reportKey, err)
	}

	if err := ing.audit.Record(ctx, kase.ID, sourceDomain, norm.RemoteReportID, models.ActionTicketCreated, models.StatusSuccess,
		fmt.Sprintf("Case #%d created from report %s", kase.ID, reportKey)); err != nil {
		ing.logger.Error("audit write failed", "reportKey", reportKey, "err", err)
	}

	ing.logger.Info("report ingested", "reportKey", reportKey, "platform", platform, "caseID", kase.ID)
	return &Result{Report: &report, Case: kase}, nil
}

// Relink retries case creation for reports whose initial case creation
// failed. Reports are not re-ingested; the stored raw payload is
// re-normalized.
func (ing *Ingestor) Relink(ctx context.Context) (int, error) {
	unlinked, err := ing.reports.ListUnlinked(ctx)
	if err != nil {
		return 0, err
	}
	relinked := 0
	for i := range unlinked {
		report := &unlinked[i]
		platform, err := DetectFamily(report.RawPayload)
		if err != nil {
			continue
		}
		norm, err := normalize(platform, report.RawPayload, report.Domain)
		if err != nil {
			continue
		}
		kase, err := ing.createCase(ctx, report, norm, platform)
		if err != nil {
			ing.logger.Warn("relink failed", "reportKey", report.ReportKey, "err", err)
			continue
		}
		if err := ing.audit.Record(ctx, kase.ID, report.Domain, report.RemoteReportID, models.ActionTicketCreated, models.StatusSuccess,
			fmt.Sprintf("Case #%d created from report %s (retry)", kase.ID, report.ReportKey)); err != nil {
			ing.logger.Error("audit write failed", "reportKey", report.ReportKey, "err", err)
		}
		relinked++
	}
	return relinked, nil
}

func (ing *Ingestor) createCase(ctx context.Context, report *models.Report, norm *normalizedReport, platform fediverse.Platform) (*ticket.Case, error) {
	ident, err := ing.resolveReporter(ctx, report.Domain, norm)
	if err != nil {
		return nil, fmt.Errorf("resolving reporter identity: %w", err)
	}

	kase, err := ing.cases.Create(ctx, ticket.CaseParams{
		Subject: ing.buildSubject(norm),
		Body:    ing.buildBody(report.Domain, norm, platform),
		UserID:  ident.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := ing.reports.LinkCase(ctx, report.ReportKey, kase.ID); err != nil {
		return nil, fmt.Errorf("linking case: %w", err)
	}
	caseID := kase.ID
	report.CaseID = &caseID
	return kase, nil
}

var emailCleanRe = regexp.MustCompile(`[^a-zA-Z0-9_@.\-]+`)

// resolveReporter finds or creates the reporting identity. Remote accounts
// never expose an email, so one is synthesized from the handle or, failing
// that, a per-domain collective address.
func (ing *Ingestor) resolveReporter(ctx context.Context, sourceDomain string, norm *normalizedReport) (*ticket.Identity, error) {
	email := ""
	name := norm.ReporterName
	if norm.ReporterHandle != "" {
		handle := emailCleanRe.ReplaceAllString(norm.ReporterHandle, "")
		if !strings.Contains(handle, "@") {
			handle += "@" + ing.fallbackEmailDomain
		}
		email = strings.ToLower(handle)
	}
	if email == "" {
		email = "fediverse-reports@" + sourceDomain
		name = fmt.Sprintf("Fediverse Reporter (%s)", sourceDomain)
	}
	if name == "" {
		name = "Fediverse Reporter"
	}

	ident, err := ing.idents.LookupByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if ident != nil {
		return ident, nil
	}
	return ing.idents.Create(ctx, name, email)
}

func (ing *Ingestor) buildSubject(norm *normalizedReport) string {
	target := norm.TargetHandle
	if target == "" {
		target = "unknown account"
	}
	return fmt.Sprintf("Fediverse Abuse Report: %s", target)
}

func (ing *Ingestor) buildBody(sourceDomain string, norm *normalizedReport, platform fediverse.Platform) string {
	var b strings.Builder
	b.WriteString("=== FEDIVERSE ABUSE REPORT ===\n\n")
	fmt.Fprintf(&b, "Report ID: %s\n", norm.RemoteReportID)
	fmt.Fprintf(&b, "Source Instance: %s\n", sourceDomain)
	fmt.Fprintf(&b, "Platform: %s\n", platform)
	if norm.CreatedAt != nil {
		fmt.Fprintf(&b, "Reported At: %s\n", norm.CreatedAt.Format(time.RFC3339))
	}
	if norm.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", norm.Category)
	}
	b.WriteString("\n--- Reported Account ---\n")
	fmt.Fprintf(&b, "Username: %s\n", firstNonEmpty(norm.TargetHandle, "unknown"))
	if norm.TargetName != "" {
		fmt.Fprintf(&b, "Display Name: %s\n", norm.TargetName)
	}
	if norm.TargetURL != "" {
		fmt.Fprintf(&b, "Profile URL: %s\n", norm.TargetURL)
	}
	if norm.ReporterHandle != "" {
		fmt.Fprintf(&b, "Reported By: %s\n", norm.ReporterHandle)
	}

	b.WriteString("\n--- Report Reason ---\n")
	reason := norm.Comment
	if reason == "" {
		reason = "No reason provided"
	}
	b.WriteString(reason)
	b.WriteString("\n")

	if len(norm.Posts) > 0 {
		fmt.Fprintf(&b, "\n--- Reported Posts (%d) ---\n", len(norm.Posts))
		for i, post := range norm.Posts {
			fmt.Fprintf(&b, "\nPost #%d", i+1)
			if post.ID != "" {
				fmt.Fprintf(&b, " (ID: %s)", post.ID)
			}
			b.WriteString("\n")
			if post.CreatedAt != "" {
				fmt.Fprintf(&b, "Posted: %s\n", post.CreatedAt)
			}
			fmt.Fprintf(&b, "Content:\n%s\n", ing.stripHTML(post.Content))
		}
	} else if len(norm.PostIDs) > 0 {
		fmt.Fprintf(&b, "\nStatus IDs: %s\n", strings.Join(norm.PostIDs, ", "))
	}

	b.WriteString("\n--- Next Steps ---\n")
	b.WriteString("1. Review the reported content and account\n")
	b.WriteString("2. Set the desired moderation action flags on this case\n")
	b.WriteString("3. Close the case to apply the selected actions to the remote server\n")
	return b.String()
}

// stripHTML removes markup and decodes entities so post content reads
// cleanly in the case body.
func (ing *Ingestor) stripHTML(content string) string {
	stripped := ing.htmlPolicy.Sanitize(content)
	return strings.TrimSpace(html.UnescapeString(stripped))
}
