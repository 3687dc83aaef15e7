package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

func testIngestor(t *testing.T) (*Ingestor, *store.ReportStore, *ticket.LocalStore, *store.AuditLog) {
	t.Helper()
	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	cases, err := ticket.NewLocalStore(db)
	require.NoError(t, err)

	reports := store.NewReportStore(db)
	audit := store.NewAuditLog(db)
	ing := NewIngestor(reports, audit, cases, cases.Identities(), Config{})
	return ing, reports, cases, audit
}

const mastodonWebhookPayload = `{
	"id": "55",
	"account": {"id": "2", "acct": "alice", "username": "alice"},
	"target_account": {"id": "9", "acct": "bob", "username": "bob"},
	"comment": "spam",
	"created_at": "2024-01-01T00:00:00Z"
}`

func TestProcessCreatesCase(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ing, reports, cases, audit := testIngestor(t)

	result, err := ing.Process(ctx, json.RawMessage(mastodonWebhookPayload), "example.social")
	require.NoError(err)
	require.NotNil(result.Case)
	assert.False(result.Duplicate)

	report, err := reports.GetByKey(ctx, "example.social:55")
	require.NoError(err)
	assert.Equal("55", report.RemoteReportID)
	assert.Equal("bob", report.TargetHandle)
	assert.JSONEq(mastodonWebhookPayload, string(report.RawPayload))
	require.NotNil(report.CaseID)
	assert.Equal(result.Case.ID, *report.CaseID)

	kase, err := cases.Get(ctx, result.Case.ID)
	require.NoError(err)
	assert.Equal("Fediverse Abuse Report: bob", kase.Subject)
	assert.Contains(kase.Body, "=== FEDIVERSE ABUSE REPORT ===")
	assert.Contains(kase.Body, "Report ID: 55")
	assert.Contains(kase.Body, "Source Instance: example.social")
	assert.Contains(kase.Body, "spam")
	assert.Equal(ticket.StatusOpen, kase.Status)

	entries, err := audit.ListForCase(ctx, kase.ID)
	require.NoError(err)
	require.Len(entries, 1)
	assert.Equal("ticket_created", entries[0].Action)
}

func TestProcessDuplicateDelivery(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ing, _, _, _ := testIngestor(t)

	first, err := ing.Process(ctx, json.RawMessage(mastodonWebhookPayload), "example.social")
	require.NoError(err)
	require.NotNil(first.Case)

	// identical redelivery is a benign no-op, no second case
	second, err := ing.Process(ctx, json.RawMessage(mastodonWebhookPayload), "example.social")
	require.NoError(err)
	assert.True(second.Duplicate)
	assert.Nil(second.Case)

	// same report id from a different instance is a distinct report
	third, err := ing.Process(ctx, json.RawMessage(mastodonWebhookPayload), "other.example")
	require.NoError(err)
	assert.False(third.Duplicate)
	require.NotNil(third.Case)
	assert.NotEqual(first.Case.ID, third.Case.ID)
}

func TestProcessUnrecognizedPayload(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ing, _, _, _ := testIngestor(t)

	_, err := ing.Process(ctx, json.RawMessage(`{"hello":"world"}`), "example.social")
	assert.ErrorIs(err, fediverse.ErrUnrecognizedPayload)

	_, err = ing.Process(ctx, json.RawMessage(`not json at all`), "example.social")
	assert.ErrorIs(err, fediverse.ErrUnrecognizedPayload)
}

func TestProcessMisskeyAndLemmyShapes(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ing, _, cases, _ := testIngestor(t)

	misskey := `{"id":"rep1","createdAt":"2024-02-02T12:00:00.000Z","comment":"harassment","reporter":{"id":"u1","username":"alice"},"targetUser":{"id":"u2","username":"bob"},"targetUserId":"u2"}`
	result, err := ing.Process(ctx, json.RawMessage(misskey), "misskey.example")
	require.NoError(err)
	require.NotNil(result.Case)

	kase, err := cases.Get(ctx, result.Case.ID)
	require.NoError(err)
	assert.Contains(kase.Body, "Platform: misskey")
	assert.Contains(kase.Body, "harassment")

	lemmy := `{"id":12,"reason":"spam post","published":"2024-03-03T09:00:00Z","creator":{"id":3,"name":"bob"},"post":{"id":77,"name":"Buy now","body":"<b>cheap</b> stuff"}}`
	result, err = ing.Process(ctx, json.RawMessage(lemmy), "lemmy.example")
	require.NoError(err)
	require.NotNil(result.Case)

	kase, err = cases.Get(ctx, result.Case.ID)
	require.NoError(err)
	assert.Contains(kase.Body, "Platform: lemmy")
	// post content is HTML-stripped
	assert.Contains(kase.Body, "cheap stuff")
	assert.NotContains(kase.Body, "<b>")
}

func TestReporterIdentityReuse(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ing, _, cases, _ := testIngestor(t)

	payloads := []string{
		`{"id":"1","account":{"acct":"alice"},"target_account":{"acct":"bob","id":"9"},"comment":"first"}`,
		`{"id":"2","account":{"acct":"alice"},"target_account":{"acct":"carol","id":"10"},"comment":"second"}`,
	}
	var userIDs []uint64
	for _, p := range payloads {
		result, err := ing.Process(ctx, json.RawMessage(p), "example.social")
		require.NoError(err)
		kase, err := cases.Get(ctx, result.Case.ID)
		require.NoError(err)
		userIDs = append(userIDs, kase.UserID)
	}
	// both reports came from the same handle, so the same identity
	assert.Equal(userIDs[0], userIDs[1])

	ident, err := cases.Identities().LookupByEmail(ctx, "alice@reports.local")
	require.NoError(err)
	require.NotNil(ident)
	assert.Equal(userIDs[0], ident.ID)
}

func TestRelinkRetriesFailedCaseCreation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(err)
	require.NoError(store.Migrate(db))
	cases, err := ticket.NewLocalStore(db)
	require.NoError(err)
	reports := store.NewReportStore(db)
	audit := store.NewAuditLog(db)

	flaky := &flakyCaseStore{CaseStore: cases, failures: 1}
	ing := NewIngestor(reports, audit, flaky, cases.Identities(), Config{})

	_, err = ing.Process(ctx, json.RawMessage(mastodonWebhookPayload), "example.social")
	require.Error(err)

	// the report survived the failed case creation
	stored, err := reports.GetByKey(ctx, "example.social:55")
	require.NoError(err)
	assert.Nil(stored.CaseID)

	relinked, err := ing.Relink(ctx)
	require.NoError(err)
	assert.Equal(1, relinked)

	stored, err = reports.GetByKey(ctx, "example.social:55")
	require.NoError(err)
	assert.NotNil(stored.CaseID)
}

type flakyCaseStore struct {
	ticket.CaseStore
	failures int
}

func (f *flakyCaseStore) Create(ctx context.Context, params ticket.CaseParams) (*ticket.Case, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("simulated outage")
	}
	return f.CaseStore.Create(ctx, params)
}
