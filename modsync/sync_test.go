package modsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/models"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

// fakeClient records calls and fails on demand, with a configurable
// capability set.
type fakeClient struct {
	domain   string
	platform fediverse.Platform
	caps     map[fediverse.Capability]bool
	failOn   map[string]error
	calls    []string
	comments []fediverse.Comment
}

func (f *fakeClient) Domain() string                               { return f.domain }
func (f *fakeClient) Platform() fediverse.Platform                 { return f.platform }
func (f *fakeClient) Supports(cap fediverse.Capability) bool       { return f.caps[cap] }
func (f *fakeClient) ValidateConnection(ctx context.Context) error { return nil }

func (f *fakeClient) record(call string) error {
	f.calls = append(f.calls, call)
	if err, ok := f.failOn[call]; ok {
		return err
	}
	return nil
}

func (f *fakeClient) FetchReport(ctx context.Context, reportID string) (json.RawMessage, error) {
	return nil, fediverse.ErrNotSupported
}

func (f *fakeClient) FetchReports(ctx context.Context, filters map[string]string) ([]json.RawMessage, error) {
	return nil, fediverse.ErrNotSupported
}

func (f *fakeClient) CloseReport(ctx context.Context, reportID string) error {
	return f.record("close:" + reportID)
}

func (f *fakeClient) PostModerationComment(ctx context.Context, reportID, text, authorName, authorDomain string) error {
	return f.record("comment:" + reportID + ":" + text)
}

func (f *fakeClient) GetModerationComments(ctx context.Context, reportID string) ([]fediverse.Comment, error) {
	f.calls = append(f.calls, "getComments:"+reportID)
	return f.comments, nil
}

func (f *fakeClient) FetchAccount(ctx context.Context, idOrHandle string) (*fediverse.Account, error) {
	return nil, fediverse.ErrNotSupported
}

func (f *fakeClient) FetchPosts(ctx context.Context, postIDs []string) ([]json.RawMessage, error) {
	return nil, fediverse.ErrNotSupported
}

func (f *fakeClient) SuspendAccount(ctx context.Context, accountID string) error {
	return f.record("suspend:" + accountID)
}

func (f *fakeClient) BlockDomain(ctx context.Context, domain string) error {
	return f.record("blockDomain:" + domain)
}

func (f *fakeClient) LimitAccount(ctx context.Context, accountID string) error {
	return f.record("limit:" + accountID)
}

func (f *fakeClient) FlagAccountMediaSensitive(ctx context.Context, accountID string) error {
	return f.record("flagAccount:" + accountID)
}

func (f *fakeClient) FlagServerMediaSensitive(ctx context.Context, domain string) error {
	return f.record("flagServer:" + domain)
}

func allCaps() map[fediverse.Capability]bool {
	return map[fediverse.Capability]bool{
		fediverse.CapCloseReport:      true,
		fediverse.CapPostComment:      true,
		fediverse.CapGetComments:      true,
		fediverse.CapSuspendAccount:   true,
		fediverse.CapBlockDomain:      true,
		fediverse.CapLimitAccount:     true,
		fediverse.CapFlagAccountMedia: true,
		fediverse.CapFlagServerMedia:  true,
	}
}

type syncFixture struct {
	syncer *Syncer
	client *fakeClient
	cases  *ticket.LocalStore
	audit  *store.AuditLog
	caseID uint64
}

// setupSync stores one enabled instance, one report linked to a fresh case,
// and wires a fake client factory.
func setupSync(t *testing.T, client *fakeClient) *syncFixture {
	t.Helper()
	ctx := context.Background()

	db, err := store.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	cases, err := ticket.NewLocalStore(db)
	require.NoError(t, err)
	instances := store.NewInstanceStore(db)
	reports := store.NewReportStore(db)
	audit := store.NewAuditLog(db)

	require.NoError(t, instances.Save(ctx, &models.Instance{
		Domain:     "example.social",
		Platform:   "mastodon",
		Credential: "tok",
		Enabled:    true,
	}))

	kase, err := cases.Create(ctx, ticket.CaseParams{Subject: "report", Body: "body"})
	require.NoError(t, err)

	rawPayload := `{"id":"55","account":{"acct":"alice"},"target_account":{"id":"9","acct":"bob@target.example"},"comment":"spam"}`
	report := models.Report{
		ReportKey:      store.ReportKey("example.social", "55"),
		Domain:         "example.social",
		RemoteReportID: "55",
		TargetRemoteID: "9",
		RawPayload:     []byte(rawPayload),
	}
	require.NoError(t, reports.Create(ctx, &report))
	require.NoError(t, reports.LinkCase(ctx, report.ReportKey, kase.ID))

	syncer := NewSyncer(instances, reports, audit, cases, Config{
		ClientFactory: func(domain, credential string, platform fediverse.Platform) (fediverse.Client, error) {
			client.domain = domain
			client.platform = platform
			return client, nil
		},
	})

	return &syncFixture{syncer: syncer, client: client, cases: cases, audit: audit, caseID: kase.ID}
}

func setFlags(t *testing.T, f *syncFixture, flags ...string) {
	t.Helper()
	for _, flag := range flags {
		require.NoError(t, f.cases.SetField(context.Background(), f.caseID, flag, "1"))
	}
}

func TestApplyModerationOnCloseOrderedActions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	f := setupSync(t, &fakeClient{caps: allCaps()})
	setFlags(t, f, FieldSuspendAccount, FieldBlockDomain, FieldLimitAccount, FieldFlagAccountMedia, FieldFlagServerMedia)

	require.NoError(f.syncer.ApplyModerationOnClose(ctx, f.caseID))

	// fixed order, target account and domain re-derived from the payload
	assert.Equal([]string{
		"close:55",
		"suspend:9",
		"blockDomain:target.example",
		"limit:9",
		"flagAccount:9",
		"flagServer:target.example",
	}, f.client.calls)

	entries, err := f.audit.ListForCase(ctx, f.caseID)
	require.NoError(err)
	require.Len(entries, 6)
	assert.Equal(models.ActionCloseReport, entries[0].Action)
	assert.Equal(models.ActionSuspendAccount, entries[1].Action)
	assert.Equal(models.ActionBlockDomain, entries[2].Action)
	for _, e := range entries {
		assert.Equal(models.StatusSuccess, e.Status)
	}

	notes, err := f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	require.Len(notes, 1)
	assert.Equal("Remote report closed. Actions: account suspended, domain blocked, account limited, account media flagged sensitive, server media flagged sensitive.", notes[0].Body)
}

func TestTargetFromRawPayloadShapes(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		name       string
		payload    string
		handle     string
		wantID     string
		wantDomain string
	}{
		{
			name:       "mastodon top level",
			payload:    `{"id":"55","target_account":{"id":"9","acct":"bob@target.example"}}`,
			wantID:     "9",
			wantDomain: "target.example",
		},
		{
			name:       "mastodon wrapped delivery",
			payload:    `{"report":{"id":"77","account":{"acct":"alice"},"target_account":{"id":"42","acct":"bob@evil.example"}}}`,
			wantID:     "42",
			wantDomain: "evil.example",
		},
		{
			name:       "local account stays on reporting domain",
			payload:    `{"id":"55","target_account":{"id":"9","acct":"bob"}}`,
			wantID:     "9",
			wantDomain: "reporter.social",
		},
		{
			name:       "misskey remote host",
			payload:    `{"id":"m1","targetUserId":"u7","targetUser":{"id":"u7","host":"target.example"}}`,
			wantID:     "u7",
			wantDomain: "target.example",
		},
		{
			name:       "unparseable payload falls back to normalized handle",
			payload:    `not json`,
			handle:     "bob@target.example",
			wantID:     "stored",
			wantDomain: "target.example",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &models.Report{
				Domain:         "reporter.social",
				TargetRemoteID: "stored",
				TargetHandle:   tt.handle,
				RawPayload:     []byte(tt.payload),
			}
			id, domain := targetFromRawPayload(report)
			assert.Equal(tt.wantID, id)
			assert.Equal(tt.wantDomain, domain)
		})
	}
}

func TestApplyModerationWrappedReportTargetsRemoteDomain(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	f := setupSync(t, &fakeClient{caps: allCaps()})

	// relink the case to a wrapped delivery from a different instance
	wrapped := `{"report":{"id":"77","account":{"acct":"alice"},"target_account":{"id":"42","acct":"bob@evil.example"}}}`
	report := models.Report{
		ReportKey:      store.ReportKey("example.social", "77"),
		Domain:         "example.social",
		RemoteReportID: "77",
		TargetRemoteID: "42",
		TargetHandle:   "bob@evil.example",
		RawPayload:     []byte(wrapped),
	}
	require.NoError(f.syncer.reports.Create(ctx, &report))
	kase, err := f.cases.Create(ctx, ticket.CaseParams{Subject: "wrapped report", Body: "body"})
	require.NoError(err)
	require.NoError(f.syncer.reports.LinkCase(ctx, report.ReportKey, kase.ID))
	require.NoError(f.cases.SetField(ctx, kase.ID, FieldBlockDomain, "1"))

	require.NoError(f.syncer.ApplyModerationOnClose(ctx, kase.ID))

	// the block lands on the target's home domain, never the reporter's
	assert.Equal([]string{"close:77", "blockDomain:evil.example"}, f.client.calls)
}

func TestApplyModerationActionIsolation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	client := &fakeClient{
		caps:   allCaps(),
		failOn: map[string]error{"suspend:9": fmt.Errorf("remote 500")},
	}
	f := setupSync(t, client)
	setFlags(t, f, FieldSuspendAccount, FieldBlockDomain)

	require.NoError(f.syncer.ApplyModerationOnClose(ctx, f.caseID))

	// the suspend failure did not stop the domain block
	assert.Contains(client.calls, "suspend:9")
	assert.Contains(client.calls, "blockDomain:target.example")

	entries, err := f.audit.ListForCase(ctx, f.caseID)
	require.NoError(err)
	require.Len(entries, 3)
	assert.Equal(models.ActionSuspendAccount, entries[1].Action)
	assert.Equal(models.StatusFailure, entries[1].Status)
	assert.Equal(models.ActionBlockDomain, entries[2].Action)
	assert.Equal(models.StatusSuccess, entries[2].Status)

	notes, err := f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	require.Len(notes, 1)
	assert.Equal("Remote report closed. Actions: domain blocked.", notes[0].Body)
}

func TestApplyModerationCapabilityGating(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	// misskey-like surface: can close and comment but cannot suspend
	client := &fakeClient{caps: map[fediverse.Capability]bool{
		fediverse.CapCloseReport: true,
		fediverse.CapPostComment: true,
	}}
	f := setupSync(t, client)
	setFlags(t, f, FieldSuspendAccount, FieldBlockDomain)

	require.NoError(f.syncer.ApplyModerationOnClose(ctx, f.caseID))

	// unsupported actions are skipped entirely, not recorded as failures
	assert.Equal([]string{"close:55"}, client.calls)

	entries, err := f.audit.ListForCase(ctx, f.caseID)
	require.NoError(err)
	require.Len(entries, 1)
	assert.Equal(models.ActionCloseReport, entries[0].Action)

	notes, err := f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	require.Len(notes, 1)
	assert.Equal("Remote report closed. No further actions taken.", notes[0].Body)
}

func TestApplyModerationNoFlags(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	f := setupSync(t, &fakeClient{caps: allCaps()})

	require.NoError(f.syncer.ApplyModerationOnClose(ctx, f.caseID))
	assert.Equal([]string{"close:55"}, f.client.calls)

	notes, err := f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	require.Len(notes, 1)
	assert.Contains(notes[0].Body, "No further actions taken")
}

func TestApplyModerationUnlinkedCaseIsNoop(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := setupSync(t, &fakeClient{caps: allCaps()})

	// a case with no linked report silently does nothing
	other, err := f.cases.Create(ctx, ticket.CaseParams{Subject: "manual case", Body: "b"})
	require.NoError(err)
	require.NoError(f.syncer.ApplyModerationOnClose(ctx, other.ID))
	require.Empty(f.client.calls)

	notes, err := f.cases.Notes(ctx, other.ID)
	require.NoError(err)
	require.Empty(notes)
}

func TestPushNote(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	f := setupSync(t, &fakeClient{caps: allCaps()})

	f.syncer.PushNote(ctx, f.caseID, "looking into it", "carol", "tickets.example")
	assert.Equal([]string{"comment:55:looking into it"}, f.client.calls)

	// failures are swallowed: note push is best-effort
	f.client.failOn = map[string]error{"comment:55:oops": fmt.Errorf("remote down")}
	f.syncer.PushNote(ctx, f.caseID, "oops", "carol", "tickets.example")
	assert.Len(f.client.calls, 2)
}

func TestPullCommentsIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	client := &fakeClient{
		caps: allCaps(),
		comments: []fediverse.Comment{
			{ID: "n1", Author: "remote-mod", Body: "remote first note", CreatedAt: time.Now()},
			{Body: "anonymous note"},
			{Body: ""},
		},
	}
	f := setupSync(t, client)

	require.NoError(f.syncer.PullComments(ctx, f.caseID))

	notes, err := f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	require.Len(notes, 2)
	assert.Equal("remote-mod", notes[0].Author)
	assert.Equal("remote first note", notes[0].Body)
	assert.Equal("Remote Moderator", notes[1].Author)
	assert.True(notes[0].Internal)

	// second pull merges nothing new
	require.NoError(f.syncer.PullComments(ctx, f.caseID))
	notes, err = f.cases.Notes(ctx, f.caseID)
	require.NoError(err)
	assert.Len(notes, 2)
}
