package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedisync/fedisync/fediverse"
)

func TestDetectFamily(t *testing.T) {
	assert := assert.New(t)

	cases := []struct {
		name    string
		payload string
		want    fediverse.Platform
	}{
		{
			name:    "mastodon account pair",
			payload: `{"id":"55","account":{"acct":"alice"},"target_account":{"acct":"bob"},"comment":"spam"}`,
			want:    fediverse.PlatformMastodon,
		},
		{
			name:    "mastodon category shape",
			payload: `{"id":"56","created_at":"2024-01-01T00:00:00Z","category":"spam"}`,
			want:    fediverse.PlatformMastodon,
		},
		{
			name:    "mastodon wrapped report",
			payload: `{"report":{"id":"57","account":{"acct":"alice"}}}`,
			want:    fediverse.PlatformMastodon,
		},
		{
			name:    "misskey reporter shape",
			payload: `{"id":"abc123","createdAt":"2024-01-01T00:00:00.000Z","reporter":{"username":"alice"},"comment":"abuse"}`,
			want:    fediverse.PlatformMisskey,
		},
		{
			name:    "misskey minimal shape",
			payload: `{"id":"abc124","userId":"u9","comment":"abuse"}`,
			want:    fediverse.PlatformMisskey,
		},
		{
			name:    "lemmy post report",
			payload: `{"id":12,"reason":"spam","creator":{"id":3,"name":"bob"},"post":{"id":77,"name":"title"}}`,
			want:    fediverse.PlatformLemmy,
		},
	}

	for _, tc := range cases {
		got, err := DetectFamily(json.RawMessage(tc.payload))
		require.NoError(t, err, tc.name)
		assert.Equal(tc.want, got, tc.name)
	}
}

func TestDetectFamilyUnrecognized(t *testing.T) {
	assert := assert.New(t)

	for _, payload := range []string{
		`not json`,
		`[]`,
		`{}`,
		`{"id":"1","something":"else"}`,
		`{"created_at":"2024-01-01T00:00:00Z"}`,
	} {
		_, err := DetectFamily(json.RawMessage(payload))
		assert.ErrorIs(err, fediverse.ErrUnrecognizedPayload, payload)
	}
}

func TestNormalizeMastodon(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	payload := `{
		"id": "55",
		"account": {"id": "2", "acct": "alice", "username": "alice"},
		"target_account": {"id": "9", "acct": "bob@example.social", "username": "bob", "display_name": "Bob", "url": "https://example.social/@bob"},
		"comment": "spam",
		"category": "Spam",
		"created_at": "2024-01-01T00:00:00Z",
		"status_ids": ["101", 102],
		"statuses": [{"id": "101", "content": "<p>buy stuff</p>", "created_at": "2023-12-31T10:00:00Z"}]
	}`

	n, err := normalizeMastodon(json.RawMessage(payload))
	require.NoError(err)
	assert.Equal("55", n.RemoteReportID)
	assert.Equal("alice", n.ReporterHandle)
	assert.Equal("bob@example.social", n.TargetHandle)
	assert.Equal("9", n.TargetRemoteID)
	assert.Equal("Bob", n.TargetName)
	assert.Equal("spam", n.Category)
	require.NotNil(n.CreatedAt)
	assert.Equal([]string{"101", "102"}, n.PostIDs)
	require.Len(n.Posts, 1)
	assert.Equal("<p>buy stuff</p>", n.Posts[0].Content)

	_, err = normalizeMastodon(json.RawMessage(`{"comment":"no id"}`))
	assert.ErrorIs(err, fediverse.ErrUnrecognizedPayload)
}

func TestNormalizeMisskey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	payload := `{
		"id": "rep1",
		"createdAt": "2024-02-02T12:00:00.000Z",
		"comment": "harassment",
		"reporter": {"id": "u1", "username": "alice", "host": null},
		"targetUser": {"id": "u2", "username": "bob", "name": "Bob", "host": "other.example"},
		"targetUserId": "u2"
	}`

	n, err := normalizeMisskey(json.RawMessage(payload))
	require.NoError(err)
	assert.Equal("rep1", n.RemoteReportID)
	assert.Equal("u2", n.TargetRemoteID)
	assert.Equal("bob@other.example", n.TargetHandle)
	assert.Equal("alice", n.ReporterHandle)
	assert.Equal("Bob", n.TargetName)
	require.NotNil(n.CreatedAt)
}

func TestNormalizeLemmy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	payload := `{
		"id": 12,
		"reason": "spam post",
		"published": "2024-03-03T09:00:00Z",
		"creator": {"id": 3, "name": "bob", "actor_id": "https://lemmy.example/u/bob"},
		"post": {"id": 77, "name": "Buy now", "body": "cheap stuff", "published": "2024-03-02T08:00:00Z"}
	}`

	n, err := normalizeLemmy(json.RawMessage(payload), "lemmy.example")
	require.NoError(err)
	assert.Equal("12", n.RemoteReportID)
	assert.Equal("bob@lemmy.example", n.TargetHandle)
	assert.Equal("3", n.TargetRemoteID)
	assert.Equal("spam post", n.Comment)
	require.Len(n.Posts, 1)
	assert.Equal("cheap stuff", n.Posts[0].Content)
	assert.Equal([]string{"77"}, n.PostIDs)

	_, err = normalizeLemmy(json.RawMessage(`{"id":13,"reason":"x"}`), "lemmy.example")
	assert.ErrorIs(err, fediverse.ErrUnrecognizedPayload)
}
