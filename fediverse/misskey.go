package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// MisskeyClient talks to Misskey-compatible servers (including Sharkey and
// other forks). All calls are POST with the token in the request body ("i"
// parameter). Account suspension, domain blocks, and media flags are not
// exposed by the family's admin API and report NotSupported.
type MisskeyClient struct {
	domain  string
	token   string
	baseURL string
	http    *http.Client
	caps    capSet
}

func NewMisskeyClient(domain, token string, httpClient *http.Client) *MisskeyClient {
	return &MisskeyClient{
		domain:  domain,
		token:   token,
		baseURL: fmt.Sprintf("https://%s/api", domain),
		http:    defaultHTTPClient(httpClient),
		caps: capSet{
			CapFetchReports: true,
			CapCloseReport:  true,
			CapPostComment:  true,
			CapGetComments:  true,
			CapFetchAccount: true,
			CapFetchPosts:   true,
		},
	}
}

func (c *MisskeyClient) Domain() string     { return c.domain }
func (c *MisskeyClient) Platform() Platform { return PlatformMisskey }

func (c *MisskeyClient) Supports(cap Capability) bool { return c.caps.has(cap) }

// post sends a Misskey API call with the access token merged into the body.
func (c *MisskeyClient) post(ctx context.Context, path string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["i"] = c.token
	return postJSON(ctx, c.http, c.baseURL+path, nil, body, out)
}

func (c *MisskeyClient) ValidateConnection(ctx context.Context) error {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/i", nil, &out); err != nil {
		return err
	}
	if out.ID == "" {
		return fmt.Errorf("%w: /i returned no account", ErrRemoteProtocol)
	}
	return nil
}

// No single-report endpoint is standard across forks.
func (c *MisskeyClient) FetchReport(ctx context.Context, reportID string) (json.RawMessage, error) {
	return nil, ErrNotSupported
}

func (c *MisskeyClient) FetchReports(ctx context.Context, filters map[string]string) ([]json.RawMessage, error) {
	body := map[string]any{}
	for k, v := range filters {
		body[k] = v
	}
	var out []json.RawMessage
	if err := c.post(ctx, "/admin/abuse-user-reports", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MisskeyClient) CloseReport(ctx context.Context, reportID string) error {
	return c.post(ctx, "/admin/resolve-abuse-user-report", map[string]any{"reportId": reportID}, nil)
}

// Misskey has no per-report note thread; the moderation comment lands as an
// admin note instead. The report id is carried in the note text so remote
// moderators can correlate.
func (c *MisskeyClient) PostModerationComment(ctx context.Context, reportID, text, authorName, authorDomain string) error {
	content := truncateNote(fmt.Sprintf("[%s] %s (report %s): %s", authorDomain, authorName, reportID, text), misskeyNoteLimit)
	return c.post(ctx, "/admin/abuse-report/notes/create", map[string]any{
		"reportId": reportID,
		"text":     content,
	}, nil)
}

// Present but empty on most forks; the orchestrator treats an empty list as
// "nothing to merge", not an error.
func (c *MisskeyClient) GetModerationComments(ctx context.Context, reportID string) ([]Comment, error) {
	return []Comment{}, nil
}

func (c *MisskeyClient) FetchAccount(ctx context.Context, idOrHandle string) (*Account, error) {
	var out struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
		Host     string `json:"host"`
	}
	if err := c.post(ctx, "/users/show", map[string]any{"userId": idOrHandle}, &out); err != nil {
		return nil, err
	}
	acct := out.Username
	if out.Host != "" {
		acct = out.Username + "@" + out.Host
	}
	return &Account{
		ID:          out.ID,
		Username:    out.Username,
		Acct:        acct,
		DisplayName: out.Name,
	}, nil
}

func (c *MisskeyClient) FetchPosts(ctx context.Context, postIDs []string) ([]json.RawMessage, error) {
	posts := make([]json.RawMessage, 0, len(postIDs))
	for _, id := range postIDs {
		var out json.RawMessage
		if err := c.post(ctx, "/notes/show", map[string]any{"noteId": id}, &out); err != nil {
			return nil, err
		}
		posts = append(posts, out)
	}
	return posts, nil
}

func (c *MisskeyClient) SuspendAccount(ctx context.Context, accountID string) error {
	return ErrNotSupported
}

func (c *MisskeyClient) BlockDomain(ctx context.Context, domain string) error {
	return ErrNotSupported
}

func (c *MisskeyClient) LimitAccount(ctx context.Context, accountID string) error {
	return ErrNotSupported
}

func (c *MisskeyClient) FlagAccountMediaSensitive(ctx context.Context, accountID string) error {
	return ErrNotSupported
}

func (c *MisskeyClient) FlagServerMediaSensitive(ctx context.Context, domain string) error {
	return ErrNotSupported
}
