package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// MastodonClient talks to the Mastodon admin API (/api/v1/admin). It is the
// most fully-featured family: every capability is supported.
type MastodonClient struct {
	domain  string
	token   string
	baseURL string
	http    *http.Client
	caps    capSet
}

func NewMastodonClient(domain, token string, httpClient *http.Client) *MastodonClient {
	return &MastodonClient{
		domain:  domain,
		token:   token,
		baseURL: fmt.Sprintf("https://%s/api/v1", domain),
		http:    defaultHTTPClient(httpClient),
		caps: capSet{
			CapFetchReport:      true,
			CapFetchReports:     true,
			CapCloseReport:      true,
			CapPostComment:      true,
			CapGetComments:      true,
			CapFetchAccount:     true,
			CapFetchPosts:       true,
			CapSuspendAccount:   true,
			CapBlockDomain:      true,
			CapLimitAccount:     true,
			CapFlagAccountMedia: true,
			CapFlagServerMedia:  true,
		},
	}
}

func (c *MastodonClient) Domain() string     { return c.domain }
func (c *MastodonClient) Platform() Platform { return PlatformMastodon }

func (c *MastodonClient) Supports(cap Capability) bool { return c.caps.has(cap) }

func (c *MastodonClient) ValidateConnection(ctx context.Context) error {
	var out struct {
		ID   string `json:"id"`
		Role *struct {
			Name string `json:"name"`
		} `json:"role"`
	}
	if err := getJSON(ctx, c.http, c.baseURL+"/accounts/verify_credentials", bearerHeader(c.token), &out); err != nil {
		return err
	}
	if out.ID == "" {
		return fmt.Errorf("%w: verify_credentials returned no account", ErrRemoteProtocol)
	}
	return nil
}

func (c *MastodonClient) FetchReport(ctx context.Context, reportID string) (json.RawMessage, error) {
	var out json.RawMessage
	endpoint := fmt.Sprintf("%s/admin/reports/%s", c.baseURL, url.PathEscape(reportID))
	if err := getJSON(ctx, c.http, endpoint, bearerHeader(c.token), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MastodonClient) FetchReports(ctx context.Context, filters map[string]string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	endpoint := c.baseURL + "/admin/reports" + queryString(filters)
	if err := getJSON(ctx, c.http, endpoint, bearerHeader(c.token), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MastodonClient) CloseReport(ctx context.Context, reportID string) error {
	endpoint := fmt.Sprintf("%s/admin/reports/%s/resolve", c.baseURL, url.PathEscape(reportID))
	return postJSON(ctx, c.http, endpoint, bearerHeader(c.token), nil, nil)
}

func (c *MastodonClient) PostModerationComment(ctx context.Context, reportID, text, authorName, authorDomain string) error {
	content := truncateNote(fmt.Sprintf("[%s] %s: %s", authorDomain, authorName, text), mastodonNoteLimit)
	endpoint := fmt.Sprintf("%s/admin/reports/%s/notes", c.baseURL, url.PathEscape(reportID))
	body := map[string]string{"content": content}
	return postJSON(ctx, c.http, endpoint, bearerHeader(c.token), body, nil)
}

func (c *MastodonClient) GetModerationComments(ctx context.Context, reportID string) ([]Comment, error) {
	var report struct {
		Notes []struct {
			ID      string `json:"id"`
			Content string `json:"content"`
			Account struct {
				Username string `json:"username"`
			} `json:"account"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"notes"`
	}
	endpoint := fmt.Sprintf("%s/admin/reports/%s", c.baseURL, url.PathEscape(reportID))
	if err := getJSON(ctx, c.http, endpoint, bearerHeader(c.token), &report); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(report.Notes))
	for _, n := range report.Notes {
		comments = append(comments, Comment{
			ID:        n.ID,
			Author:    n.Account.Username,
			Body:      n.Content,
			CreatedAt: n.CreatedAt,
		})
	}
	return comments, nil
}

func (c *MastodonClient) FetchAccount(ctx context.Context, idOrHandle string) (*Account, error) {
	var endpoint string
	if isNumeric(idOrHandle) {
		endpoint = fmt.Sprintf("%s/admin/accounts/%s", c.baseURL, url.PathEscape(idOrHandle))
	} else {
		endpoint = c.baseURL + "/accounts/lookup?acct=" + url.QueryEscape(idOrHandle)
	}
	var out struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		Acct        string `json:"acct"`
		DisplayName string `json:"display_name"`
		URL         string `json:"url"`
	}
	if err := getJSON(ctx, c.http, endpoint, bearerHeader(c.token), &out); err != nil {
		return nil, err
	}
	return &Account{
		ID:          out.ID,
		Username:    out.Username,
		Acct:        out.Acct,
		DisplayName: out.DisplayName,
		URL:         out.URL,
	}, nil
}

func (c *MastodonClient) FetchPosts(ctx context.Context, postIDs []string) ([]json.RawMessage, error) {
	posts := make([]json.RawMessage, 0, len(postIDs))
	for _, id := range postIDs {
		var out json.RawMessage
		endpoint := fmt.Sprintf("%s/statuses/%s", c.baseURL, url.PathEscape(id))
		if err := getJSON(ctx, c.http, endpoint, bearerHeader(c.token), &out); err != nil {
			return nil, err
		}
		posts = append(posts, out)
	}
	return posts, nil
}

// accountAction posts an admin moderation action against an account.
func (c *MastodonClient) accountAction(ctx context.Context, accountID, actionType string) error {
	endpoint := fmt.Sprintf("%s/admin/accounts/%s/action", c.baseURL, url.PathEscape(accountID))
	body := map[string]string{"type": actionType}
	return postJSON(ctx, c.http, endpoint, bearerHeader(c.token), body, nil)
}

func (c *MastodonClient) SuspendAccount(ctx context.Context, accountID string) error {
	return c.accountAction(ctx, accountID, "suspend")
}

func (c *MastodonClient) LimitAccount(ctx context.Context, accountID string) error {
	return c.accountAction(ctx, accountID, "silence")
}

func (c *MastodonClient) FlagAccountMediaSensitive(ctx context.Context, accountID string) error {
	return c.accountAction(ctx, accountID, "sensitive")
}

func (c *MastodonClient) BlockDomain(ctx context.Context, domain string) error {
	body := map[string]any{"domain": domain, "severity": "suspend"}
	return postJSON(ctx, c.http, c.baseURL+"/admin/domain_blocks", bearerHeader(c.token), body, nil)
}

func (c *MastodonClient) FlagServerMediaSensitive(ctx context.Context, domain string) error {
	body := map[string]any{"domain": domain, "severity": "noop", "reject_media": false, "obfuscate": true}
	return postJSON(ctx, c.http, c.baseURL+"/admin/domain_blocks", bearerHeader(c.token), body, nil)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
