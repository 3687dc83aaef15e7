package fediverse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// LemmyClient covers the Lemmy v3 API. The family exposes the narrowest
// moderation surface: report resolution, user bans, and mod notes. Domain
// blocks are server config (not an admin API call) and there is no media
// sensitivity concept, so those capabilities are absent.
type LemmyClient struct {
	domain  string
	token   string
	baseURL string
	http    *http.Client
	caps    capSet
}

func NewLemmyClient(domain, token string, httpClient *http.Client) *LemmyClient {
	return &LemmyClient{
		domain:  domain,
		token:   token,
		baseURL: fmt.Sprintf("https://%s/api/v3", domain),
		http:    defaultHTTPClient(httpClient),
		caps: capSet{
			CapFetchReport:    true,
			CapCloseReport:    true,
			CapPostComment:    true,
			CapGetComments:    true,
			CapFetchAccount:   true,
			CapSuspendAccount: true,
		},
	}
}

func (c *LemmyClient) Domain() string     { return c.domain }
func (c *LemmyClient) Platform() Platform { return PlatformLemmy }

func (c *LemmyClient) Supports(cap Capability) bool { return c.caps.has(cap) }

func (c *LemmyClient) auth() map[string]string {
	return bearerHeader(c.token)
}

func (c *LemmyClient) ValidateConnection(ctx context.Context) error {
	var out struct {
		MyUser *json.RawMessage `json:"my_user"`
	}
	if err := getJSON(ctx, c.http, c.baseURL+"/site", c.auth(), &out); err != nil {
		return err
	}
	if out.MyUser == nil {
		return fmt.Errorf("%w: /site returned no authenticated user", ErrRemoteProtocol)
	}
	return nil
}

// FetchReport scans the post report list for the given id; Lemmy has no
// direct report-by-id endpoint.
func (c *LemmyClient) FetchReport(ctx context.Context, reportID string) (json.RawMessage, error) {
	var out struct {
		PostReports []json.RawMessage `json:"post_reports"`
	}
	if err := getJSON(ctx, c.http, c.baseURL+"/post/report/list?unresolved_only=false", c.auth(), &out); err != nil {
		return nil, err
	}
	for _, raw := range out.PostReports {
		var probe struct {
			PostReport struct {
				ID json.Number `json:"id"`
			} `json:"post_report"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.PostReport.ID.String() == reportID {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: report %s not found in report list", ErrRemoteProtocol, reportID)
}

func (c *LemmyClient) FetchReports(ctx context.Context, filters map[string]string) ([]json.RawMessage, error) {
	return nil, ErrNotSupported
}

func (c *LemmyClient) CloseReport(ctx context.Context, reportID string) error {
	id, err := strconv.Atoi(reportID)
	if err != nil {
		return fmt.Errorf("lemmy report id must be numeric: %q", reportID)
	}
	body := map[string]any{"report_id": id, "resolved": true}
	return postJSON(ctx, c.http, c.baseURL+"/post/report/resolve", c.auth(), body, nil)
}

func (c *LemmyClient) PostModerationComment(ctx context.Context, reportID, text, authorName, authorDomain string) error {
	content := truncateNote(fmt.Sprintf("[%s@%s] %s", authorName, authorDomain, text), lemmyNoteLimit)
	id, err := strconv.Atoi(reportID)
	if err != nil {
		return fmt.Errorf("lemmy report id must be numeric: %q", reportID)
	}
	body := map[string]any{"report_id": id, "content": content}
	return postJSON(ctx, c.http, c.baseURL+"/mod/add_note", c.auth(), body, nil)
}

// Not exposed cleanly by the API; supported-but-empty so pulls are a no-op
// rather than an error.
func (c *LemmyClient) GetModerationComments(ctx context.Context, reportID string) ([]Comment, error) {
	return []Comment{}, nil
}

func (c *LemmyClient) FetchAccount(ctx context.Context, idOrHandle string) (*Account, error) {
	endpoint := c.baseURL + "/user?"
	if isNumeric(idOrHandle) {
		endpoint += "person_id=" + idOrHandle
	} else {
		endpoint += "username=" + url.QueryEscape(idOrHandle)
	}
	var out struct {
		PersonView struct {
			Person struct {
				ID          json.Number `json:"id"`
				Name        string      `json:"name"`
				DisplayName string      `json:"display_name"`
				ActorID     string      `json:"actor_id"`
			} `json:"person"`
		} `json:"person_view"`
	}
	if err := getJSON(ctx, c.http, endpoint, c.auth(), &out); err != nil {
		return nil, err
	}
	p := out.PersonView.Person
	return &Account{
		ID:          p.ID.String(),
		Username:    p.Name,
		Acct:        p.Name + "@" + c.domain,
		DisplayName: p.DisplayName,
		URL:         p.ActorID,
	}, nil
}

func (c *LemmyClient) FetchPosts(ctx context.Context, postIDs []string) ([]json.RawMessage, error) {
	return nil, ErrNotSupported
}

func (c *LemmyClient) SuspendAccount(ctx context.Context, accountID string) error {
	id, err := strconv.Atoi(accountID)
	if err != nil {
		return fmt.Errorf("lemmy person id must be numeric: %q", accountID)
	}
	body := map[string]any{
		"person_id":   id,
		"ban":         true,
		"remove_data": false,
		"reason":      "Abuse report",
	}
	return postJSON(ctx, c.http, c.baseURL+"/user/ban", c.auth(), body, nil)
}

func (c *LemmyClient) BlockDomain(ctx context.Context, domain string) error {
	return ErrNotSupported
}

func (c *LemmyClient) LimitAccount(ctx context.Context, accountID string) error {
	return ErrNotSupported
}

func (c *LemmyClient) FlagAccountMediaSensitive(ctx context.Context, accountID string) error {
	return ErrNotSupported
}

func (c *LemmyClient) FlagServerMediaSensitive(ctx context.Context, domain string) error {
	return ErrNotSupported
}
