package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fedisync/fedisync/fediverse"
)

// reportedPost is one post attached to a report, for inclusion in the case
// body.
type reportedPost struct {
	ID        string
	CreatedAt string
	Content   string
	Author    string
}

// normalizedReport is the canonical view of a report payload, independent of
// which wire shape delivered it.
type normalizedReport struct {
	RemoteReportID string
	ReporterHandle string
	ReporterName   string
	TargetHandle   string
	TargetRemoteID string
	TargetName     string
	TargetURL      string
	Comment        string
	Category       string
	CreatedAt      *time.Time
	PostIDs        []string
	Posts          []reportedPost
}

func normalize(platform fediverse.Platform, raw json.RawMessage, sourceDomain string) (*normalizedReport, error) {
	switch platform {
	case fediverse.PlatformMastodon:
		return normalizeMastodon(raw)
	case fediverse.PlatformMisskey:
		return normalizeMisskey(raw)
	case fediverse.PlatformLemmy:
		return normalizeLemmy(raw, sourceDomain)
	}
	return nil, fediverse.ErrUnrecognizedPayload
}

func parseRemoteTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

type mastodonAccount struct {
	ID          json.Number `json:"id"`
	Acct        string      `json:"acct"`
	Username    string      `json:"username"`
	DisplayName string      `json:"display_name"`
	URL         string      `json:"url"`
}

type mastodonStatus struct {
	ID        json.Number      `json:"id"`
	CreatedAt string           `json:"created_at"`
	Content   string           `json:"content"`
	Account   *mastodonAccount `json:"account"`
}

type mastodonReport struct {
	ID            json.Number      `json:"id"`
	Account       *mastodonAccount `json:"account"`
	TargetAccount *mastodonAccount `json:"target_account"`
	Comment       string           `json:"comment"`
	Category      string           `json:"category"`
	CreatedAt     string           `json:"created_at"`
	StatusIDs     []json.Number    `json:"status_ids"`
	Statuses      []mastodonStatus `json:"statuses"`
}

func normalizeMastodon(raw json.RawMessage) (*normalizedReport, error) {
	// unwrap {"report": {...}} deliveries
	var wrapper struct {
		Report json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Report) > 0 {
		raw = wrapper.Report
	}

	var r mastodonReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", fediverse.ErrUnrecognizedPayload, err)
	}
	if r.ID.String() == "" {
		return nil, fmt.Errorf("%w: report has no id", fediverse.ErrUnrecognizedPayload)
	}

	n := normalizedReport{
		RemoteReportID: r.ID.String(),
		Comment:        r.Comment,
		Category:       strings.ToLower(r.Category),
		CreatedAt:      parseRemoteTime(r.CreatedAt),
	}
	if r.Account != nil {
		n.ReporterHandle = r.Account.Acct
		n.ReporterName = firstNonEmpty(r.Account.DisplayName, r.Account.Username)
	}
	if r.TargetAccount != nil {
		n.TargetHandle = r.TargetAccount.Acct
		n.TargetRemoteID = r.TargetAccount.ID.String()
		n.TargetName = firstNonEmpty(r.TargetAccount.DisplayName, r.TargetAccount.Username)
		n.TargetURL = r.TargetAccount.URL
	}
	for _, id := range r.StatusIDs {
		n.PostIDs = append(n.PostIDs, id.String())
	}
	for _, st := range r.Statuses {
		post := reportedPost{
			ID:        st.ID.String(),
			CreatedAt: st.CreatedAt,
			Content:   st.Content,
		}
		if st.Account != nil {
			post.Author = st.Account.Acct
		}
		if post.ID != "" && !containsString(n.PostIDs, post.ID) {
			n.PostIDs = append(n.PostIDs, post.ID)
		}
		n.Posts = append(n.Posts, post)
	}
	return &n, nil
}

type misskeyUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Host     string `json:"host"`
}

func (u *misskeyUser) acct(fallbackHost string) string {
	if u == nil || u.Username == "" {
		return ""
	}
	host := u.Host
	if host == "" {
		host = fallbackHost
	}
	if host == "" {
		return u.Username
	}
	return u.Username + "@" + host
}

type misskeyReport struct {
	ID           string       `json:"id"`
	CreatedAt    string       `json:"createdAt"`
	Comment      string       `json:"comment"`
	Category     string       `json:"category"`
	ReporterID   string       `json:"reporterId"`
	TargetUserID string       `json:"targetUserId"`
	UserID       string       `json:"userId"`
	Reporter     *misskeyUser `json:"reporter"`
	TargetUser   *misskeyUser `json:"targetUser"`
}

func normalizeMisskey(raw json.RawMessage) (*normalizedReport, error) {
	var r misskeyReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", fediverse.ErrUnrecognizedPayload, err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("%w: report has no id", fediverse.ErrUnrecognizedPayload)
	}

	targetID := r.TargetUserID
	if targetID == "" && r.TargetUser != nil {
		targetID = r.TargetUser.ID
	}
	if targetID == "" {
		targetID = r.UserID
	}

	n := normalizedReport{
		RemoteReportID: r.ID,
		Comment:        r.Comment,
		Category:       strings.ToLower(r.Category),
		CreatedAt:      parseRemoteTime(r.CreatedAt),
		TargetRemoteID: targetID,
		TargetHandle:   r.TargetUser.acct(""),
		ReporterHandle: r.Reporter.acct(""),
	}
	if r.Reporter != nil {
		n.ReporterName = firstNonEmpty(r.Reporter.Name, r.Reporter.Username)
	}
	if r.TargetUser != nil {
		n.TargetName = firstNonEmpty(r.TargetUser.Name, r.TargetUser.Username)
	}
	return &n, nil
}

type lemmyReport struct {
	ID        json.Number `json:"id"`
	Reason    string      `json:"reason"`
	Published string      `json:"published"`
	Creator   *struct {
		ID      json.Number `json:"id"`
		Name    string      `json:"name"`
		ActorID string      `json:"actor_id"`
	} `json:"creator"`
	Post *struct {
		ID        json.Number `json:"id"`
		Name      string      `json:"name"`
		Body      string      `json:"body"`
		Published string      `json:"published"`
	} `json:"post"`
}

// The Lemmy shape has no native "user@domain" acct string; one is
// synthesized from the creator's local username and the reporting server's
// domain.
func normalizeLemmy(raw json.RawMessage, sourceDomain string) (*normalizedReport, error) {
	var r lemmyReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", fediverse.ErrUnrecognizedPayload, err)
	}
	if r.ID.String() == "" || r.Creator == nil {
		return nil, fmt.Errorf("%w: report has no id or creator", fediverse.ErrUnrecognizedPayload)
	}

	acct := r.Creator.Name + "@" + sourceDomain
	n := normalizedReport{
		RemoteReportID: r.ID.String(),
		Comment:        r.Reason,
		Category:       "report",
		CreatedAt:      parseRemoteTime(r.Published),
		TargetHandle:   acct,
		TargetRemoteID: r.Creator.ID.String(),
		TargetName:     r.Creator.Name,
		TargetURL:      r.Creator.ActorID,
	}
	if r.Post != nil {
		content := r.Post.Body
		if content == "" {
			content = r.Post.Name
		}
		n.Posts = append(n.Posts, reportedPost{
			ID:        r.Post.ID.String(),
			CreatedAt: r.Post.Published,
			Content:   content,
			Author:    acct,
		})
		if id := r.Post.ID.String(); id != "" {
			n.PostIDs = append(n.PostIDs, id)
		}
	}
	return &n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
