package fediverse

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fedisync/fedisync/util"
)

const (
	oauthAppName    = "Fedisync Moderation"
	mastodonScopes  = "admin:read admin:write"
	misskeyPermRead = "read:admin:abuse-user-reports"
	misskeyPermWrit = "write:admin:abuse-user-reports"
)

// AppRegistration is the outcome of registering a moderation app with a
// remote server. SessionToken is only set for the MiAuth (Misskey) flow,
// which has no authorization-code redirect; the caller holds it and submits
// it back in place of a code.
type AppRegistration struct {
	AuthURL      string `json:"authUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// AdminAccount describes the verified remote account behind a credential.
type AdminAccount struct {
	AccountID   string `json:"accountId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// OAuthFlow performs app registration, token exchange, and admin-role
// verification against remote servers. One instance handles all families;
// per-attempt state (client id/secret, session token) is the caller's to
// hold between steps.
type OAuthFlow struct {
	CallbackURL string
	http        *http.Client
}

func NewOAuthFlow(callbackURL string, httpClient *http.Client) *OAuthFlow {
	if httpClient == nil {
		// token exchanges get a longer deadline than general API calls
		httpClient = util.RobustHTTPClient()
		httpClient.Timeout = 30 * time.Second
	}
	return &OAuthFlow{
		CallbackURL: callbackURL,
		http:        httpClient,
	}
}

// RegisterApp registers a moderation application and returns the URL the
// human operator must visit to authorize it.
func (f *OAuthFlow) RegisterApp(ctx context.Context, domain string, platform Platform) (*AppRegistration, error) {
	switch platform {
	case PlatformMastodon:
		return f.registerMastodonApp(ctx, domain)
	case PlatformMisskey:
		return f.registerMisskeyApp(ctx, domain)
	case PlatformLemmy:
		// Lemmy has no OAuth app registration; credentials come from
		// password login (see LoginLemmy).
		return nil, ErrNotSupported
	}
	return nil, fmt.Errorf("unsupported platform for OAuth: %s", platform)
}

func (f *OAuthFlow) registerMastodonApp(ctx context.Context, domain string) (*AppRegistration, error) {
	var out struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	body := map[string]string{
		"client_name":   oauthAppName,
		"redirect_uris": f.CallbackURL,
		"scopes":        mastodonScopes,
	}
	endpoint := fmt.Sprintf("https://%s/api/v1/apps", domain)
	if err := postJSON(ctx, f.http, endpoint, nil, body, &out); err != nil {
		return nil, err
	}
	if out.ClientID == "" || out.ClientSecret == "" {
		return nil, fmt.Errorf("%w: app registration with %s returned no credentials", ErrRemoteProtocol, domain)
	}

	q := url.Values{}
	q.Set("client_id", out.ClientID)
	q.Set("scope", mastodonScopes)
	q.Set("redirect_uri", f.CallbackURL)
	q.Set("response_type", "code")
	authURL := fmt.Sprintf("https://%s/oauth/authorize?%s", domain, q.Encode())

	return &AppRegistration{
		AuthURL:      authURL,
		ClientID:     out.ClientID,
		ClientSecret: out.ClientSecret,
	}, nil
}

// Misskey's MiAuth flow: generate a session token locally, send the operator
// to /miauth/<session>, then later resolve the session for the access token.
func (f *OAuthFlow) registerMisskeyApp(ctx context.Context, domain string) (*AppRegistration, error) {
	session := uuid.New().String()

	q := url.Values{}
	q.Set("name", oauthAppName)
	q.Set("callback", f.CallbackURL)
	q.Set("permission", misskeyPermRead+","+misskeyPermWrit)
	authURL := fmt.Sprintf("https://%s/miauth/%s?%s", domain, session, q.Encode())

	return &AppRegistration{
		AuthURL:      authURL,
		SessionToken: session,
	}, nil
}

// ExchangeToken exchanges the authorization code (Mastodon) or resolves the
// session token (Misskey, passed as code) for a durable access credential.
func (f *OAuthFlow) ExchangeToken(ctx context.Context, domain string, platform Platform, code, clientID, clientSecret string) (string, error) {
	switch platform {
	case PlatformMastodon:
		return f.exchangeMastodonToken(ctx, domain, code, clientID, clientSecret)
	case PlatformMisskey:
		return f.exchangeMisskeySession(ctx, domain, code)
	case PlatformLemmy:
		return "", ErrNotSupported
	}
	return "", fmt.Errorf("unsupported platform for token exchange: %s", platform)
}

func (f *OAuthFlow) exchangeMastodonToken(ctx context.Context, domain, code, clientID, clientSecret string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{
		"client_id":     clientID,
		"client_secret": clientSecret,
		"redirect_uri":  f.CallbackURL,
		"grant_type":    "authorization_code",
		"code":          code,
		"scope":         mastodonScopes,
	}
	endpoint := fmt.Sprintf("https://%s/oauth/token", domain)
	if err := postJSON(ctx, f.http, endpoint, nil, body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange with %s returned no access token", ErrRemoteProtocol, domain)
	}
	return out.AccessToken, nil
}

func (f *OAuthFlow) exchangeMisskeySession(ctx context.Context, domain, session string) (string, error) {
	var out struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	endpoint := fmt.Sprintf("https://%s/api/miauth/%s/check", domain, url.PathEscape(session))
	if err := postJSON(ctx, f.http, endpoint, nil, map[string]any{}, &out); err != nil {
		return "", err
	}
	if !out.OK || out.Token == "" {
		return "", fmt.Errorf("%w: MiAuth session not confirmed by %s", ErrRemoteProtocol, domain)
	}
	return out.Token, nil
}

// LoginLemmy obtains a JWT via password login, the family's substitute for
// an OAuth exchange.
func (f *OAuthFlow) LoginLemmy(ctx context.Context, domain, username, password string) (string, error) {
	var out struct {
		JWT string `json:"jwt"`
	}
	body := map[string]string{
		"username_or_email": username,
		"password":          password,
	}
	endpoint := fmt.Sprintf("https://%s/api/v3/user/login", domain)
	if err := postJSON(ctx, f.http, endpoint, nil, body, &out); err != nil {
		return "", err
	}
	if out.JWT == "" {
		return "", fmt.Errorf("%w: login to %s returned no token", ErrRemoteProtocol, domain)
	}
	return out.JWT, nil
}

// VerifyAdminToken confirms the credential belongs to an admin or moderator
// account. This is the hard gate before an instance credential may be
// persisted: a valid but unprivileged token fails with
// ErrInsufficientPrivilege.
func (f *OAuthFlow) VerifyAdminToken(ctx context.Context, domain string, platform Platform, token string) (*AdminAccount, error) {
	switch platform {
	case PlatformMastodon:
		return f.verifyMastodonAdmin(ctx, domain, token)
	case PlatformMisskey:
		return f.verifyMisskeyAdmin(ctx, domain, token)
	case PlatformLemmy:
		return f.verifyLemmyAdmin(ctx, domain, token)
	}
	return nil, fmt.Errorf("unsupported platform for verification: %s", platform)
}

func (f *OAuthFlow) verifyMastodonAdmin(ctx context.Context, domain, token string) (*AdminAccount, error) {
	var out struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Role        *struct {
			Name string `json:"name"`
		} `json:"role"`
	}
	endpoint := fmt.Sprintf("https://%s/api/v1/accounts/verify_credentials", domain)
	if err := getJSON(ctx, f.http, endpoint, bearerHeader(token), &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: could not verify credentials with %s", ErrRemoteProtocol, domain)
	}

	role := ""
	if out.Role != nil {
		role = strings.ToLower(out.Role.Name)
	}
	if role != "admin" && role != "moderator" {
		return nil, fmt.Errorf("%w: role is %q", ErrInsufficientPrivilege, role)
	}

	return &AdminAccount{
		AccountID:   out.ID,
		Username:    out.Username,
		DisplayName: out.DisplayName,
		Role:        role,
	}, nil
}

func (f *OAuthFlow) verifyMisskeyAdmin(ctx context.Context, domain, token string) (*AdminAccount, error) {
	var out struct {
		ID          string `json:"id"`
		Username    string `json:"username"`
		Name        string `json:"name"`
		IsAdmin     bool   `json:"isAdmin"`
		IsModerator bool   `json:"isModerator"`
	}
	endpoint := fmt.Sprintf("https://%s/api/i", domain)
	if err := postJSON(ctx, f.http, endpoint, nil, map[string]string{"i": token}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%w: could not verify credentials with %s", ErrRemoteProtocol, domain)
	}
	if !out.IsAdmin && !out.IsModerator {
		return nil, fmt.Errorf("%w: account is neither admin nor moderator", ErrInsufficientPrivilege)
	}

	role := "moderator"
	if out.IsAdmin {
		role = "admin"
	}
	return &AdminAccount{
		AccountID:   out.ID,
		Username:    out.Username,
		DisplayName: out.Name,
		Role:        role,
	}, nil
}

func (f *OAuthFlow) verifyLemmyAdmin(ctx context.Context, domain, token string) (*AdminAccount, error) {
	var out struct {
		MyUser *struct {
			LocalUserView struct {
				LocalUser struct {
					Admin bool `json:"admin"`
				} `json:"local_user"`
				Person struct {
					ID          int64  `json:"id"`
					Name        string `json:"name"`
					DisplayName string `json:"display_name"`
				} `json:"person"`
			} `json:"local_user_view"`
			Moderates []struct{} `json:"moderates"`
		} `json:"my_user"`
	}
	endpoint := fmt.Sprintf("https://%s/api/v3/site", domain)
	if err := getJSON(ctx, f.http, endpoint, bearerHeader(token), &out); err != nil {
		return nil, err
	}
	if out.MyUser == nil {
		return nil, fmt.Errorf("%w: could not verify credentials with %s", ErrRemoteProtocol, domain)
	}
	view := out.MyUser.LocalUserView
	if !view.LocalUser.Admin && len(out.MyUser.Moderates) == 0 {
		return nil, fmt.Errorf("%w: account is neither admin nor moderator", ErrInsufficientPrivilege)
	}

	role := "moderator"
	if view.LocalUser.Admin {
		role = "admin"
	}
	return &AdminAccount{
		AccountID:   fmt.Sprintf("%d", view.Person.ID),
		Username:    view.Person.Name,
		DisplayName: view.Person.DisplayName,
		Role:        role,
	}, nil
}
