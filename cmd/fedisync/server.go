package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"

	"github.com/fedisync/fedisync/fediverse"
	"github.com/fedisync/fedisync/ingest"
	"github.com/fedisync/fedisync/models"
	"github.com/fedisync/fedisync/modsync"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

// authHandshakeTimeout bounds how long a started authorization stays
// redeemable; abandoned handshakes are pruned past it.
const authHandshakeTimeout = 15 * time.Minute

// pendingAuth is one in-flight authorization handshake, keyed by the OAuth
// state (Mastodon) or MiAuth session id (Misskey).
type pendingAuth struct {
	Domain       string
	Platform     fediverse.Platform
	ClientID     string
	ClientSecret string
	Session      string
	Started      time.Time
}

type Server struct {
	echo   *echo.Echo
	logger *slog.Logger

	instances *store.InstanceStore
	audit     *store.AuditLog
	cases     ticket.CaseStore
	ingestor  *ingest.Ingestor
	syncer    *modsync.Syncer
	prober    *fediverse.Prober
	oauth     *fediverse.OAuthFlow

	webhookSecret string
	localDomain   string

	mu      sync.Mutex
	pending map[string]pendingAuth
}

type ServerConfig struct {
	Logger        *slog.Logger
	WebhookSecret string
	CallbackURL   string
	// LocalDomain names this deployment in notes mirrored to remote
	// reports. Falls back to the callback URL's host.
	LocalDomain string
}

func NewServer(instances *store.InstanceStore, audit *store.AuditLog, cases ticket.CaseStore, ingestor *ingest.Ingestor, syncer *modsync.Syncer, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("system", "server")
	}
	localDomain := config.LocalDomain
	if localDomain == "" {
		if u, err := url.Parse(config.CallbackURL); err == nil {
			localDomain = u.Hostname()
		}
	}
	return &Server{
		logger:        logger,
		instances:     instances,
		audit:         audit,
		cases:         cases,
		ingestor:      ingestor,
		syncer:        syncer,
		prober:        fediverse.NewProber(nil),
		oauth:         fediverse.NewOAuthFlow(config.CallbackURL, nil),
		webhookSecret: config.WebhookSecret,
		localDomain:   localDomain,
		pending:       make(map[string]pendingAuth),
	}
}

func (s *Server) Start(address string) error {
	return s.router().Start(address)
}

func (s *Server) router() *echo.Echo {
	if s.echo != nil {
		return s.echo
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = s.errorHandler

	e.POST("/webhook/report", s.handleWebhookReport)
	e.GET("/oauth/callback", s.handleOAuthCallback)

	e.GET("/admin/instances", s.handleListInstances)
	e.POST("/admin/instances", s.handleAddInstance)
	e.POST("/admin/instances/:domain/auth", s.handleStartAuth)
	e.POST("/admin/instances/:domain/verify", s.handleVerifyInstance)
	e.POST("/admin/instances/:domain/enable", s.handleSetEnabled(true))
	e.POST("/admin/instances/:domain/disable", s.handleSetEnabled(false))
	e.DELETE("/admin/instances/:domain", s.handleDeleteInstance)

	e.PUT("/admin/cases/:id/fields", s.handleSetCaseFields)
	e.POST("/admin/cases/:id/close", s.handleCloseCase)
	e.POST("/admin/cases/:id/notes", s.handleCaseNote)
	e.GET("/admin/cases/:id/log", s.handleCaseLog)

	e.GET("/_health", s.handleHealth)

	s.echo = e
	return e
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
	}
	if code >= 500 {
		s.logger.Error("request failed", "path", c.Path(), "err", err)
	}
	if !c.Response().Committed {
		c.JSON(code, map[string]string{"error": http.StatusText(code)})
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// checkWebhookSecret accepts the shared secret as either a bearer token or
// the X-Webhook-Token header. Comparison is constant-time.
func (s *Server) checkWebhookSecret(c echo.Context) bool {
	if s.webhookSecret == "" {
		return true
	}
	presented := c.Request().Header.Get("X-Webhook-Token")
	if presented == "" {
		auth := c.Request().Header.Get(echo.HeaderAuthorization)
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			presented = auth[len(prefix):]
		}
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.webhookSecret)) == 1
}

func (s *Server) handleWebhookReport(c echo.Context) error {
	reportsReceived.Inc()
	if !s.checkWebhookSecret(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook secret"})
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	sourceDomain := c.Request().Header.Get("X-Fediverse-Domain")
	if sourceDomain == "" {
		// some senders carry the source inside the payload instead
		var envelope struct {
			Instance string `json:"instance"`
		}
		json.Unmarshal(raw, &envelope)
		sourceDomain = envelope.Instance
	}
	if sourceDomain == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing source domain"})
	}

	result, err := s.ingestor.Process(c.Request().Context(), json.RawMessage(raw), sourceDomain)
	if err != nil {
		if errors.Is(err, fediverse.ErrUnrecognizedPayload) {
			reportsFailed.Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unrecognized report payload"})
		}
		reportsFailed.Inc()
		return err
	}
	if result.Duplicate {
		reportsDuplicate.Inc()
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}

	reportsIngested.Inc()
	return c.JSON(http.StatusCreated, map[string]any{
		"status":   "created",
		"ticketId": result.Case.ID,
	})
}

type addInstanceRequest struct {
	Domain     string `json:"domain"`
	Platform   string `json:"platform,omitempty"`
	Credential string `json:"credential,omitempty"`
	// Lemmy admin login; exchanged for a JWT server-side, never stored.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleListInstances(c echo.Context) error {
	instances, err := s.instances.List(c.Request().Context())
	if err != nil {
		return err
	}
	type instanceView struct {
		Domain          string     `json:"domain"`
		Platform        string     `json:"platform"`
		SoftwareVersion string     `json:"softwareVersion,omitempty"`
		Enabled         bool       `json:"enabled"`
		LastPolled      *time.Time `json:"lastPolled,omitempty"`
		AuthorizedBy    string     `json:"authorizedBy,omitempty"`
		AuthorizedRole  string     `json:"authorizedRole,omitempty"`
	}
	out := make([]instanceView, len(instances))
	for i, inst := range instances {
		out[i] = instanceView{
			Domain:          inst.Domain,
			Platform:        inst.Platform,
			SoftwareVersion: inst.SoftwareVersion,
			Enabled:         inst.Enabled,
			LastPolled:      inst.LastPolled,
			AuthorizedBy:    inst.AuthorizedBy,
			AuthorizedRole:  inst.AuthorizedRole,
		}
	}
	return c.JSON(http.StatusOK, out)
}

// handleAddInstance registers an instance with an explicit credential
// (manual token, or Lemmy username/password). OAuth-capable platforms can
// use the auth handshake instead.
func (s *Server) handleAddInstance(c echo.Context) error {
	var req addInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "domain is required")
	}
	ctx := c.Request().Context()

	platform, probed, err := s.resolvePlatform(ctx, req.Domain, req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	credential := req.Credential
	if credential == "" && platform == fediverse.PlatformLemmy {
		if req.Username == "" || req.Password == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "lemmy instances require username and password")
		}
		credential, err = s.oauth.LoginLemmy(ctx, req.Domain, req.Username, req.Password)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "lemmy login failed")
		}
	}
	if credential == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential is required")
	}

	admin, err := s.oauth.VerifyAdminToken(ctx, req.Domain, platform, credential)
	if err != nil {
		if errors.Is(err, fediverse.ErrInsufficientPrivilege) {
			return echo.NewHTTPError(http.StatusForbidden, "credential lacks moderator privileges")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "credential verification failed")
	}

	now := time.Now()
	inst := models.Instance{
		Domain:         req.Domain,
		Platform:       string(platform),
		Credential:     credential,
		Enabled:        true,
		AuthorizedBy:   admin.Username,
		AuthorizedRole: admin.Role,
		AuthorizedAt:   &now,
	}
	if probed != nil {
		inst.SoftwareVersion = probed.Version
	}
	if err := s.instances.Save(ctx, &inst); err != nil {
		return err
	}
	s.logger.Info("instance registered", "instance", inst)
	return c.JSON(http.StatusCreated, map[string]string{
		"domain":   inst.Domain,
		"platform": inst.Platform,
	})
}

func (s *Server) resolvePlatform(ctx context.Context, domain, declared string) (fediverse.Platform, *fediverse.ProbeResult, error) {
	if declared != "" {
		platform, err := fediverse.ParsePlatform(declared)
		if err != nil {
			return "", nil, err
		}
		return platform, nil, nil
	}
	probed, err := s.prober.Probe(ctx, domain)
	if err != nil {
		return "", nil, fmt.Errorf("platform detection failed for %s: %w", domain, err)
	}
	return probed.Platform, probed, nil
}

// handleStartAuth begins the OAuth (Mastodon) or MiAuth (Misskey) handshake
// and returns the URL the operator must visit.
func (s *Server) handleStartAuth(c echo.Context) error {
	domain := c.Param("domain")
	ctx := c.Request().Context()

	platform, _, err := s.resolvePlatform(ctx, domain, c.QueryParam("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	reg, err := s.oauth.RegisterApp(ctx, domain, platform)
	if err != nil {
		if errors.Is(err, fediverse.ErrNotSupported) {
			return echo.NewHTTPError(http.StatusBadRequest, "platform does not support authorization handshake; supply credentials directly")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "app registration failed")
	}

	state := reg.SessionToken
	authURL := reg.AuthURL
	if state == "" {
		state = uuid.New().String()
		authURL += "&state=" + state
	}

	s.prunePending(time.Now())
	s.mu.Lock()
	s.pending[state] = pendingAuth{
		Domain:       domain,
		Platform:     platform,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Session:      reg.SessionToken,
		Started:      time.Now(),
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{"authUrl": authURL})
}

// handleOAuthCallback completes the handshake: exchanges the code or MiAuth
// session for a token, verifies moderator privileges, and persists the
// instance enabled.
func (s *Server) handleOAuthCallback(c echo.Context) error {
	state := c.QueryParam("state")
	if state == "" {
		state = c.QueryParam("session")
	}
	if state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing state")
	}

	s.mu.Lock()
	auth, ok := s.pending[state]
	if ok {
		delete(s.pending, state)
	}
	s.mu.Unlock()
	if !ok || time.Since(auth.Started) > authHandshakeTimeout {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired authorization attempt")
	}

	ctx := c.Request().Context()
	code := c.QueryParam("code")
	if auth.Platform == fediverse.PlatformMisskey {
		code = auth.Session
	}

	token, err := s.oauth.ExchangeToken(ctx, auth.Domain, auth.Platform, code, auth.ClientID, auth.ClientSecret)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "token exchange failed")
	}

	admin, err := s.oauth.VerifyAdminToken(ctx, auth.Domain, auth.Platform, token)
	if err != nil {
		if errors.Is(err, fediverse.ErrInsufficientPrivilege) {
			return echo.NewHTTPError(http.StatusForbidden, "authorizing account lacks moderator privileges")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "credential verification failed")
	}

	now := time.Now()
	inst := models.Instance{
		Domain:         auth.Domain,
		Platform:       string(auth.Platform),
		Credential:     token,
		Enabled:        true,
		AuthorizedBy:   admin.Username,
		AuthorizedRole: admin.Role,
		AuthorizedAt:   &now,
	}
	if probed, err := s.prober.Probe(ctx, auth.Domain); err == nil {
		inst.SoftwareVersion = probed.Version
	}
	if err := s.instances.Save(ctx, &inst); err != nil {
		return err
	}
	s.logger.Info("instance authorized", "instance", inst, "authorizedBy", admin.Username)
	return c.JSON(http.StatusOK, map[string]string{
		"domain":   inst.Domain,
		"platform": inst.Platform,
		"status":   "authorized",
	})
}

// prunePending drops handshakes past the timeout so abandoned authorization
// attempts do not accumulate for the process lifetime.
func (s *Server) prunePending(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, auth := range s.pending {
		if now.Sub(auth.Started) > authHandshakeTimeout {
			delete(s.pending, state)
		}
	}
}

// handleVerifyInstance re-checks that the stored credential still works.
func (s *Server) handleVerifyInstance(c echo.Context) error {
	ctx := c.Request().Context()
	inst, err := s.instances.GetByDomain(ctx, c.Param("domain"))
	if errors.Is(err, store.ErrInstanceNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	}
	if err != nil {
		return err
	}

	platform, err := fediverse.ParsePlatform(inst.Platform)
	if err != nil {
		return err
	}
	client, err := fediverse.NewClient(inst.Domain, inst.Credential, platform, nil)
	if err != nil {
		return err
	}
	if err := client.ValidateConnection(ctx); err != nil {
		return c.JSON(http.StatusOK, map[string]any{"domain": inst.Domain, "ok": false})
	}
	return c.JSON(http.StatusOK, map[string]any{"domain": inst.Domain, "ok": true})
}

func (s *Server) handleSetEnabled(enabled bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := s.instances.SetEnabled(c.Request().Context(), c.Param("domain"), enabled)
		if errors.Is(err, store.ErrInstanceNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "instance not found")
		}
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"domain": c.Param("domain"), "enabled": enabled})
	}
}

func (s *Server) handleDeleteInstance(c echo.Context) error {
	err := s.instances.Delete(c.Request().Context(), c.Param("domain"))
	if errors.Is(err, store.ErrInstanceNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleSetCaseFields sets custom fields on a case, including the
// close-time action flags.
func (s *Server) handleSetCaseFields(c echo.Context) error {
	caseID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	var fields map[string]string
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	for name, value := range fields {
		if err := s.cases.SetField(ctx, caseID, name, value); err != nil {
			if errors.Is(err, ticket.ErrCaseNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "case not found")
			}
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"caseId": caseID})
}

// handleCloseCase is the host system's case-closed event: close the case
// locally, then apply remote moderation.
func (s *Server) handleCloseCase(c echo.Context) error {
	caseID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	ctx := c.Request().Context()

	if err := s.cases.Close(ctx, caseID); err != nil {
		if errors.Is(err, ticket.ErrCaseNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "case not found")
		}
		return err
	}

	if err := s.syncer.ApplyModerationOnClose(ctx, caseID); err != nil {
		caseClosesProcessed.WithLabelValues("failure").Inc()
		return err
	}
	caseClosesProcessed.WithLabelValues("success").Inc()
	return c.JSON(http.StatusOK, map[string]any{"caseId": caseID, "status": "closed"})
}

type caseNoteRequest struct {
	Author   string `json:"author"`
	Body     string `json:"body"`
	Internal bool   `json:"internal"`
}

// handleCaseNote is the host system's note-created event. Internal notes
// are mirrored to the remote report when the platform supports it.
func (s *Server) handleCaseNote(c echo.Context) error {
	caseID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	var req caseNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Body == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "note body is required")
	}
	ctx := c.Request().Context()

	note, err := s.cases.AppendNote(ctx, ticket.NoteParams{
		CaseID:   caseID,
		Author:   req.Author,
		Body:     req.Body,
		Internal: req.Internal,
	})
	if err != nil {
		if errors.Is(err, ticket.ErrCaseNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "case not found")
		}
		return err
	}

	if req.Internal {
		s.syncer.PushNote(ctx, caseID, req.Body, req.Author, s.localDomain)
	}
	return c.JSON(http.StatusCreated, map[string]any{"noteId": note.ID})
}

func (s *Server) handleCaseLog(c echo.Context) error {
	caseID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
	}
	entries, err := s.audit.ListForCase(c.Request().Context(), caseID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entries)
}
