package spamubot

import (
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathStatus       = "/status"
	apiPathEnabled      = "/enabled"
	apiPathSolvedCount  = "/solved_count"
	apiPathCustomStatus = "/custom_status"
	apiPathCases        = "/cases"
	apiPathRestart      = "/restart"
	apiPathShutdown     = "/shutdown"
	apiHealthCheck      = "/healthz"

	defaultCasesLimit = 50
)

const (
	xRequestIDHeader = "X-Request-ID"
	csrfHeader       = "X-CSRF-Token"
	sessionName      = "spamubot"
)

var (
	structValidator = validator.New()
)

//go:embed templates/*.html
var templateFS embed.FS

// API serves the dashboard and the JSON API on one HTTP server
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	// passwordHash is the argon2id hash of the dashboard password.
	// Empty disables logins.
	passwordHash string

	handlers *APIHandlers

	// now is used for session idle checks
	now func() time.Time
}

// newAPI sets up the gin engine, session store, routes and HTTP server.
// Nothing is bound until [API.listen].
func newAPI(d *SpamuBot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(newLogHandler(config.LogLevel))

	r := gin.New()

	api := &API{
		config:       config,
		engine:       r,
		passwordHash: config.Password,
		logger:       setupLogger.With(loggerNameKey, "api"),
		now:          time.Now,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(config.LoginRateLimit),
			1,
		),
	}

	apiHandlers := NewAPIHandlers(d, api.logger)
	api.handlers = apiHandlers

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		api.logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}
	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   config.SecureCookie || config.SSL.Enabled(),
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		},
	)
	api.store = store

	var tlsCfg *tls.Config
	if config.SSL.Enabled() {
		cfg, e := loadTLSConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		tlsCfg = cfg
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	tmpl, err := template.New("").ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("error parsing templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
			corsConfig.AllowCredentials = false
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
		sessions.Sessions(sessionName, store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	api.registerDashboard(r, d)

	protected := r.Group(apiPrefix)
	protected.Use(apiTokenMiddleware(config.Token))

	protected.GET(apiPathStatus, apiHandlers.getStatus)
	protected.POST(apiPathStatus, apiHandlers.setUserStatus)
	protected.GET(apiPathEnabled, apiHandlers.getEnabled)
	protected.POST(apiPathEnabled, apiHandlers.setEnabled)
	protected.GET(apiPathSolvedCount, apiHandlers.getSolvedCount)
	protected.POST(apiPathSolvedCount, apiHandlers.setSolvedCount)
	protected.GET(apiPathCustomStatus, apiHandlers.getCustomStatus)
	protected.POST(apiPathCustomStatus, apiHandlers.setCustomStatus)
	protected.GET(apiPathCases, apiHandlers.getSolvedCases)
	protected.POST(apiPathRestart, apiHandlers.restart)
	protected.POST(apiPathShutdown, apiHandlers.shutdown)

	return api, nil
}

// listen binds the configured address, wrapping the listener with TLS
// when SSL is configured. It's a no-op if already listening.
func (a *API) listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(
		ctx,
		"listening",
		"address", ln.Addr().String(),
		"tls", a.httpServer.TLSConfig != nil,
	)
	return nil
}

// Addr returns the bound listener address, or nil if not listening
func (a *API) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

func (a *API) Serve(ctx context.Context) error {
	if err := a.listen(ctx); err != nil {
		return err
	}
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the JSON API handlers
type APIHandlers struct {
	d      *SpamuBot
	logger *slog.Logger
}

func NewAPIHandlers(d *SpamuBot, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{d: d, logger: logger}
}

type statusResponse struct {
	Enabled          bool     `json:"enabled"`
	SolvedCount      int      `json:"solved_count"`
	CustomStatus     string   `json:"custom_status"`
	UserStatus       string   `json:"user_status"`
	Presence         Presence `json:"presence"`
	Username         string   `json:"username"`
	DiscordConnected bool     `json:"discord_connected"`
	Version          string   `json:"version"`
}

type healthCheckResponse struct {
	Enabled          bool    `json:"enabled"`
	DiscordConnected bool    `json:"discord_connected"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

type enabledPayload struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type solvedCountPayload struct {
	SolvedCount *int `json:"solved_count" binding:"required,min=0"`
}

type customStatusPayload struct {
	CustomStatus *string `json:"custom_status" binding:"required,max=100"`
}

type userStatusPayload struct {
	UserStatus *string `json:"user_status" binding:"required,max=100"`
}

type solvedCasesQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

func (h *APIHandlers) status() statusResponse {
	store := h.d.store
	return statusResponse{
		Enabled:          store.Enabled(),
		SolvedCount:      store.SolvedCount(),
		CustomStatus:     store.CustomStatus(),
		UserStatus:       store.UserStatus(),
		Presence:         h.d.Presence(),
		Username:         h.d.discord.Username(),
		DiscordConnected: h.d.discord.connected.Load(),
		Version:          Version,
	}
}

// getStatus returns a snapshot of every setting, the presence as it
// would be pushed, and the discord connection state
func (h *APIHandlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

// setUserStatus sets the user status shown on the first presence line
func (h *APIHandlers) setUserStatus(c *gin.Context) {
	var payload userStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.d.store.SetUserStatus(*payload.UserStatus); err != nil {
		h.replyStoreError(c, err)
		return
	}
	ginContextLogger(c).Info("user status updated", "user_status", *payload.UserStatus)
	h.d.TriggerPresenceUpdate()
	c.JSON(http.StatusOK, h.status())
}

func (h *APIHandlers) getEnabled(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.d.store.Enabled()})
}

func (h *APIHandlers) setEnabled(c *gin.Context) {
	var payload enabledPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.d.store.SetEnabled(*payload.Enabled); err != nil {
		h.replyStoreError(c, err)
		return
	}
	ginContextLogger(c).Warn("bot enabled flag updated", "enabled", *payload.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": h.d.store.Enabled()})
}

func (h *APIHandlers) getSolvedCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"solved_count": h.d.store.SolvedCount()})
}

func (h *APIHandlers) setSolvedCount(c *gin.Context) {
	var payload solvedCountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.d.store.SetSolvedCount(*payload.SolvedCount); err != nil {
		h.replyStoreError(c, err)
		return
	}
	ginContextLogger(c).Info("solved count updated", "solved_count", *payload.SolvedCount)
	h.d.TriggerPresenceUpdate()
	c.JSON(http.StatusOK, gin.H{"solved_count": h.d.store.SolvedCount()})
}

func (h *APIHandlers) getCustomStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"custom_status": h.d.store.CustomStatus()})
}

func (h *APIHandlers) setCustomStatus(c *gin.Context) {
	var payload customStatusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := h.d.store.SetCustomStatus(*payload.CustomStatus); err != nil {
		h.replyStoreError(c, err)
		return
	}
	ginContextLogger(c).Info("custom status updated", "custom_status", *payload.CustomStatus)
	h.d.TriggerPresenceUpdate()
	c.JSON(http.StatusOK, gin.H{"custom_status": h.d.store.CustomStatus()})
}

// getSolvedCases returns the most recent solved cases, newest first
func (h *APIHandlers) getSolvedCases(c *gin.Context) {
	var query solvedCasesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultCasesLimit
	}
	cases, err := h.d.RecentSolvedCases(c.Request.Context(), query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting solved cases",
			tint.Err(err),
		)
		ginReplyError(c, "error getting solved cases")
		return
	}
	c.JSON(http.StatusOK, cases)
}

func (h *APIHandlers) restart(c *gin.Context) {
	ginContextLogger(c).Warn("restart requested via API")
	ginReplyMessage(c, "restarting")
	h.d.RequestRestart()
}

func (h *APIHandlers) shutdown(c *gin.Context) {
	ginContextLogger(c).Warn("shutdown requested via API")
	ginReplyMessage(c, "shutting down")
	h.d.RequestShutdown()
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	uptime := h.d.uptime()
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Enabled:          h.d.store.Enabled(),
			DiscordConnected: h.d.discord.connected.Load(),
			Uptime:           uptime.Round(time.Second).String(),
			UptimeSeconds:    uptime.Seconds(),
		},
	)
}

// replyStoreError maps validation errors from the store to a 400,
// anything else to a 500
func (h *APIHandlers) replyStoreError(c *gin.Context, err error) {
	if errors.Is(err, ErrNegativeCount) || errors.Is(err, ErrStatusTooLong) {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ginContextLogger(c).Error("error writing setting", tint.Err(err))
	ginReplyError(c, "error saving setting")
}

// apiTokenMiddleware requires `Authorization: Bearer <token>` when a
// token is configured, and passes everything through otherwise
func apiTokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		bearer, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !constantTimeEqual(strings.TrimSpace(bearer), token) {
			ginContextLogger(c).Warn("invalid or missing API token")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// sets it as the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default().With(loggerNameKey, "api")
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with
// its duration and response status
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
