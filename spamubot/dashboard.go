package spamubot

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"time"
)

const (
	dashboardTitle = "SpamuBot Control Panel"

	sessionKeyLoggedIn     = "logged_in"
	sessionKeyCSRF         = "csrf_token"
	sessionKeyLastActivity = "last_activity"
	sessionKeyFlash        = "flash"
	sessionKeyFlashError   = "flash_error"

	csrfFormField = "csrf_token"

	dashboardRecentCases = 10
)

const (
	dashboardPathEnable   = "/enable_bot"
	dashboardPathDisable  = "/disable_bot"
	dashboardPathReset    = "/reset_counter"
	dashboardPathSet      = "/set_counter"
	dashboardPathStatus   = "/edit_status"
	dashboardPathRestart  = "/restart"
	dashboardPathShutdown = "/shutdown"
	dashboardPathLogout   = "/logout"
)

// panelView is the data rendered by panel.html. When LoggedIn is false,
// only the login form is shown.
type panelView struct {
	Title        string
	CSRFToken    string
	LoggedIn     bool
	Flash        string
	FlashError   string
	Enabled      bool
	SolvedCount  int
	CustomStatus string
	UserStatus   string
	Presence     Presence
	Username     string
	Connected    bool
	Version      string
	MaxStatusLen int
	Cases        []SolvedCase
}

type noticeView struct {
	Title   string
	Message string
}

type setCounterForm struct {
	Count *int `form:"count" binding:"required,min=0"`
}

type editStatusForm struct {
	CustomStatus *string `form:"custom_status" binding:"omitempty,max=100"`
	UserStatus   *string `form:"user_status" binding:"omitempty,max=100"`
}

type dashboardHandlers struct {
	d      *SpamuBot
	api    *API
	logger *slog.Logger
}

func (a *API) registerDashboard(r *gin.Engine, d *SpamuBot) {
	h := &dashboardHandlers{
		d:      d,
		api:    a,
		logger: a.logger.With(loggerNameKey, "dashboard"),
	}

	r.GET("/", h.index)
	r.POST("/", csrfMiddleware(), h.login)

	panel := r.Group("/", csrfMiddleware(), a.dashboardAuthMiddleware())
	panel.POST(dashboardPathEnable, h.enableBot)
	panel.POST(dashboardPathDisable, h.disableBot)
	panel.POST(dashboardPathReset, h.resetCounter)
	panel.POST(dashboardPathSet, h.setCounter)
	panel.POST(dashboardPathStatus, h.editStatus)
	panel.POST(dashboardPathRestart, h.restart)
	panel.POST(dashboardPathShutdown, h.shutdown)
	panel.POST(dashboardPathLogout, h.logout)
}

// csrfMiddleware rejects form posts whose csrf_token field (or
// X-CSRF-Token header) doesn't match the token in the session
func csrfMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		expected, _ := session.Get(sessionKeyCSRF).(string)
		got := c.PostForm(csrfFormField)
		if got == "" {
			got = c.GetHeader(csrfHeader)
		}
		if !constantTimeEqual(expected, got) {
			ginContextLogger(c).Warn("missing or invalid CSRF token")
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "missing or invalid CSRF token"},
			)
			return
		}
		c.Next()
	}
}

// dashboardAuthMiddleware redirects to the login form when the session
// isn't logged in, or has been idle longer than the configured timeout.
// Expired sessions are cleared first. Otherwise, the session's last
// activity is refreshed.
func (a *API) dashboardAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		if !isLoggedIn(session) {
			c.Redirect(http.StatusSeeOther, "/")
			c.Abort()
			return
		}
		if a.sessionExpired(session) {
			ginContextLogger(c).Info("dashboard session expired")
			a.expireSession(c, session)
			c.Redirect(http.StatusSeeOther, "/")
			c.Abort()
			return
		}
		session.Set(sessionKeyLastActivity, a.now().Unix())
		c.Next()
	}
}

func isLoggedIn(session sessions.Session) bool {
	loggedIn, _ := session.Get(sessionKeyLoggedIn).(bool)
	return loggedIn
}

func (a *API) sessionExpired(session sessions.Session) bool {
	last, ok := session.Get(sessionKeyLastActivity).(int64)
	if !ok {
		return true
	}
	idle := a.now().Sub(time.Unix(last, 0))
	return idle > a.config.SessionIdleTimeout
}

// expireSession clears the session, keeping a flash message so the
// login form can say why
func (a *API) expireSession(c *gin.Context, session sessions.Session) {
	session.Clear()
	session.Set(sessionKeyFlashError, "Session expired, please log in again.")
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
	}
}

// ensureCSRFToken returns the session's CSRF token, generating one if
// the session doesn't have one yet
func ensureCSRFToken(session sessions.Session) (string, error) {
	if token, ok := session.Get(sessionKeyCSRF).(string); ok && token != "" {
		return token, nil
	}
	return rotateCSRFToken(session)
}

func rotateCSRFToken(session sessions.Session) (string, error) {
	token, err := generateRandomHexString(64)
	if err != nil {
		return "", err
	}
	session.Set(sessionKeyCSRF, token)
	return token, nil
}

func setFlash(session sessions.Session, message string) {
	session.Set(sessionKeyFlash, message)
}

func setFlashError(session sessions.Session, message string) {
	session.Set(sessionKeyFlashError, message)
}

// popFlashes returns and removes any pending flash messages
func popFlashes(session sessions.Session) (flash string, flashError string) {
	flash, _ = session.Get(sessionKeyFlash).(string)
	flashError, _ = session.Get(sessionKeyFlashError).(string)
	session.Delete(sessionKeyFlash)
	session.Delete(sessionKeyFlashError)
	return flash, flashError
}

// checkPassword reports whether password matches the configured
// dashboard password hash. It's always false when no password is set.
func (a *API) checkPassword(password string) bool {
	if a.passwordHash == "" || password == "" {
		return false
	}
	ok, err := VerifyPassword(a.passwordHash, password)
	if err != nil {
		a.logger.Error("error verifying password", tint.Err(err))
		return false
	}
	return ok
}

// render saves the session, then renders the panel (or login form)
func (h *dashboardHandlers) render(
	c *gin.Context,
	status int,
	session sessions.Session,
	view panelView,
) {
	token, err := ensureCSRFToken(session)
	if err != nil {
		ginContextLogger(c).Error("error generating CSRF token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	flash, flashError := popFlashes(session)
	if view.Flash == "" {
		view.Flash = flash
	}
	if view.FlashError == "" {
		view.FlashError = flashError
	}
	if err = session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	view.Title = dashboardTitle
	view.CSRFToken = token
	view.Version = Version
	view.MaxStatusLen = MaxStatusLength
	c.Header(csrfHeader, token)
	c.HTML(status, "panel.html", view)
}

// redirect saves the session and redirects back to the panel
func (h *dashboardHandlers) redirect(c *gin.Context, session sessions.Session) {
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error saving session", tint.Err(err))
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *dashboardHandlers) index(c *gin.Context) {
	session := sessions.Default(c)

	if isLoggedIn(session) && h.api.sessionExpired(session) {
		ginContextLogger(c).Info("dashboard session expired")
		session.Clear()
		setFlashError(session, "Session expired, please log in again.")
	}

	view := panelView{LoggedIn: isLoggedIn(session)}
	if view.LoggedIn {
		session.Set(sessionKeyLastActivity, h.api.now().Unix())
		h.populate(c, &view)
	}
	h.render(c, http.StatusOK, session, view)
}

func (h *dashboardHandlers) populate(c *gin.Context, view *panelView) {
	store := h.d.store
	view.Enabled = store.Enabled()
	view.SolvedCount = store.SolvedCount()
	view.CustomStatus = store.CustomStatus()
	view.UserStatus = store.UserStatus()
	view.Presence = h.d.Presence()
	view.Username = h.d.discord.Username()
	view.Connected = h.d.discord.connected.Load()

	cases, err := h.d.RecentSolvedCases(c.Request.Context(), dashboardRecentCases)
	if err != nil {
		ginContextLogger(c).Warn("error getting recent solved cases", tint.Err(err))
		return
	}
	view.Cases = cases
}

func (h *dashboardHandlers) login(c *gin.Context) {
	session := sessions.Default(c)
	logger := ginContextLogger(c)

	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		h.render(
			c,
			http.StatusTooManyRequests,
			session,
			panelView{FlashError: "Too many login attempts, try again shortly."},
		)
		return
	}

	if !h.api.checkPassword(c.PostForm("password")) {
		logger.Warn("invalid login attempt")
		h.render(
			c,
			http.StatusUnauthorized,
			session,
			panelView{FlashError: "Incorrect password."},
		)
		return
	}

	session.Clear()
	session.Set(sessionKeyLoggedIn, true)
	session.Set(sessionKeyLastActivity, h.api.now().Unix())
	if _, err := rotateCSRFToken(session); err != nil {
		logger.Error("error generating CSRF token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	setFlash(session, "Logged in.")
	logger.Info("dashboard login")
	h.redirect(c, session)
}

func (h *dashboardHandlers) enableBot(c *gin.Context) {
	h.setEnabled(c, true)
}

func (h *dashboardHandlers) disableBot(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *dashboardHandlers) setEnabled(c *gin.Context, enabled bool) {
	session := sessions.Default(c)
	if err := h.d.store.SetEnabled(enabled); err != nil {
		ginContextLogger(c).Error("error setting enabled flag", tint.Err(err))
		setFlashError(session, "Unable to update the bot state.")
		h.redirect(c, session)
		return
	}
	ginContextLogger(c).Warn("bot enabled flag updated", "enabled", enabled)
	if enabled {
		setFlash(session, "Bot enabled.")
	} else {
		setFlash(session, "Bot disabled.")
	}
	h.redirect(c, session)
}

func (h *dashboardHandlers) resetCounter(c *gin.Context) {
	h.updateCounter(c, 0)
}

func (h *dashboardHandlers) setCounter(c *gin.Context) {
	session := sessions.Default(c)
	var form setCounterForm
	if err := c.ShouldBind(&form); err != nil {
		ginContextLogger(c).Info("invalid counter value", tint.Err(err))
		setFlashError(session, "Counter must be a whole number, 0 or greater.")
		h.redirect(c, session)
		return
	}
	h.updateCounter(c, *form.Count)
}

func (h *dashboardHandlers) updateCounter(c *gin.Context, count int) {
	session := sessions.Default(c)
	if err := h.d.store.SetSolvedCount(count); err != nil {
		ginContextLogger(c).Error("error setting solved count", tint.Err(err))
		setFlashError(session, "Unable to update the counter.")
		h.redirect(c, session)
		return
	}
	ginContextLogger(c).Info("solved count updated", "solved_count", count)
	h.d.TriggerPresenceUpdate()
	setFlash(session, "Counter updated.")
	h.redirect(c, session)
}

func (h *dashboardHandlers) editStatus(c *gin.Context) {
	session := sessions.Default(c)
	logger := ginContextLogger(c)

	var form editStatusForm
	if err := c.ShouldBind(&form); err != nil {
		logger.Info("invalid status", tint.Err(err))
		setFlashError(session, "Statuses must be at most 100 characters.")
		h.redirect(c, session)
		return
	}

	var err error
	if form.CustomStatus != nil {
		err = h.d.store.SetCustomStatus(*form.CustomStatus)
	}
	if err == nil && form.UserStatus != nil {
		err = h.d.store.SetUserStatus(*form.UserStatus)
	}
	if err != nil {
		logger.Error("error updating status", tint.Err(err))
		setFlashError(session, "Unable to update the status.")
		h.redirect(c, session)
		return
	}

	logger.Info(
		"status updated",
		"custom_status", h.d.store.CustomStatus(),
		"user_status", h.d.store.UserStatus(),
	)
	h.d.TriggerPresenceUpdate()
	setFlash(session, "Status updated.")
	h.redirect(c, session)
}

func (h *dashboardHandlers) restart(c *gin.Context) {
	ginContextLogger(c).Warn("restart requested via dashboard")
	c.HTML(
		http.StatusOK,
		"notice.html",
		noticeView{Title: dashboardTitle, Message: "Restarting... reload this page in a few seconds."},
	)
	h.d.RequestRestart()
}

func (h *dashboardHandlers) shutdown(c *gin.Context) {
	ginContextLogger(c).Warn("shutdown requested via dashboard")
	c.HTML(
		http.StatusOK,
		"notice.html",
		noticeView{Title: dashboardTitle, Message: "Shutting down."},
	)
	h.d.RequestShutdown()
}

func (h *dashboardHandlers) logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	setFlash(session, "Logged out.")
	ginContextLogger(c).Info("dashboard logout")
	h.redirect(c, session)
}
