// Package handlers provides the HTTP API handlers of the tenantdesk development server.
package handlers

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/memohai/tenantdesk/internal/auth"
	"github.com/memohai/tenantdesk/internal/logger"
	"github.com/memohai/tenantdesk/internal/store"
)

// AuthConfig configures AuthHandler.
type AuthConfig struct {
	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CookieName      string
	// Users maps usernames to passwords, either bcrypt hashes or plain text.
	Users map[string]string
}

// AuthHandler serves /auth/login, /auth/refresh and /auth/logout.
type AuthHandler struct {
	tokens *store.RefreshTokenStore
	cfg    AuthConfig
	logger *slog.Logger
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UserResponse identifies the logged in account.
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// LoginResponse is the success body of login.
type LoginResponse struct {
	AccessToken string       `json:"accessToken"`
	ExpiresAt   string       `json:"expiresAt"`
	User        UserResponse `json:"user"`
}

// RefreshResponse is the success body of refresh.
type RefreshResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   string `json:"expiresAt"`
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(log *slog.Logger, tokens *store.RefreshTokenStore, cfg AuthConfig) *AuthHandler {
	if strings.TrimSpace(cfg.CookieName) == "" {
		cfg.CookieName = auth.DefaultRenewalCookie
	}
	return &AuthHandler{
		tokens: tokens,
		cfg:    cfg,
		logger: log.With(slog.String("handler", "auth")),
	}
}

// Register mounts the auth routes on the Echo instance.
func (h *AuthHandler) Register(e *echo.Echo) {
	group := e.Group("/auth")
	group.POST("/login", h.Login)
	group.POST("/refresh", h.Refresh)
	group.POST("/logout", h.Logout)
}

// Login godoc
// @Summary Login
// @Description Validate user credentials, issue an access token and set the refresh cookie
// @Tags auth
// @Param payload body LoginRequest true "Login request"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post].
func (h *AuthHandler) Login(c echo.Context) error {
	if strings.TrimSpace(h.cfg.JWTSecret) == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "jwt secret not configured")
	}
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || strings.TrimSpace(req.Password) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	if !h.checkPassword(req.Username, req.Password) {
		logger.FromContext(c.Request().Context()).Info("login rejected", slog.String("username", req.Username))
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorBody{Code: auth.CodeUnauthorized, Message: "invalid credentials"})
	}

	token, expiresAt, err := auth.GenerateToken(req.Username, h.cfg.JWTSecret, h.cfg.AccessTokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.issueCookie(c, req.Username); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        UserResponse{ID: req.Username, Username: req.Username},
	})
}

// Refresh godoc
// @Summary Refresh access token
// @Description Exchange the refresh cookie for a new access token; the cookie is rotated
// @Tags auth
// @Success 200 {object} RefreshResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post].
func (h *AuthHandler) Refresh(c echo.Context) error {
	cookie, err := c.Cookie(h.cfg.CookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorBody{Code: auth.CodeUnauthorized, Message: "missing refresh token"})
	}
	userID, next, expires, err := h.tokens.Rotate(c.Request().Context(), cookie.Value, h.cfg.RefreshTokenTTL)
	if err != nil {
		h.clearCookie(c)
		if errors.Is(err, store.ErrInvalidToken) {
			return echo.NewHTTPError(http.StatusUnauthorized, auth.ErrorBody{Code: auth.CodeUnauthorized, Message: "refresh token rejected"})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	token, expiresAt, err := auth.GenerateToken(userID, h.cfg.JWTSecret, h.cfg.AccessTokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.setCookie(c, next, expires)
	h.logger.Debug("access token refreshed", slog.String("user", userID))
	return c.JSON(http.StatusOK, RefreshResponse{AccessToken: token, ExpiresAt: expiresAt.Format(time.RFC3339)})
}

// Logout godoc
// @Summary Logout
// @Description Revoke the refresh cookie
// @Tags auth
// @Success 204
// @Router /auth/logout [post].
func (h *AuthHandler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(h.cfg.CookieName); err == nil && cookie.Value != "" {
		if err := h.tokens.Revoke(c.Request().Context(), cookie.Value); err != nil {
			h.logger.Warn("revoke refresh token failed", slog.Any("error", err))
		}
	}
	h.clearCookie(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *AuthHandler) checkPassword(username, password string) bool {
	want, ok := h.cfg.Users[username]
	if !ok || want == "" {
		return false
	}
	if strings.HasPrefix(want, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

func (h *AuthHandler) issueCookie(c echo.Context, userID string) error {
	token, expires, err := h.tokens.Issue(c.Request().Context(), userID, h.cfg.RefreshTokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.setCookie(c, token, expires)
	return nil
}

func (h *AuthHandler) setCookie(c echo.Context, value string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     "/auth",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}
