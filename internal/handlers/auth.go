package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/zap"
)

const refreshCookie = "refresh_token"

type AuthHandler struct {
	authSvc *services.AuthService
	logr    *zap.Logger
	cfg     *config.Config
}

func NewAuthHandler(svc *services.AuthService, logr *zap.Logger, cfg *config.Config) *AuthHandler {
	return &AuthHandler{authSvc: svc, logr: logr, cfg: cfg}
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResp struct {
	AccessToken  string             `json:"access_token"`
	RefreshToken string             `json:"refresh_token"`
	ExpiresAt    time.Time          `json:"access_expires_at"`
	User         *services.UserInfo `json:"user,omitempty"`
}

// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, user, err := h.authSvc.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.logr.Warn("login failed", zap.Error(err), zap.String("username", req.Username))
		writeError(w, h.logr, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExp)
	writeJSON(w, http.StatusOK, tokenResp{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExp,
		User:         user,
	})
}

// POST /auth/refresh  (reads refresh token from cookie OR body)
type refreshReq struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	// prefer cookie if present
	if cookie, err := r.Cookie(refreshCookie); err == nil && cookie.Value != "" {
		req.RefreshToken = cookie.Value
	}
	if req.RefreshToken == "" {
		badRequest(w, "refresh token required")
		return
	}

	pair, err := h.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.logr.Warn("refresh failed", zap.Error(err))
		writeError(w, h.logr, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExp)
	writeJSON(w, http.StatusOK, tokenResp{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    pair.AccessExp,
	})
}

// POST /auth/logout revokes every token of the caller.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authSvc.Logout(r.Context(), actor(r)); err != nil {
		h.logr.Warn("logout failed", zap.Error(err))
		writeError(w, h.logr, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.Environment == "production",
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.cfg.Environment == "production",
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})
}
