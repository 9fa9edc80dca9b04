package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

type AuthHandler struct {
	store  storage.Storage
	source AuthSource
	log    zerolog.Logger
}

func NewAuthHandler(store storage.Storage, source AuthSource, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{store: store, source: source, log: log}
}

type loginResponse struct {
	LoginURL string `json:"login_url"`
	Code     string `json:"code"`
}

// Login starts the OAuth flow and returns the URL the user must approve.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	redirect := r.URL.Query().Get("redirect_uri")
	if redirect == "" {
		writeError(w, http.StatusBadRequest, "redirect_uri is required")
		return
	}

	code, loginURL, err := h.source.RequestCode(r.Context(), redirect)
	if err != nil {
		h.log.Error().Err(err).Msg("request code failed")
		writeError(w, http.StatusBadGateway, "couldn't connect to the article source")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{LoginURL: loginURL, Code: code})
}

type authorizeRequest struct {
	Code string `json:"code"`
}

type authorizeResponse struct {
	Token      string       `json:"token"`
	User       *models.User `json:"user"`
	HasProfile bool         `json:"has_profile"`
}

// Authorize exchanges an approved code for an access token. First-time users
// are created with the starter credits; returning users get their token
// refreshed.
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	auth, err := h.source.Authorize(r.Context(), req.Code)
	if err != nil {
		h.log.Warn().Err(err).Msg("authorize failed")
		writeError(w, http.StatusBadGateway, "couldn't authorize with the article source")
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), auth.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}

	hasProfile := user != nil
	now := time.Now().UTC()
	if user == nil {
		user = &models.User{
			ID:           models.NewID("usr"),
			Username:     auth.Username,
			Token:        auth.AccessToken,
			Active:       true,
			Subscription: models.SubscriptionFree,
			Credits:      models.StarterCredits,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := h.store.CreateUser(r.Context(), user); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create user")
			return
		}
		h.log.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("user created")
	} else {
		if err := h.store.UpdateUserToken(r.Context(), user.ID, auth.AccessToken); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update user")
			return
		}
		user.Token = auth.AccessToken
	}

	writeJSON(w, http.StatusOK, authorizeResponse{Token: auth.AccessToken, User: user, HasProfile: hasProfile})
}
