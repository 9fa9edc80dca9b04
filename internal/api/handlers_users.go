package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

type UserHandler struct {
	store storage.Storage
}

func NewUserHandler(store storage.Storage) *UserHandler {
	return &UserHandler{store: store}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Email       *string `json:"email"`
	KindleEmail *string `json:"kindle_email"`
}

// Update changes the user's contact addresses. Credits and subscription are
// managed from the command line.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email != nil {
		if *req.Email != "" && !models.IsEmail(*req.Email) {
			writeError(w, http.StatusBadRequest, "email is not valid")
			return
		}
		user.Email = *req.Email
	}
	if req.KindleEmail != nil {
		if *req.KindleEmail != "" && !models.IsKindleEmail(*req.KindleEmail) {
			writeError(w, http.StatusBadRequest, "kindle_email must be a @kindle.com address")
			return
		}
		user.KindleEmail = *req.KindleEmail
	}
	user.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Delete removes the user together with their deliveries.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.store.DeleteUser(r.Context(), user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
