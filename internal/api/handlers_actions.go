package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/signing"
	"github.com/shohag/kindlerelay/internal/storage"
)

// ActionHandler serves the favorite and archive links printed in delivered
// issues. Links carry a signature instead of a login.
type ActionHandler struct {
	store   storage.Storage
	actions ArticleActions
	secret  string
	log     zerolog.Logger
}

func NewActionHandler(store storage.Storage, actions ArticleActions, secret string, log zerolog.Logger) *ActionHandler {
	return &ActionHandler{store: store, actions: actions, secret: secret, log: log}
}

// Article applies an operation to one article of a delivery.
func (h *ActionHandler) Article(w http.ResponseWriter, r *http.Request) {
	deliveryID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "articleID")
	op, ok := models.ParseAction(chi.URLParam(r, "operation"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("operation %s not supported", chi.URLParam(r, "operation")))
		return
	}
	if !signing.VerifyArticleAction(h.secret, r.URL.Query().Get("sig"), deliveryID, itemID, string(op)) {
		writeError(w, http.StatusForbidden, "invalid link signature")
		return
	}

	d, err := h.store.GetDelivery(r.Context(), deliveryID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error retrieving delivery")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	article := findArticle(d, itemID)
	if article == nil {
		writeError(w, http.StatusNotFound, "article not found in any mailing")
		return
	}

	owner, err := h.store.GetUser(r.Context(), d.UserID)
	if err != nil || owner == nil {
		writeError(w, http.StatusInternalServerError, "error retrieving delivery owner")
		return
	}

	writeLines(w, http.StatusOK, h.apply(r.Context(), op, owner.Token, *article))
}

// Mailing applies an operation to every article of a mailing.
func (h *ActionHandler) Mailing(w http.ResponseWriter, r *http.Request) {
	mailingID := chi.URLParam(r, "id")
	op, ok := models.ParseAction(chi.URLParam(r, "operation"))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("operation %s not supported", chi.URLParam(r, "operation")))
		return
	}
	if !signing.VerifyMailingAction(h.secret, r.URL.Query().Get("sig"), mailingID, string(op)) {
		writeError(w, http.StatusForbidden, "invalid link signature")
		return
	}

	m, err := h.store.GetMailing(r.Context(), mailingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "error retrieving mailing")
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "mailing not found")
		return
	}
	d, err := h.store.GetDelivery(r.Context(), m.DeliveryID)
	if err != nil || d == nil {
		writeError(w, http.StatusInternalServerError, "error retrieving delivery")
		return
	}
	owner, err := h.store.GetUser(r.Context(), d.UserID)
	if err != nil || owner == nil {
		writeError(w, http.StatusInternalServerError, "error retrieving delivery owner")
		return
	}

	results := iter.Map(m.Articles, func(a *models.SavedArticle) []string {
		return h.apply(r.Context(), op, owner.Token, *a)
	})
	var lines []string
	for _, res := range results {
		lines = append(lines, res...)
	}
	writeLines(w, http.StatusOK, lines)
}

// apply runs the operation and reports one line per source call. Favorite
// and archive together archive first.
func (h *ActionHandler) apply(ctx context.Context, op models.Action, token string, a models.SavedArticle) []string {
	var lines []string
	if op.Archives() {
		status, err := h.actions.Archive(ctx, token, a.ItemID)
		lines = append(lines, h.result(models.ActionArchive, "✔", a, status, err))
	}
	if op.Favorites() {
		status, err := h.actions.Favorite(ctx, token, a.ItemID)
		lines = append(lines, h.result(models.ActionFavorite, "★", a, status, err))
	}
	return lines
}

func (h *ActionHandler) result(op models.Action, marker string, a models.SavedArticle, status int, err error) string {
	if err != nil || status != 1 {
		h.log.Warn().Err(err).Str("item_id", a.ItemID).Str("operation", string(op)).Int("status", status).Msg("article operation failed")
		return fmt.Sprintf("╳ %s: Operation %s failed! Try again later", a.URL, op)
	}
	return fmt.Sprintf("%s %s", marker, a.URL)
}

// findArticle returns the most recently mailed copy of the article.
func findArticle(d *models.Delivery, itemID string) *models.SavedArticle {
	for i := len(d.Mailings) - 1; i >= 0; i-- {
		for j := range d.Mailings[i].Articles {
			if d.Mailings[i].Articles[j].ItemID == itemID {
				return &d.Mailings[i].Articles[j]
			}
		}
	}
	return nil
}
