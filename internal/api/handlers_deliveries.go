package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/kindlerelay/internal/delivery"
	"github.com/shohag/kindlerelay/internal/models"
	"github.com/shohag/kindlerelay/internal/storage"
)

type DeliveryHandler struct {
	store  storage.Storage
	runner Runner
	log    zerolog.Logger
}

func NewDeliveryHandler(store storage.Storage, runner Runner, log zerolog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: store, runner: runner, log: log}
}

type deliveryRequest struct {
	KindleEmail  *string           `json:"kindle_email"`
	Active       *bool             `json:"active"`
	Query        *models.Query     `json:"query"`
	Frequency    *models.Frequency `json:"frequency"`
	Time         *string           `json:"time"`
	Days         *[]string         `json:"days"`
	AutoArchive  *bool             `json:"autoArchive"`
	NoDuplicates *bool             `json:"noDuplicates"`
}

func (req deliveryRequest) apply(d *models.Delivery) {
	if req.KindleEmail != nil {
		d.KindleEmail = *req.KindleEmail
	}
	if req.Active != nil {
		d.Active = *req.Active
	}
	if req.Query != nil {
		d.Query = *req.Query
	}
	if req.Frequency != nil {
		d.Frequency = *req.Frequency
	}
	if req.Time != nil {
		d.Time = *req.Time
	}
	if req.Days != nil {
		d.Days = *req.Days
	}
	if req.AutoArchive != nil {
		d.AutoArchive = *req.AutoArchive
	}
	if req.NoDuplicates != nil {
		d.NoDuplicates = *req.NoDuplicates
	}
}

func validateDelivery(d *models.Delivery) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if !delivery.IsSlot(d.Time) {
		return errors.New("time must be one of Dawn, Morning, Noon, Afternoon, Evening, Midnight")
	}
	return nil
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	deliveries, err := h.store.ListDeliveriesByUser(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DeliveryHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	d := &models.Delivery{
		ID:          models.NewID("dlv"),
		UserID:      user.ID,
		KindleEmail: user.KindleEmail,
		Active:      true,
		Frequency:   models.FrequencyDaily,
		Mailings:    []models.Mailing{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	req.apply(d)
	if d.Days == nil {
		d.Days = []string{}
	}
	if err := validateDelivery(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.CreateDelivery(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create delivery")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ownDelivery loads the delivery named in the URL and checks that it belongs
// to the caller. It writes the error response itself.
func (h *DeliveryHandler) ownDelivery(w http.ResponseWriter, r *http.Request) *models.Delivery {
	user := UserFromContext(r.Context())
	if user == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}

	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return nil
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return nil
	}
	if d.UserID != user.ID {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	return d
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d := h.ownDelivery(w, r)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Update(w http.ResponseWriter, r *http.Request) {
	d := h.ownDelivery(w, r)
	if d == nil {
		return
	}

	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.apply(d)
	if err := validateDelivery(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d.UpdatedAt = time.Now().UTC()
	if err := h.store.UpdateDelivery(r.Context(), d); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	d := h.ownDelivery(w, r)
	if d == nil {
		return
	}
	if err := h.store.DeleteDelivery(r.Context(), d.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete delivery")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Execute previews the articles the delivery would send right now.
func (h *DeliveryHandler) Execute(w http.ResponseWriter, r *http.Request) {
	d := h.ownDelivery(w, r)
	if d == nil {
		return
	}

	articles, err := h.runner.Preview(r.Context(), d.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("delivery_id", d.ID).Msg("preview failed")
		writeError(w, http.StatusBadGateway, "couldn't query the article source")
		return
	}
	if articles == nil {
		articles = []models.Article{}
	}
	writeJSON(w, http.StatusOK, articles)
}

type deliverResponse struct {
	Outcome delivery.Outcome `json:"outcome"`
	Mailing *models.Mailing  `json:"mailing,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// Deliver sends the delivery immediately.
func (h *DeliveryHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	d := h.ownDelivery(w, r)
	if d == nil {
		return
	}

	res, err := h.runner.Deliver(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to run delivery")
		return
	}

	resp := deliverResponse{Outcome: res.Outcome, Mailing: res.Mailing}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	switch res.Outcome {
	case delivery.OutcomeSent:
		writeJSON(w, http.StatusOK, resp)
	case delivery.OutcomeFailed:
		writeJSON(w, http.StatusBadGateway, resp)
	case delivery.OutcomeSkippedNoCredit:
		writeJSON(w, http.StatusPaymentRequired, resp)
	default:
		writeJSON(w, http.StatusConflict, resp)
	}
}

// Dispatch runs a dispatch pass for the current slot.
func (h *DeliveryHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	sent, err := h.runner.DispatchDue(r.Context(), time.Now().UTC())
	if err != nil {
		h.log.Error().Err(err).Msg("manual dispatch failed")
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	if sent == nil {
		sent = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, sent)
}
