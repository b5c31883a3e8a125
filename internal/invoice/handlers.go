package invoice

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/klinik-promo/internal/common"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
)

// Handler wires the invoice service to HTTP.
type Handler struct {
	Svc *Service
}

// Routes mounts the invoice endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/invoices", h.Open)
	r.Route("/invoices/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{rowKey}", h.UpdateItem)
		r.Delete("/items/{rowKey}", h.RemoveItem)
		r.Put("/exclusions", h.SetExclusions)
		r.Post("/reconcile", h.Reconcile)
		r.Post("/reset", h.Reset)
		r.Get("/campaigns", h.Campaigns)
	})
}

// Open starts an invoice session.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	view, err := h.Svc.Open(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, view, nil)
}

// Get returns the invoice state.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	view, err := h.Svc.View(id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view, nil)
}

// Close ends the invoice session.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	if err := h.Svc.Close(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddItem appends a user row.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	var in ItemInput
	if !decode(w, r, &in) {
		return
	}
	if _, err := h.Svc.AddItem(r.Context(), id, in); err != nil {
		writeError(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusCreated)
}

// UpdateItem edits a user row.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	var in ItemPatch
	if !decode(w, r, &in) {
		return
	}
	key := lineitem.RowKey(chi.URLParam(r, "rowKey"))
	if _, err := h.Svc.UpdateItem(r.Context(), id, key, in); err != nil {
		writeError(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// RemoveItem deletes a user row.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	key := lineitem.RowKey(chi.URLParam(r, "rowKey"))
	if err := h.Svc.RemoveItem(r.Context(), id, key); err != nil {
		writeError(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// SetExclusions replaces the opted-out campaigns.
func (h *Handler) SetExclusions(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	var req ExclusionsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Svc.SetExclusions(r.Context(), id, req); err != nil {
		writeError(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// Reconcile runs a promotion pass and returns what changed.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.Reconcile(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.Svc.View(id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, view, map[string]any{"result": res})
}

// Reset clears the invoice and its free items.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	if _, err := h.Svc.Reset(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// Campaigns lists the eligible campaigns and their applied state.
func (h *Handler) Campaigns(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceID(w, r)
	if !ok {
		return
	}
	entries, err := h.Svc.Campaigns(id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, entries, nil)
}

// respondView renders the session, reconciling first when ?sync=1.
func (h *Handler) respondView(w http.ResponseWriter, r *http.Request, id uuid.UUID, status int) {
	if wantSync(r) {
		if _, err := h.Svc.Reconcile(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	view, err := h.Svc.View(id)
	if err != nil {
		writeError(w, err)
		return
	}
	common.Data(w, status, view, nil)
}

func wantSync(r *http.Request) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get("sync"))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid invoice id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body", nil)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		err = common.NotFound("invoice not found", err)
	case errors.Is(err, lineitem.ErrRowNotFound):
		err = common.NotFound("line item not found", err)
	case errors.Is(err, lineitem.ErrRowLocked):
		err = common.NewAppError("ITEM_LOCKED", "free items are managed by promotions", http.StatusConflict, err)
	case errors.Is(err, ErrItemUnresolved):
		err = common.Unprocessable("item details unavailable", err)
	}
	common.WriteError(w, err)
}
