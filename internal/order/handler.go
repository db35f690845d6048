package order

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/server"
	"go.uber.org/zap"
)

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/orders/by-correlation/{correlationID}", h.GetByCorrelationID)
	r.Get("/orders/{ownerID}", h.ListByOwner)
}

func (h *Handler) ListByOwner(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	orders, err := h.store.ListByOwner(r.Context(), ownerID)
	if err != nil {
		logging.Error(r.Context(), "list orders failed", err, zap.String("owner_id", ownerID))
		server.WriteError(w, http.StatusInternalServerError, "order_store_error", "")
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	server.WriteJSON(w, http.StatusOK, orders)
}

func (h *Handler) GetByCorrelationID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	if _, err := uuid.Parse(id); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_correlation_id", "")
		return
	}
	o, err := h.store.GetByCorrelationID(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		server.WriteError(w, http.StatusNotFound, "order_not_found", "")
		return
	}
	if err != nil {
		logging.Error(r.Context(), "get order failed", err, zap.String("correlation_id", id))
		server.WriteError(w, http.StatusInternalServerError, "order_store_error", "")
		return
	}
	server.WriteJSON(w, http.StatusOK, o)
}
