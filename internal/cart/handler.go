package cart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/server"
	"go.uber.org/zap"
)

type checkouter interface {
	Checkout(ctx context.Context, ownerID string) (string, error)
}

type Handler struct {
	store       Store
	coordinator checkouter
}

func NewHandler(store Store, coordinator checkouter) *Handler {
	return &Handler{store: store, coordinator: coordinator}
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/carts/{ownerID}", func(r chi.Router) {
		r.Get("/", h.GetCart)
		r.Put("/", h.PutCart)
		r.Delete("/", h.DeleteCart)
		r.Post("/checkout", h.Checkout)
	})
}

type putCartRequest struct {
	Items []Item `json:"items"`
}

type checkoutResponse struct {
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	c, err := h.store.GetByOwner(r.Context(), ownerID)
	if errors.Is(err, ErrNotFound) {
		server.WriteError(w, http.StatusNotFound, "cart_not_found", "")
		return
	}
	if err != nil {
		logging.Error(r.Context(), "get cart failed", err, zap.String("owner_id", ownerID))
		server.WriteError(w, http.StatusInternalServerError, "cart_store_error", "")
		return
	}
	server.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) PutCart(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	var req putCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	c := Cart{OwnerID: ownerID, Items: req.Items}
	if err := c.validate(); err != nil {
		server.WriteError(w, http.StatusBadRequest, "invalid_item", err.Error())
		return
	}
	if err := h.store.Save(r.Context(), c); err != nil {
		logging.Error(r.Context(), "save cart failed", err, zap.String("owner_id", ownerID))
		server.WriteError(w, http.StatusInternalServerError, "cart_store_error", "")
		return
	}
	server.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) DeleteCart(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	existed, err := h.store.DeleteByOwner(r.Context(), ownerID)
	if err != nil {
		logging.Error(r.Context(), "delete cart failed", err, zap.String("owner_id", ownerID))
		server.WriteError(w, http.StatusInternalServerError, "cart_store_error", "")
		return
	}
	if !existed {
		server.WriteError(w, http.StatusNotFound, "cart_not_found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Checkout answers 202: the order is created asynchronously.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	id, err := h.coordinator.Checkout(r.Context(), ownerID)
	switch {
	case err == nil:
		server.WriteJSON(w, http.StatusAccepted, checkoutResponse{CorrelationID: id})
	case errors.Is(err, ErrNotFound):
		server.WriteError(w, http.StatusNotFound, "cart_not_found", "")
	case errors.Is(err, ErrEmptyCart):
		server.WriteError(w, http.StatusUnprocessableEntity, "cart_empty", "")
	case errors.Is(err, ErrPublishFailed):
		server.WriteError(w, http.StatusServiceUnavailable, "checkout_unavailable", "checkout could not be submitted, retry later")
	default:
		logging.Error(r.Context(), "checkout failed", err, zap.String("owner_id", ownerID))
		server.WriteError(w, http.StatusInternalServerError, "checkout_failed", "")
	}
}
