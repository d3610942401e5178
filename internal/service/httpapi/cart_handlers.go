package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type addLineRequest struct {
	ProductID string  `json:"productId"`
	ColorID   *string `json:"colorId,omitempty"`
	SizeID    *string `json:"sizeId,omitempty"`
	Quantity  int32   `json:"quantity"`
}

type updateQuantityRequest struct {
	Quantity int32 `json:"quantity"`
}

type lineCountResponse struct {
	LineCount int `json:"lineCount"`
}

func (h *Handler) getCart(w http.ResponseWriter, r *http.Request) {
	view, err := h.cart.GetCart(r.Context(), currentUser(r).ID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toCartView(view, h.cfg.Currency))
}

func (h *Handler) addCartLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	count, err := h.cart.AddLine(r.Context(), currentUser(r).ID, domain.AddLineInput{
		ProductID: strings.TrimSpace(req.ProductID),
		ColorID:   req.ColorID,
		SizeID:    req.SizeID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, lineCountResponse{LineCount: count})
}

func (h *Handler) updateCartLine(w http.ResponseWriter, r *http.Request) {
	var req updateQuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	if err := h.cart.SetQuantity(r.Context(), currentUser(r).ID, chi.URLParam(r, "lineID"), req.Quantity); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeCartLine(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.RemoveLine(r.Context(), currentUser(r).ID, chi.URLParam(r, "lineID")); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.cart.Clear(r.Context(), currentUser(r).ID); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
