package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	operationCheckout = "checkout"
	operationPay      = "pay"
)

func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	h.withIdempotency(w, r, operationCheckout, []string{operationCheckout, user.ID}, func() (int, any, error) {
		res, err := h.checkout.StartCheckout(r.Context(), user.ID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, res, nil
	})
}

func (h *Handler) payOrder(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	orderID := chi.URLParam(r, "orderID")
	h.withIdempotency(w, r, operationPay, []string{operationPay, user.ID, orderID}, func() (int, any, error) {
		res, err := h.checkout.PayLater(r.Context(), user.ID, orderID)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, res, nil
	})
}

func (h *Handler) myOrders(w http.ResponseWriter, r *http.Request) {
	h.respondOrders(w, r, h.orders.MyOrders)
}

func (h *Handler) myUnpaidOrders(w http.ResponseWriter, r *http.Request) {
	h.respondOrders(w, r, h.orders.MyUnpaidOrders)
}

func (h *Handler) respondOrders(w http.ResponseWriter, r *http.Request, load func(ctx context.Context, userID string) ([]domain.Order, error)) {
	orders, err := load(r.Context(), currentUser(r).ID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderViews(orders))
}

func (h *Handler) myOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.CustomerOrder(r.Context(), currentUser(r).ID, chi.URLParam(r, "orderID"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderView(order))
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.DeleteUnpaid(r.Context(), currentUser(r).ID, chi.URLParam(r, "orderID")); err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
